package journal

// Schema creates the journal tables. Every statement is idempotent so an
// existing database can be reopened across runs.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	symbol TEXT NOT NULL,
	strategy TEXT NOT NULL,
	status TEXT NOT NULL,
	early_stopped INTEGER NOT NULL,
	start_date DATETIME NOT NULL,
	end_date DATETIME NOT NULL,
	starting_cash REAL NOT NULL,
	final_equity REAL NOT NULL,
	total_return_pct REAL NOT NULL,
	annualized_return_pct REAL NOT NULL,
	max_drawdown_pct REAL NOT NULL,
	sharpe_ratio REAL NOT NULL,
	win_rate REAL NOT NULL,
	total_trades INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	run_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	open_date DATETIME NOT NULL,
	close_date DATETIME NOT NULL,
	entry_credit REAL NOT NULL,
	exit_value REAL NOT NULL,
	costs REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	close_reason TEXT NOT NULL,
	PRIMARY KEY (run_id, position_id)
);

CREATE TABLE IF NOT EXISTS equity (
	run_id TEXT NOT NULL,
	date DATETIME NOT NULL,
	equity REAL NOT NULL,
	cash REAL NOT NULL,
	shares_value REAL NOT NULL,
	open_value REAL NOT NULL,
	PRIMARY KEY (run_id, date)
);

CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);
CREATE INDEX IF NOT EXISTS idx_equity_run ON equity(run_id, date);
`
