package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eddiefleurent/dunder_backtester/internal/backtest"
)

// SQLite stores runs, trades, and equity curves in a single database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the journal database and applies the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	RunID          string
	CreatedAt      time.Time
	Symbol         string
	Strategy       string
	Status         string
	EarlyStopped   bool
	StartingCash   float64
	FinalEquity    float64
	TotalReturnPct float64
	WinRate        float64
	TotalTrades    int
}

// RecordRun writes a finished result and its trades and equity curve in one
// transaction.
func (j *SQLite) RecordRun(ctx context.Context, runID string, res *backtest.Result) (err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning journal tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, created_at, symbol, strategy, status, early_stopped,
		 start_date, end_date, starting_cash, final_equity,
		 total_return_pct, annualized_return_pct, max_drawdown_pct,
		 sharpe_ratio, win_rate, total_trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), res.Symbol, string(res.Strategy), string(res.Status),
		res.EarlyStopped, res.StartDate, res.EndDate, res.StartingCash, res.FinalEquity,
		res.Metrics.TotalReturnPct, res.Metrics.AnnualizedReturnPct, res.Metrics.MaxDrawdownPct,
		res.Metrics.SharpeRatio, res.Metrics.WinRate, res.Metrics.TotalTrades,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", runID, err)
	}

	for _, t := range res.Trades {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trades
			(run_id, position_id, strategy, open_date, close_date,
			 entry_credit, exit_value, costs, realized_pnl, close_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, t.PositionID, string(t.Strategy), t.OpenDate, t.CloseDate,
			t.EntryCredit, t.ExitValue, t.Costs, t.RealizedPnL, string(t.CloseReason),
		)
		if err != nil {
			return fmt.Errorf("inserting trade %s: %w", t.PositionID, err)
		}
	}

	for _, pt := range res.EquityCurve {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO equity
			(run_id, date, equity, cash, shares_value, open_value)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, pt.Date, pt.Equity, pt.Cash, pt.SharesValue, pt.OpenValue,
		)
		if err != nil {
			return fmt.Errorf("inserting equity point %s: %w", pt.Date.Format("2006-01-02"), err)
		}
	}

	return tx.Commit()
}

// ListRuns returns run summaries newest-first.
func (j *SQLite) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, created_at, symbol, strategy, status, early_stopped,
		       starting_cash, final_equity, total_return_pct, win_rate, total_trades
		FROM runs ORDER BY run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.CreatedAt, &r.Symbol, &r.Strategy, &r.Status,
			&r.EarlyStopped, &r.StartingCash, &r.FinalEquity,
			&r.TotalReturnPct, &r.WinRate, &r.TotalTrades); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run's summary row.
func (j *SQLite) GetRun(ctx context.Context, runID string) (RunSummary, error) {
	var r RunSummary
	err := j.db.QueryRowContext(ctx, `
		SELECT run_id, created_at, symbol, strategy, status, early_stopped,
		       starting_cash, final_equity, total_return_pct, win_rate, total_trades
		FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.CreatedAt, &r.Symbol, &r.Strategy, &r.Status,
			&r.EarlyStopped, &r.StartingCash, &r.FinalEquity,
			&r.TotalReturnPct, &r.WinRate, &r.TotalTrades)
	if err != nil {
		return RunSummary{}, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return r, nil
}

// TradeCount returns the number of journaled trades for a run.
func (j *SQLite) TradeCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// Close releases the database handle.
func (j *SQLite) Close() error {
	return j.db.Close()
}
