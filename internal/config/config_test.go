package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/execution"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

func validConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{LogLevel: "info"},
		Backtest: BacktestConfig{
			Symbol:           "SPY",
			Strategy:         "iron_condor",
			StartDate:        "2023-01-02",
			EndDate:          "2023-12-29",
			StartingCash:     25000,
			ProfitTargetPct:  0.50,
			StopLossMultiple: 2.0,
			ExitDTE:          7,
			MaxPositions:     2,
			MaxDataGaps:      5,
		},
		Strategy: StrategyConfig{
			TargetDTE:        45,
			DTEToleranceDays: 10,
			TargetDelta:      0.16,
			DeltaTolerance:   0.10,
			SpreadWidth:      10,
			Contracts:        1,
		},
		Costs: CostsConfig{
			SpreadBps:             20,
			SlippageBps:           10,
			CommissionPerContract: 0.65,
		},
		Data: DataConfig{Source: "fixture", RiskFreeRate: 0.05},
	}
}

func TestLoad(t *testing.T) {
	configPath := filepath.Join("..", "..", "config.yaml.example")
	_, err := Load(configPath)
	if err != nil {
		t.Errorf("Expected config to load successfully from example file, got error: %v", err)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "backtest:\n  symbol: SPY\n  no_such_field: 1\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected unknown field to be rejected, got nil")
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("BT_SYMBOL", "QQQ")
	path := filepath.Join(t.TempDir(), "config.yaml")
	src, err := os.ReadFile(filepath.Join("..", "..", "config.yaml.example"))
	if err != nil {
		t.Fatal(err)
	}
	doc := strings.Replace(string(src), "symbol: SPY", "symbol: ${BT_SYMBOL}", 1)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backtest.Symbol != "QQQ" {
		t.Errorf("Expected symbol QQQ from env, got %q", cfg.Backtest.Symbol)
	}
}

func TestValidate_FailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing symbol", func(c *Config) { c.Backtest.Symbol = "" }},
		{"unknown strategy", func(c *Config) { c.Backtest.Strategy = "butterfly" }},
		{"bad start date", func(c *Config) { c.Backtest.StartDate = "01/02/2023" }},
		{"inverted window", func(c *Config) { c.Backtest.StartDate, c.Backtest.EndDate = c.Backtest.EndDate, c.Backtest.StartDate }},
		{"zero cash", func(c *Config) { c.Backtest.StartingCash = 0 }},
		{"profit target at 1", func(c *Config) { c.Backtest.ProfitTargetPct = 1 }},
		{"stop loss at 1", func(c *Config) { c.Backtest.StopLossMultiple = 1 }},
		{"negative exit dte", func(c *Config) { c.Backtest.ExitDTE = -1 }},
		{"zero positions", func(c *Config) { c.Backtest.MaxPositions = 0 }},
		{"drawdown at 1", func(c *Config) { c.Backtest.MaxDrawdownPct = 1 }},
		{"zero target dte", func(c *Config) { c.Strategy.TargetDTE = 0 }},
		{"delta out of range", func(c *Config) { c.Strategy.TargetDelta = 0.6 }},
		{"zero width", func(c *Config) { c.Strategy.SpreadWidth = 0 }},
		{"bad spread right", func(c *Config) { c.Strategy.CreditSpreadRight = "straddle" }},
		{"negative commission", func(c *Config) { c.Costs.CommissionPerContract = -1 }},
		{"bad slippage mode", func(c *Config) { c.Costs.SlippageMode = "random" }},
		{"unknown data source", func(c *Config) { c.Data.Source = "ftp" }},
		{"csv without path", func(c *Config) { c.Data.Source = "csv"; c.Data.Path = "" }},
		{"journal without path", func(c *Config) { c.Journal.Enabled = true }},
		{"dashboard without addr", func(c *Config) { c.Dashboard.Enabled = true }},
		{"bad log level", func(c *Config) { c.Environment.LogLevel = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s, got nil", tt.name)
			}
		})
	}
}

func TestValidate_AcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Expected valid config to pass, got: %v", err)
	}
}

func TestRunnerConfigMapping(t *testing.T) {
	cfg := validConfig()
	rc, err := cfg.RunnerConfig()
	if err != nil {
		t.Fatalf("RunnerConfig: %v", err)
	}
	if rc.Strategy != models.IronCondor {
		t.Errorf("Expected iron_condor strategy, got %s", rc.Strategy)
	}
	wantStart := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	if !rc.Start.Equal(wantStart) {
		t.Errorf("Expected start %s, got %s", wantStart, rc.Start)
	}
	if rc.DefaultVolatility != 0.20 {
		t.Errorf("Expected default volatility fallback 0.20, got %v", rc.DefaultVolatility)
	}
	if rc.MaxConcurrentPositions != 2 {
		t.Errorf("Expected 2 max positions, got %d", rc.MaxConcurrentPositions)
	}
}

func TestCostConfigDefaultsToFixedSlippage(t *testing.T) {
	cfg := validConfig()
	cc := cfg.CostConfig()
	if cc.SlippageMode != execution.SlippageFixed {
		t.Errorf("Expected fixed slippage default, got %s", cc.SlippageMode)
	}
}

func TestBuilderConfigSpreadRight(t *testing.T) {
	cfg := validConfig()
	if got := cfg.BuilderConfig().CreditSpreadRight; got != models.Put {
		t.Errorf("Expected put default for credit spreads, got %s", got)
	}
	cfg.Strategy.CreditSpreadRight = "call"
	if got := cfg.BuilderConfig().CreditSpreadRight; got != models.Call {
		t.Errorf("Expected call, got %s", got)
	}
}
