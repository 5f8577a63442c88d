// Package config provides configuration management for the backtester.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/dunder_backtester/internal/backtest"
	"github.com/eddiefleurent/dunder_backtester/internal/execution"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/strategy"
)

const (
	// dateLayout is the wire format for all config dates.
	dateLayout = "2006-01-02"
	// defaultRiskFreeRate is used when data.risk_free_rate is unset
	defaultRiskFreeRate = 0.05
	// defaultVolatility is used when backtest.default_volatility is unset
	defaultVolatility = 0.20
	// defaultMaxDataGaps is the tolerated missing-day count when unset
	defaultMaxDataGaps = 5
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Costs       CostsConfig       `yaml:"costs"`
	Data        DataConfig        `yaml:"data"`
	Journal     JournalConfig     `yaml:"journal"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BacktestConfig defines the simulation window and engine parameters.
type BacktestConfig struct {
	Symbol            string  `yaml:"symbol"`
	Strategy          string  `yaml:"strategy"` // covered_call | cash_secured_put | iron_condor | credit_spread | wheel
	StartDate         string  `yaml:"start_date"`
	EndDate           string  `yaml:"end_date"`
	StartingCash      float64 `yaml:"starting_cash"`
	ProfitTargetPct   float64 `yaml:"profit_target_pct"`
	StopLossMultiple  float64 `yaml:"stop_loss_multiple"`
	ExitDTE           int     `yaml:"exit_dte"`
	MaxPositions      int     `yaml:"max_positions"`
	MinEntryDays      int     `yaml:"min_entry_days"`
	MaxDataGaps       int     `yaml:"max_data_gaps"`
	MaxDrawdownPct    float64 `yaml:"max_drawdown_pct"` // 0 disables the early stop
	DefaultVolatility float64 `yaml:"default_volatility"`
}

// StrategyConfig defines strike and expiry selection parameters.
type StrategyConfig struct {
	TargetDTE         int     `yaml:"target_dte"`
	DTEToleranceDays  int     `yaml:"dte_tolerance_days"`
	TargetDelta       float64 `yaml:"target_delta"`
	DeltaTolerance    float64 `yaml:"delta_tolerance"`
	SpreadWidth       float64 `yaml:"spread_width"`
	Contracts         int     `yaml:"contracts"`
	CreditSpreadRight string  `yaml:"credit_spread_right"` // put | call
}

// CostsConfig defines the execution cost model.
type CostsConfig struct {
	SpreadBps             float64 `yaml:"spread_bps"`
	SlippageBps           float64 `yaml:"slippage_bps"`
	SlippageMode          string  `yaml:"slippage_mode"` // fixed | stochastic
	SlippageSeed          int64   `yaml:"slippage_seed"`
	CommissionPerContract float64 `yaml:"commission_per_contract"`
}

// DataConfig defines the market data source.
type DataConfig struct {
	Source       string  `yaml:"source"` // csv | fixture
	Path         string  `yaml:"path"`
	RiskFreeRate float64 `yaml:"risk_free_rate"`
	// Retry settings apply when the source sits behind the resilient wrapper.
	MaxRetries int `yaml:"max_retries"`
}

// JournalConfig defines run journal persistence.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DashboardConfig defines the result dashboard server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Every failure is reported before the run starts; nothing is deferred to
// the daily loop.
func (c *Config) Validate() error {
	// Environment validation
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn, or error")
	}

	// Backtest validation
	if c.Backtest.Symbol == "" {
		return fmt.Errorf("backtest.symbol is required")
	}
	if !models.StrategyKind(c.Backtest.Strategy).Valid() {
		return fmt.Errorf("backtest.strategy %q is not a supported strategy", c.Backtest.Strategy)
	}
	start, err := time.Parse(dateLayout, c.Backtest.StartDate)
	if err != nil {
		return fmt.Errorf("backtest.start_date invalid: %w", err)
	}
	end, err := time.Parse(dateLayout, c.Backtest.EndDate)
	if err != nil {
		return fmt.Errorf("backtest.end_date invalid: %w", err)
	}
	if !start.Before(end) {
		return fmt.Errorf("backtest.start_date (%s) must precede backtest.end_date (%s)",
			c.Backtest.StartDate, c.Backtest.EndDate)
	}
	if c.Backtest.StartingCash <= 0 {
		return fmt.Errorf("backtest.starting_cash must be > 0")
	}
	if c.Backtest.ProfitTargetPct <= 0 || c.Backtest.ProfitTargetPct >= 1 {
		return fmt.Errorf("backtest.profit_target_pct must be in (0,1)")
	}
	if c.Backtest.StopLossMultiple <= 1 {
		return fmt.Errorf("backtest.stop_loss_multiple must be > 1")
	}
	if c.Backtest.ExitDTE < 0 {
		return fmt.Errorf("backtest.exit_dte must be >= 0")
	}
	if c.Backtest.MaxPositions <= 0 {
		return fmt.Errorf("backtest.max_positions must be > 0")
	}
	if c.Backtest.MaxDataGaps < 0 {
		return fmt.Errorf("backtest.max_data_gaps must be >= 0")
	}
	if c.Backtest.MaxDrawdownPct < 0 || c.Backtest.MaxDrawdownPct >= 1 {
		return fmt.Errorf("backtest.max_drawdown_pct must be in [0,1)")
	}
	if c.Backtest.DefaultVolatility < 0 {
		return fmt.Errorf("backtest.default_volatility must be >= 0")
	}

	// Strategy validation
	if c.Strategy.TargetDTE <= 0 {
		return fmt.Errorf("strategy.target_dte must be > 0")
	}
	if c.Strategy.DTEToleranceDays < 0 {
		return fmt.Errorf("strategy.dte_tolerance_days must be >= 0")
	}
	if c.Strategy.TargetDelta <= 0 || c.Strategy.TargetDelta >= 0.5 {
		return fmt.Errorf("strategy.target_delta must be in (0,0.5)")
	}
	if c.Strategy.DeltaTolerance <= 0 {
		return fmt.Errorf("strategy.delta_tolerance must be > 0")
	}
	if c.Strategy.SpreadWidth <= 0 {
		return fmt.Errorf("strategy.spread_width must be > 0")
	}
	if c.Strategy.Contracts <= 0 {
		return fmt.Errorf("strategy.contracts must be > 0")
	}
	switch c.Strategy.CreditSpreadRight {
	case "", "put", "call":
	default:
		return fmt.Errorf("strategy.credit_spread_right must be put or call")
	}

	// Costs validation
	if c.Costs.SpreadBps < 0 || c.Costs.SlippageBps < 0 || c.Costs.CommissionPerContract < 0 {
		return fmt.Errorf("costs values must be >= 0")
	}
	switch c.Costs.SlippageMode {
	case "", string(execution.SlippageFixed), string(execution.SlippageStochastic):
	default:
		return fmt.Errorf("costs.slippage_mode must be fixed or stochastic")
	}

	// Data validation
	switch c.Data.Source {
	case "csv":
		if c.Data.Path == "" {
			return fmt.Errorf("data.path is required for the csv source")
		}
	case "fixture":
	default:
		return fmt.Errorf("data.source must be csv or fixture")
	}
	if c.Data.RiskFreeRate < 0 || c.Data.RiskFreeRate > 0.25 {
		return fmt.Errorf("data.risk_free_rate must be in [0,0.25]")
	}
	if c.Data.MaxRetries < 0 {
		return fmt.Errorf("data.max_retries must be >= 0")
	}

	// Journal and dashboard validation
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal.enabled")
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when dashboard.enabled")
	}

	return nil
}

// Window returns the parsed simulation window. Validate guarantees the
// dates parse, so errors here only occur on an unvalidated config.
func (c *Config) Window() (time.Time, time.Time, error) {
	start, err := time.Parse(dateLayout, c.Backtest.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start_date: %w", err)
	}
	end, err := time.Parse(dateLayout, c.Backtest.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end_date: %w", err)
	}
	return start, end, nil
}

// RiskFreeRate returns the configured flat rate, defaulted when unset.
func (c *Config) RiskFreeRate() float64 {
	if c.Data.RiskFreeRate == 0 {
		return defaultRiskFreeRate
	}
	return c.Data.RiskFreeRate
}

// RunnerConfig maps the document onto the engine's config struct.
func (c *Config) RunnerConfig() (backtest.Config, error) {
	start, end, err := c.Window()
	if err != nil {
		return backtest.Config{}, err
	}
	vol := c.Backtest.DefaultVolatility
	if vol == 0 {
		vol = defaultVolatility
	}
	gaps := c.Backtest.MaxDataGaps
	if gaps == 0 {
		gaps = defaultMaxDataGaps
	}
	return backtest.Config{
		Symbol:                 c.Backtest.Symbol,
		Strategy:               models.StrategyKind(c.Backtest.Strategy),
		Start:                  start,
		End:                    end,
		StartingCash:           c.Backtest.StartingCash,
		ProfitTargetPct:        c.Backtest.ProfitTargetPct,
		StopLossMultiple:       c.Backtest.StopLossMultiple,
		ExitDTE:                c.Backtest.ExitDTE,
		MaxConcurrentPositions: c.Backtest.MaxPositions,
		MinEntryDays:           c.Backtest.MinEntryDays,
		MaxDataGaps:            gaps,
		MaxDrawdownPct:         c.Backtest.MaxDrawdownPct,
		DefaultVolatility:      vol,
	}, nil
}

// BuilderConfig maps the document onto the strategy builder's config.
func (c *Config) BuilderConfig() strategy.Config {
	right := models.Put
	if c.Strategy.CreditSpreadRight == "call" {
		right = models.Call
	}
	return strategy.Config{
		Symbol:            c.Backtest.Symbol,
		TargetDTE:         c.Strategy.TargetDTE,
		DTEToleranceDays:  c.Strategy.DTEToleranceDays,
		TargetDelta:       c.Strategy.TargetDelta,
		DeltaTolerance:    c.Strategy.DeltaTolerance,
		SpreadWidth:       c.Strategy.SpreadWidth,
		Contracts:         c.Strategy.Contracts,
		CreditSpreadRight: right,
	}
}

// CostConfig maps the document onto the execution model's config.
func (c *Config) CostConfig() execution.CostConfig {
	mode := execution.SlippageMode(c.Costs.SlippageMode)
	if c.Costs.SlippageMode == "" {
		mode = execution.SlippageFixed
	}
	return execution.CostConfig{
		SpreadBps:             c.Costs.SpreadBps,
		SlippageBps:           c.Costs.SlippageBps,
		SlippageMode:          mode,
		SlippageSeed:          c.Costs.SlippageSeed,
		CommissionPerContract: c.Costs.CommissionPerContract,
	}
}
