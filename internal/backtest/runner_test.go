package backtest

import (
	"context"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_backtester/internal/execution"
	"github.com/eddiefleurent/dunder_backtester/internal/marketdata"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/strategy"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testCosts(t *testing.T) *execution.Model {
	t.Helper()
	m, err := execution.NewModel(execution.CostConfig{
		SpreadBps:             10,
		SlippageBps:           5,
		CommissionPerContract: 0.65,
	})
	require.NoError(t, err)
	return m
}

func testRunner(t *testing.T, cfg Config, scfg strategy.Config, bars []models.PriceBar) *Runner {
	t.Helper()
	builder, err := strategy.NewBuilder(scfg)
	require.NoError(t, err)
	r, err := NewRunner(cfg,
		marketdata.NewFixtureProvider(bars),
		marketdata.ConstantRate(0.05),
		builder, testCosts(t), quietLogger())
	require.NoError(t, err)
	return r
}

// mondayStart is a Monday so trading-day indices are easy to reason about.
var mondayStart = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

func flatCondorConfig(bars []models.PriceBar) (Config, strategy.Config) {
	cfg := Config{
		Symbol:                 "SPY",
		Strategy:               models.IronCondor,
		Start:                  bars[0].Date,
		End:                    bars[len(bars)-1].Date,
		StartingCash:           10_000,
		ProfitTargetPct:        0.50,
		StopLossMultiple:       2.0,
		ExitDTE:                0,
		MaxConcurrentPositions: 1,
		MaxDataGaps:            3,
	}
	scfg := strategy.Config{
		Symbol:           "SPY",
		TargetDTE:        7,
		DTEToleranceDays: 5,
		TargetDelta:      0.16,
		DeltaTolerance:   0.12,
		SpreadWidth:      10,
		Contracts:        1,
	}
	return cfg, scfg
}

func TestRunFlatMarketCondorHarvestsCredit(t *testing.T) {
	bars := marketdata.FlatSeries(mondayStart, 30, 500, 0.15)
	cfg, scfg := flatCondorConfig(bars)
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.Status)
	assert.False(t, res.EarlyStopped)
	require.NotEmpty(t, res.Trades)

	// With the underlying pinned, theta decay should let at least one
	// condor reach its profit target before expiry.
	hitTarget := false
	for _, tr := range res.Trades {
		if tr.CloseReason == models.ReasonProfitTarget {
			hitTarget = true
			assert.Positive(t, tr.RealizedPnL)
		}
	}
	assert.True(t, hitTarget, "expected a profit-target exit in a flat market")
	assert.Greater(t, res.FinalEquity, cfg.StartingCash)
}

func TestRunGapDownTriggersStopLoss(t *testing.T) {
	// Spot gaps down 10% on trading day 5, well through the short put
	// struck near 95% of the original spot.
	bars := marketdata.GapSeries(mondayStart, 25, 100, 0.25, 5, -0.10)
	cfg := Config{
		Symbol:                 "XYZ",
		Strategy:               models.CashSecuredPut,
		Start:                  bars[0].Date,
		End:                    bars[len(bars)-1].Date,
		StartingCash:           10_000,
		ProfitTargetPct:        0.50,
		StopLossMultiple:       2.0,
		ExitDTE:                0,
		MaxConcurrentPositions: 1,
		MaxDataGaps:            3,
	}
	scfg := strategy.Config{
		Symbol:           "XYZ",
		TargetDTE:        10,
		DTEToleranceDays: 5,
		TargetDelta:      0.16,
		DeltaTolerance:   0.15,
		SpreadWidth:      5,
		Contracts:        1,
	}
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Status)

	var stopped *models.Trade
	for i, tr := range res.Trades {
		if tr.CloseReason == models.ReasonStopLoss {
			stopped = &res.Trades[i]
			break
		}
	}
	require.NotNil(t, stopped, "expected a stop-loss exit after the gap")
	assert.Negative(t, stopped.RealizedPnL)

	// The loss on a cash-secured put is bounded by the reserved strike
	// value, so the account can never go below zero.
	strike := stopped.Legs[0].Contract.Strike
	assert.Greater(t, stopped.RealizedPnL, -strike*models.SharesPerContract)
	for _, pt := range res.EquityCurve {
		assert.GreaterOrEqual(t, pt.Cash, 0.0)
	}
}

func TestRunSkipsMissingDayAndCompletes(t *testing.T) {
	full := marketdata.FlatSeries(mondayStart, 20, 500, 0.15)
	missing := full[7].Date
	bars := marketdata.WithoutDate(full, missing)
	cfg, scfg := flatCondorConfig(full)
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Status)

	assert.Len(t, res.EquityCurve, len(full)-1)
	for _, pt := range res.EquityCurve {
		assert.False(t, pt.Date.Equal(missing), "no equity point for a skipped day")
	}

	gapWarned := false
	for _, w := range res.Warnings {
		if w.Code == models.WarnDataGap && w.Date.Equal(missing) {
			gapWarned = true
		}
	}
	assert.True(t, gapWarned)
}

func TestRunAbortsWhenGapsExceedTolerance(t *testing.T) {
	full := marketdata.FlatSeries(mondayStart, 20, 500, 0.15)
	bars := full
	for _, b := range full[5:9] {
		bars = marketdata.WithoutDate(bars, b.Date)
	}
	cfg, scfg := flatCondorConfig(full)
	cfg.MaxDataGaps = 2
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.Status)
	assert.False(t, res.EarlyStopped)
}

func TestRunEquityIdentityAndTerminalFlat(t *testing.T) {
	bars := marketdata.FlatSeries(mondayStart, 30, 500, 0.15)
	cfg, scfg := flatCondorConfig(bars)
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.EquityCurve)

	for _, pt := range res.EquityCurve {
		sum := pt.Cash + pt.SharesValue + pt.OpenValue
		assert.InDelta(t, pt.Equity, sum, 1e-9, "equity identity on %s", pt.Date.Format("2006-01-02"))
	}

	// End of window flattens everything: no open positions, no shares.
	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.Zero(t, last.OpenValue)
	assert.Zero(t, last.SharesValue)
	assert.InDelta(t, res.FinalEquity, last.Cash, 1e-9)
	assert.Equal(t, StateCompleted, r.State())
}

func TestRunWheelTakesAssignmentAndRecovers(t *testing.T) {
	// Drop far enough that the short put finishes in the money, then hold
	// flat. The wheel should take delivery and switch to selling calls.
	bars := marketdata.GapSeries(mondayStart, 40, 100, 0.25, 8, -0.12)
	cfg := Config{
		Symbol:                 "XYZ",
		Strategy:               models.Wheel,
		Start:                  bars[0].Date,
		End:                    bars[len(bars)-1].Date,
		StartingCash:           12_000,
		ProfitTargetPct:        0.50,
		StopLossMultiple:       25.0, // effectively disabled so expiry assignment is reached
		ExitDTE:                0,
		MaxConcurrentPositions: 1,
		MaxDataGaps:            3,
	}
	scfg := strategy.Config{
		Symbol:           "XYZ",
		TargetDTE:        7,
		DTEToleranceDays: 5,
		TargetDelta:      0.30,
		DeltaTolerance:   0.25,
		SpreadWidth:      5,
		Contracts:        1,
	}
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Status)

	assigned := false
	soldCalls := false
	for _, tr := range res.Trades {
		if tr.CloseReason == models.ReasonExpiryAssigned && tr.Legs[0].Contract.Right == models.Put {
			assigned = true
		}
		if assigned && tr.Legs[0].Contract.Right == models.Call {
			soldCalls = true
		}
	}
	assert.True(t, assigned, "expected the short put to be assigned")
	assert.True(t, soldCalls, "expected covered calls after assignment")

	sharesSeen := false
	for _, pt := range res.EquityCurve {
		if pt.SharesValue > 0 {
			sharesSeen = true
		}
	}
	assert.True(t, sharesSeen, "expected share inventory during the call phase")
	assert.Zero(t, res.EquityCurve[len(res.EquityCurve)-1].SharesValue)
}

func TestRunDrawdownEarlyStop(t *testing.T) {
	bars := marketdata.GapSeries(mondayStart, 25, 100, 0.30, 6, -0.30)
	cfg := Config{
		Symbol:                 "XYZ",
		Strategy:               models.CashSecuredPut,
		Start:                  bars[0].Date,
		End:                    bars[len(bars)-1].Date,
		StartingCash:           10_000,
		ProfitTargetPct:        0.50,
		StopLossMultiple:       2.0,
		ExitDTE:                0,
		MaxConcurrentPositions: 1,
		MaxDataGaps:            3,
		MaxDrawdownPct:         0.02,
	}
	scfg := strategy.Config{
		Symbol:           "XYZ",
		TargetDTE:        10,
		DTEToleranceDays: 5,
		TargetDelta:      0.30,
		DeltaTolerance:   0.25,
		SpreadWidth:      5,
		Contracts:        1,
	}
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.NoError(t, err, "an intentional early stop is not an error")
	assert.Equal(t, StateAborted, res.Status)
	assert.True(t, res.EarlyStopped)
	assert.Contains(t, res.StopReason, "drawdown")
}

// cancellingProvider hands out bars once, then cancels the run context so
// the next day's top-of-loop check sees it.
type cancellingProvider struct {
	inner  marketdata.Provider
	cancel context.CancelFunc
}

func (p *cancellingProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	bars, err := p.inner.FetchDailyBars(ctx, symbol, start, end)
	p.cancel()
	return bars, err
}

func TestRunContextCancelIsGracefulEarlyStop(t *testing.T) {
	bars := marketdata.FlatSeries(mondayStart, 20, 500, 0.15)
	cfg, scfg := flatCondorConfig(bars)
	builder, err := strategy.NewBuilder(scfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &cancellingProvider{inner: marketdata.NewFixtureProvider(bars), cancel: cancel}

	r, err := NewRunner(cfg, provider, marketdata.ConstantRate(0.05), builder, testCosts(t), quietLogger())
	require.NoError(t, err)

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.Status)
	assert.True(t, res.EarlyStopped)
	assert.Empty(t, res.Trades)
}

func TestRunIsSingleUse(t *testing.T) {
	bars := marketdata.FlatSeries(mondayStart, 10, 500, 0.15)
	cfg, scfg := flatCondorConfig(bars)
	r := testRunner(t, cfg, scfg, bars)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	assert.Error(t, err, "a completed runner cannot be restarted")
}

func TestRunMissingIVFallsBackToDefault(t *testing.T) {
	bars := marketdata.FlatSeries(mondayStart, 10, 500, 0)
	cfg, scfg := flatCondorConfig(bars)
	cfg.DefaultVolatility = 0.18
	r := testRunner(t, cfg, scfg, bars)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Status)

	warned := false
	for _, w := range res.Warnings {
		if w.Code == models.WarnPricing {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning for the missing IV proxy")
	assert.False(t, math.IsNaN(res.FinalEquity))
}

func TestRunConfigValidation(t *testing.T) {
	bars := marketdata.FlatSeries(mondayStart, 10, 500, 0.15)
	base, scfg := flatCondorConfig(bars)
	builder, err := strategy.NewBuilder(scfg)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing symbol", func(c *Config) { c.Symbol = "" }},
		{"bad strategy", func(c *Config) { c.Strategy = "butterfly" }},
		{"inverted window", func(c *Config) { c.Start, c.End = c.End, c.Start }},
		{"zero cash", func(c *Config) { c.StartingCash = 0 }},
		{"profit target too high", func(c *Config) { c.ProfitTargetPct = 1.0 }},
		{"stop loss too low", func(c *Config) { c.StopLossMultiple = 1.0 }},
		{"negative exit dte", func(c *Config) { c.ExitDTE = -1 }},
		{"zero capacity", func(c *Config) { c.MaxConcurrentPositions = 0 }},
		{"drawdown out of range", func(c *Config) { c.MaxDrawdownPct = 1.0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewRunner(cfg, marketdata.NewFixtureProvider(bars),
				marketdata.ConstantRate(0.05), builder, testCosts(t), quietLogger())
			assert.Error(t, err)
		})
	}
}

func TestRunMachineTransitions(t *testing.T) {
	m := newRunMachine()
	assert.Equal(t, StateReady, m.state())

	assert.Error(t, m.transition(StateCompleted, "window_exhausted"))
	require.NoError(t, m.transition(StateRunning, "run_started"))
	assert.Error(t, m.transition(StateRunning, "run_started"))
	require.NoError(t, m.transition(StateAborted, "early_stop"))
	assert.Error(t, m.transition(StateRunning, "run_started"))
}
