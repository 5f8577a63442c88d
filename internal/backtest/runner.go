// Package backtest drives the day-by-day simulation: it advances the clock
// across the historical window, marks open positions, applies exit and entry
// rules, and produces the structured run result.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/dunder_backtester/internal/execution"
	"github.com/eddiefleurent/dunder_backtester/internal/ledger"
	"github.com/eddiefleurent/dunder_backtester/internal/marketdata"
	"github.com/eddiefleurent/dunder_backtester/internal/metrics"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/pricing"
	"github.com/eddiefleurent/dunder_backtester/internal/strategy"
)

// minMarkVol floors the volatility used to mark a leg.
const minMarkVol = 0.01

// Config holds the runner's simulation parameters. The config package maps
// the yaml document onto this struct and validates it before a run begins.
type Config struct {
	Symbol                 string
	Strategy               models.StrategyKind
	Start                  time.Time
	End                    time.Time
	StartingCash           float64
	ProfitTargetPct        float64 // close credit positions at this fraction of entry credit
	StopLossMultiple       float64 // close when cost to close reaches this multiple of entry credit
	ExitDTE                int     // close early when DTE falls to this threshold
	MaxConcurrentPositions int
	MinEntryDays           int     // calendar days that must remain to open a new position
	MaxDataGaps            int     // tolerated missing trading days before aborting
	MaxDrawdownPct         float64 // fraction of peak equity; 0 disables the early stop
	DefaultVolatility      float64 // fallback when the day's IV proxy is unusable
}

func (c *Config) validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("backtest: symbol is required")
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("backtest: unknown strategy %q", c.Strategy)
	}
	if !c.Start.Before(c.End) {
		return fmt.Errorf("backtest: start date must precede end date")
	}
	if c.StartingCash <= 0 {
		return fmt.Errorf("backtest: starting cash must be > 0")
	}
	if c.ProfitTargetPct <= 0 || c.ProfitTargetPct >= 1 {
		return fmt.Errorf("backtest: profit target must be in (0, 1)")
	}
	if c.StopLossMultiple <= 1 {
		return fmt.Errorf("backtest: stop loss multiple must be > 1")
	}
	if c.ExitDTE < 0 {
		return fmt.Errorf("backtest: exit DTE must be >= 0")
	}
	if c.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("backtest: max concurrent positions must be > 0")
	}
	if c.MaxDataGaps < 0 {
		return fmt.Errorf("backtest: max data gaps must be >= 0")
	}
	if c.MaxDrawdownPct < 0 || c.MaxDrawdownPct >= 1 {
		return fmt.Errorf("backtest: max drawdown must be in [0, 1)")
	}
	if c.DefaultVolatility <= 0 {
		c.DefaultVolatility = 0.20
	}
	if c.MinEntryDays <= 0 {
		c.MinEntryDays = c.ExitDTE + 2
	}
	return nil
}

// Runner executes one backtest. It owns the simulation clock and is the only
// writer of its ledger.
type Runner struct {
	cfg      Config
	provider marketdata.Provider
	rates    marketdata.RateSource
	builder  *strategy.Builder
	exec     *execution.Model
	logger   *log.Logger

	machine *runMachine
	book    *ledger.Ledger
	// attachedShares maps position IDs to shares bought alongside the
	// option legs (covered call entries).
	attachedShares map[string]int
	gaps           int
	peakEquity     float64
}

// NewRunner validates the config and assembles a runner.
func NewRunner(cfg Config, provider marketdata.Provider, rates marketdata.RateSource,
	builder *strategy.Builder, exec *execution.Model, logger *log.Logger) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil || rates == nil || builder == nil || exec == nil {
		return nil, fmt.Errorf("backtest: provider, rates, builder, and exec are required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[backtest] ", log.LstdFlags)
	}
	book, err := ledger.New(cfg.StartingCash, cfg.MaxConcurrentPositions, logger)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:            cfg,
		provider:       provider,
		rates:          rates,
		builder:        builder,
		exec:           exec,
		logger:         logger,
		machine:        newRunMachine(),
		book:           book,
		attachedShares: make(map[string]int),
		peakEquity:     cfg.StartingCash,
	}, nil
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() RunState {
	return r.machine.state()
}

// Run executes the full simulation window and returns the result document.
// The returned error is non-nil only for unrecoverable aborts; an
// intentional early stop returns a nil error with Result.EarlyStopped set.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := r.machine.transition(StateRunning, "run_started"); err != nil {
		return nil, err
	}

	// Bars are fetched and cached for the whole window up front; the
	// sequential loop never touches the provider again.
	bars, err := r.provider.FetchDailyBars(ctx, r.cfg.Symbol, r.cfg.Start, r.cfg.End)
	if err != nil {
		return r.abort("fatal_error", fmt.Sprintf("fetching bars: %v", err)),
			fmt.Errorf("fetching bars for %s: %w", r.cfg.Symbol, err)
	}
	if len(bars) == 0 {
		return r.abort("fatal_error", "no bars in window"),
			fmt.Errorf("no bars for %s between %s and %s", r.cfg.Symbol,
				r.cfg.Start.Format("2006-01-02"), r.cfg.End.Format("2006-01-02"))
	}
	byDate := make(map[string]models.PriceBar, len(bars))
	for _, b := range bars {
		byDate[b.Date.Format("2006-01-02")] = b
	}
	finalDate := bars[len(bars)-1].Date

	for day := r.cfg.Start; !day.After(r.cfg.End); day = day.AddDate(0, 0, 1) {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}

		// Early-stop conditions are checked at the top of each iteration so
		// an abort never leaves a partially processed day.
		if ctx.Err() != nil {
			return r.earlyStop("external cancellation"), nil
		}
		if breached, dd := r.drawdownBreached(); breached {
			return r.earlyStop(fmt.Sprintf("drawdown %.1f%% breached limit", dd*100)), nil
		}

		bar, ok := byDate[day.Format("2006-01-02")]
		if !ok {
			if err := r.recordGap(day); err != nil {
				return r.abort("fatal_error", err.Error()), err
			}
			continue
		}

		snap := r.snapshot(bar)
		if err := r.processDay(ctx, snap, day.Equal(finalDate)); err != nil {
			return r.abort("fatal_error", err.Error()), err
		}
	}

	if err := r.machine.transition(StateCompleted, "window_exhausted"); err != nil {
		return nil, err
	}
	return r.result("", false), nil
}

// processDay runs one simulated day in fixed order: mark, exits, entry (or
// final-day force close), then restates the day's equity point so it
// reflects end-of-day state.
func (r *Runner) processDay(ctx context.Context, snap models.Snapshot, finalDay bool) error {
	prices, err := r.priceOpenPositions(ctx, snap)
	if err != nil {
		return err
	}
	if err := r.book.MarkToMarket(snap, prices); err != nil {
		return err
	}

	if err := r.evaluateExits(snap); err != nil {
		return err
	}

	if finalDay {
		r.forceCloseAll(snap)
	} else {
		r.tryEntry(snap)
	}

	return r.book.RestateLastEquity(snap)
}

// snapshot converts a bar into the day's market snapshot, falling back to
// the configured default volatility when the proxy is unusable.
func (r *Runner) snapshot(bar models.PriceBar) models.Snapshot {
	iv := bar.IV
	if iv <= 0 {
		iv = r.cfg.DefaultVolatility
		r.book.AddWarning(models.Warning{
			Date: bar.Date, Code: models.WarnPricing,
			Message: fmt.Sprintf("missing IV proxy, using default %.2f", iv),
		})
	}
	return models.Snapshot{
		Date:         bar.Date,
		Spot:         bar.Close,
		IV:           iv,
		RiskFreeRate: r.rates.RateAt(bar.Date),
	}
}

// priceOpenPositions marks every open position's legs concurrently. Writes
// to the ledger stay serialized: this only assembles the price book.
func (r *Runner) priceOpenPositions(ctx context.Context, snap models.Snapshot) (ledger.LegPrices, error) {
	open := r.book.OpenPositions()
	prices := make(ledger.LegPrices, len(open))
	if len(open) == 0 {
		return prices, nil
	}

	type priced struct {
		id   string
		legs []float64
		warn *models.Warning
	}
	results := make([]priced, len(open))

	g, gctx := errgroup.WithContext(ctx)
	for i, pos := range open {
		i, pos := i, pos
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			legs := make([]float64, len(pos.Legs))
			for j, leg := range pos.Legs {
				price, err := r.markPrice(leg, snap)
				if err != nil {
					// A pricing failure aborts only this position's mark for
					// the day; the previous mark is retained.
					results[i] = priced{id: pos.ID, warn: &models.Warning{
						Date: snap.Date, Code: models.WarnPricing,
						Message: fmt.Sprintf("marking %s: %v", leg.Contract.OCCSymbol(), err),
					}}
					return nil
				}
				legs[j] = price
			}
			results[i] = priced{id: pos.ID, legs: legs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range results {
		if res.warn != nil {
			r.book.AddWarning(*res.warn)
			continue
		}
		prices[res.id] = res.legs
	}
	return prices, nil
}

// markPrice values one leg at the day's snapshot, applying the leg's entry
// IV offset on top of the day's proxy.
func (r *Runner) markPrice(leg models.Leg, snap models.Snapshot) (float64, error) {
	timeYears := pricing.YearsToExpiry(snap.Date, leg.Contract.Expiration)
	if timeYears == 0 {
		return leg.Contract.Intrinsic(snap.Spot), nil
	}
	vol := snap.IV + leg.IVOffset
	if vol < minMarkVol {
		vol = minMarkVol
	}
	res, err := pricing.Price(pricing.Input{
		Spot:       snap.Spot,
		Strike:     leg.Contract.Strike,
		TimeYears:  timeYears,
		Rate:       snap.RiskFreeRate,
		Volatility: vol,
		Right:      leg.Contract.Right,
	})
	if err != nil {
		return 0, err
	}
	return res.Price, nil
}

// evaluateExits applies the exit rules to every open position, highest
// priority first: stop loss, profit target, DTE threshold, expiry
// settlement. Only one exit reason applies per position per day.
func (r *Runner) evaluateExits(snap models.Snapshot) error {
	for _, pos := range r.book.OpenPositions() {
		credit := pos.NetEntryCredit()
		costToClose := -pos.CurrentValue
		dte := pos.DTE(snap.Date)
		expired := !snap.Date.Before(pos.Expiration())

		switch {
		case credit > 0 && costToClose >= r.cfg.StopLossMultiple*credit:
			if err := r.closeAtMarket(pos, snap, models.ReasonStopLoss); err != nil {
				return err
			}
		case credit > 0 && pos.CurrentPnL >= r.cfg.ProfitTargetPct*credit:
			if err := r.closeAtMarket(pos, snap, models.ReasonProfitTarget); err != nil {
				return err
			}
		case !expired && dte <= r.cfg.ExitDTE:
			if err := r.closeAtMarket(pos, snap, models.ReasonDTEExit); err != nil {
				return err
			}
		case expired:
			if err := r.settleAtExpiry(pos, snap); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeAtMarket buys back / sells out every leg at its marked price through
// the execution model.
func (r *Runner) closeAtMarket(pos *models.Position, snap models.Snapshot, reason models.CloseReason) error {
	quotes := make([]execution.LegQuote, len(pos.Legs))
	for i, leg := range pos.Legs {
		price, err := r.markPrice(leg, snap)
		if err != nil {
			// Fall back to the last recorded mark rather than leaving the
			// position stranded on its exit day.
			price = math.Abs(pos.CurrentValue) / float64(len(pos.Legs)) /
				leg.Contract.Multiplier / math.Abs(float64(leg.Quantity))
		}
		side := execution.Buy // closing a short
		if leg.Quantity > 0 {
			side = execution.Sell
		}
		quotes[i] = execution.LegQuote{Theoretical: price, Side: side, Contracts: abs(leg.Quantity)}
	}

	net, err := r.exec.FillLegs(quotes)
	if err != nil {
		return err
	}
	for _, w := range net.Warnings {
		w.Date = snap.Date
		r.book.AddWarning(w)
	}

	exitValue := 0.0
	for i, leg := range pos.Legs {
		exitValue += leg.MarkValue(net.Fills[i].Price)
	}
	if _, err := r.book.ClosePosition(pos.ID, snap.Date, reason, exitValue, net.Commission); err != nil {
		return err
	}
	return r.releaseShares(pos, snap)
}

// settleAtExpiry cash-settles every leg at intrinsic value. In-the-money
// legs are treated as assigned/exercised; share inventory moves at market
// for wheel and covered-call positions.
func (r *Runner) settleAtExpiry(pos *models.Position, snap models.Snapshot) error {
	exitValue := 0.0
	anyITM := false
	var assignedPut, assignedCall bool
	for _, leg := range pos.Legs {
		intrinsic := leg.Contract.Intrinsic(snap.Spot)
		exitValue += leg.MarkValue(intrinsic)
		if intrinsic > 0 {
			anyITM = true
			if leg.IsShort() {
				if leg.Contract.Right == models.Put {
					assignedPut = true
				} else {
					assignedCall = true
				}
			}
		}
	}

	reason := models.ReasonExpiryExpired
	if anyITM {
		reason = models.ReasonExpiryAssigned
	}
	if _, err := r.book.ClosePosition(pos.ID, snap.Date, reason, exitValue, 0); err != nil {
		return err
	}

	// Wheel assignment flips the share phase: a put assignment takes
	// delivery, a call assignment has the shares called away. The option
	// itself cash-settled at intrinsic, so shares move at market value.
	if pos.Strategy == models.Wheel {
		qty := pos.Contracts() * int(models.SharesPerContract)
		if assignedPut {
			if err := r.book.BuyShares(qty, snap.Spot); err != nil {
				r.book.AddWarning(models.Warning{
					Date: snap.Date, Code: models.WarnEntrySkipped,
					Message: fmt.Sprintf("wheel assignment not taken: %v", err),
				})
			}
		}
		if assignedCall && r.book.Shares() > 0 {
			sell := qty
			if sell > r.book.Shares() {
				sell = r.book.Shares()
			}
			if err := r.book.SellShares(sell, snap.Spot); err != nil {
				return err
			}
		}
	}
	return r.releaseShares(pos, snap)
}

// releaseShares flattens shares bought alongside a standalone covered call
// when its position closes.
func (r *Runner) releaseShares(pos *models.Position, snap models.Snapshot) error {
	qty := r.attachedShares[pos.ID]
	delete(r.attachedShares, pos.ID)
	if qty == 0 {
		return nil
	}
	if qty > r.book.Shares() {
		qty = r.book.Shares()
	}
	if qty == 0 {
		return nil
	}
	return r.book.SellShares(qty, snap.Spot)
}

// tryEntry opens a new position when capacity and the remaining window
// allow. Recoverable failures skip the day's entry and record a warning.
func (r *Runner) tryEntry(snap models.Snapshot) {
	if r.book.OpenCount() >= r.cfg.MaxConcurrentPositions {
		return
	}
	remaining := int(r.cfg.End.Sub(snap.Date).Hours() / 24)
	if remaining < r.cfg.MinEntryDays {
		return
	}

	proposal, err := r.builder.BuildWheelAware(r.cfg.Strategy, snap, r.book.Shares() > 0)
	if err != nil {
		r.skipEntry(snap, err)
		return
	}

	quotes := make([]execution.LegQuote, len(proposal.Legs))
	for i, pl := range proposal.Legs {
		res, err := pricing.Price(pricing.Input{
			Spot:       snap.Spot,
			Strike:     pl.Contract.Strike,
			TimeYears:  pricing.YearsToExpiry(snap.Date, pl.Contract.Expiration),
			Rate:       snap.RiskFreeRate,
			Volatility: snap.IV,
			Right:      pl.Contract.Right,
		})
		if err != nil {
			r.skipEntry(snap, err)
			return
		}
		side := execution.Sell
		if pl.Quantity > 0 {
			side = execution.Buy
		}
		quotes[i] = execution.LegQuote{Theoretical: res.Price, Side: side, Contracts: abs(pl.Quantity)}
	}

	net, err := r.exec.FillLegs(quotes)
	if err != nil {
		r.skipEntry(snap, err)
		return
	}
	for _, w := range net.Warnings {
		w.Date = snap.Date
		r.book.AddWarning(w)
	}

	legs := make([]models.Leg, len(proposal.Legs))
	for i, pl := range proposal.Legs {
		legs[i] = models.Leg{
			Contract:   pl.Contract,
			Quantity:   pl.Quantity,
			EntryPrice: net.Fills[i].Price,
			EntryDate:  snap.Date,
			IVOffset:   r.solveIVOffset(net.Fills[i].Price, pl.Contract, snap),
		}
	}

	pos, err := models.NewPosition(uuid.NewString(), proposal.Kind, legs, snap.Date)
	if err != nil {
		r.skipEntry(snap, err)
		return
	}
	pos.EntryCosts = net.Commission
	pos.ReservedCash = proposal.ReservedCash

	if proposal.SharesToBuy > 0 {
		if err := r.book.BuyShares(proposal.SharesToBuy, snap.Spot); err != nil {
			r.skipEntry(snap, err)
			return
		}
	}
	if err := r.book.OpenPosition(pos); err != nil {
		if proposal.SharesToBuy > 0 {
			// Unwind the share purchase at the same price; economically a
			// no-op so the day stays consistent.
			_ = r.book.SellShares(proposal.SharesToBuy, snap.Spot)
		}
		r.skipEntry(snap, err)
		return
	}
	if proposal.SharesToBuy > 0 {
		r.attachedShares[pos.ID] = proposal.SharesToBuy
	}
}

// solveIVOffset backs the leg's entry implied volatility out of its fill
// price. A solver failure falls back to the day's proxy with a warning; it
// never aborts the run.
func (r *Runner) solveIVOffset(fill float64, c models.OptionContract, snap models.Snapshot) float64 {
	timeYears := pricing.YearsToExpiry(snap.Date, c.Expiration)
	iv, err := pricing.ImpliedVolatility(fill, snap.Spot, c.Strike, timeYears, snap.RiskFreeRate, c.Right)
	if err != nil {
		var nce *pricing.NoConvergenceError
		if errors.As(err, &nce) {
			r.book.AddWarning(models.Warning{
				Date: snap.Date, Code: models.WarnNoConvergence,
				Message: fmt.Sprintf("entry IV for %s: %v; using day proxy", c.OCCSymbol(), err),
			})
		}
		return 0
	}
	return iv - snap.IV
}

func (r *Runner) skipEntry(snap models.Snapshot, cause error) {
	r.book.AddWarning(models.Warning{
		Date: snap.Date, Code: models.WarnEntrySkipped,
		Message: cause.Error(),
	})
}

// forceCloseAll closes every remaining position on the final simulated day
// and liquidates any leftover share inventory at the settlement price.
func (r *Runner) forceCloseAll(snap models.Snapshot) {
	for _, pos := range r.book.OpenPositions() {
		if err := r.closeAtMarket(pos, snap, models.ReasonEndOfWindow); err != nil {
			r.book.AddWarning(models.Warning{
				Date: snap.Date, Code: models.WarnPricing,
				Message: fmt.Sprintf("force close %s: %v", pos.ID, err),
			})
		}
	}
	if qty := r.book.Shares(); qty > 0 {
		if err := r.book.SellShares(qty, snap.Spot); err != nil {
			r.book.AddWarning(models.Warning{
				Date: snap.Date, Code: models.WarnPricing,
				Message: fmt.Sprintf("final share liquidation: %v", err),
			})
		}
	}
}

// recordGap applies the data-gap policy: warn and skip until the tolerance
// count is exceeded.
func (r *Runner) recordGap(day time.Time) error {
	gap := &marketdata.DataGapError{Symbol: r.cfg.Symbol, Date: day}
	r.gaps++
	r.book.AddWarning(models.Warning{Date: day, Code: models.WarnDataGap, Message: gap.Error()})
	r.logger.Printf("skipping %s: %v (%d/%d gaps)",
		day.Format("2006-01-02"), gap, r.gaps, r.cfg.MaxDataGaps)
	if r.gaps > r.cfg.MaxDataGaps {
		return fmt.Errorf("data gaps exceeded tolerance of %d: %w", r.cfg.MaxDataGaps, gap)
	}
	return nil
}

// drawdownBreached checks the optional equity drawdown early stop.
func (r *Runner) drawdownBreached() (bool, float64) {
	curve := r.book.EquityCurve()
	if r.cfg.MaxDrawdownPct <= 0 || len(curve) == 0 {
		return false, 0
	}
	last := curve[len(curve)-1].Equity
	if last > r.peakEquity {
		r.peakEquity = last
	}
	if r.peakEquity <= 0 {
		return false, 0
	}
	dd := (r.peakEquity - last) / r.peakEquity
	return dd >= r.cfg.MaxDrawdownPct, dd
}

func (r *Runner) earlyStop(reason string) *Result {
	// The top-of-day check guarantees the ledger is frozen at its last
	// fully processed day.
	_ = r.machine.transition(StateAborted, "early_stop")
	r.logger.Printf("early stop: %s", reason)
	return r.result(reason, true)
}

func (r *Runner) abort(condition, reason string) *Result {
	_ = r.machine.transition(StateAborted, condition)
	return r.result(reason, false)
}

func (r *Runner) result(stopReason string, earlyStopped bool) *Result {
	curve := r.book.EquityCurve()
	finalEquity := r.cfg.StartingCash
	if len(curve) > 0 {
		finalEquity = curve[len(curve)-1].Equity
	}
	return &Result{
		Symbol:       r.cfg.Symbol,
		Strategy:     r.cfg.Strategy,
		Status:       r.machine.state(),
		EarlyStopped: earlyStopped,
		StopReason:   stopReason,
		StartDate:    r.cfg.Start,
		EndDate:      r.cfg.End,
		StartingCash: r.cfg.StartingCash,
		FinalEquity:  finalEquity,
		EquityCurve:  curve,
		Trades:       r.book.Trades(),
		Warnings:     r.book.Warnings(),
		Metrics:      metrics.Compute(curve, r.book.Trades()),
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
