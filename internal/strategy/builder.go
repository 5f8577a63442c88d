// Package strategy constructs the option legs for each supported strategy
// kind from a day's market snapshot: expiry selection by target DTE, strike
// selection by modeled delta, and the fixed leg schema for each kind.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/pricing"
	"github.com/eddiefleurent/dunder_backtester/internal/util"
)

// ConfigurationError reports invalid strategy parameters or a snapshot for
// which no expiry or strike satisfies the configured tolerances.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "strategy configuration: " + e.Reason
}

// Config holds the strategy construction parameters.
type Config struct {
	Symbol            string
	TargetDTE         int          // days to expiry to aim for
	DTEToleranceDays  int          // acceptable window around TargetDTE
	TargetDelta       float64      // absolute delta for short strikes, e.g. 0.16
	DeltaTolerance    float64      // max acceptable distance from TargetDelta
	SpreadWidth       float64      // dollars between short and long strikes
	Contracts         int          // contracts per position
	CreditSpreadRight models.Right // right used for credit_spread, default put
}

// Builder selects strikes and expiries and assembles legs for a named
// strategy. It is stateless across days; wheel phase is passed in by the
// caller.
type Builder struct {
	cfg Config
}

// NewBuilder validates the configuration and returns a Builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.TargetDTE <= 0 {
		return nil, &ConfigurationError{Reason: "target_dte must be > 0"}
	}
	if cfg.DTEToleranceDays < 0 {
		return nil, &ConfigurationError{Reason: "dte_tolerance_days must be >= 0"}
	}
	if cfg.TargetDelta <= 0 || cfg.TargetDelta >= 0.5 {
		return nil, &ConfigurationError{Reason: "target_delta must be in (0, 0.5)"}
	}
	if cfg.DeltaTolerance <= 0 {
		return nil, &ConfigurationError{Reason: "delta_tolerance must be > 0"}
	}
	if cfg.SpreadWidth < 0 {
		return nil, &ConfigurationError{Reason: "spread_width must be >= 0"}
	}
	if cfg.Contracts <= 0 {
		return nil, &ConfigurationError{Reason: "contracts must be > 0"}
	}
	if cfg.CreditSpreadRight == "" {
		cfg.CreditSpreadRight = models.Put
	}
	if !cfg.CreditSpreadRight.Valid() {
		return nil, &ConfigurationError{Reason: "credit_spread_right must be call or put"}
	}
	return &Builder{cfg: cfg}, nil
}

// ProposedLeg is a contract and signed quantity selected by the builder,
// before pricing and execution.
type ProposedLeg struct {
	Contract models.OptionContract
	Quantity int
}

// Proposal is a fully selected strategy entry: the ordered legs plus the
// collateral the ledger must secure.
type Proposal struct {
	Kind         models.StrategyKind
	Legs         []ProposedLeg
	ReservedCash float64
	SharesToBuy  int // shares bought alongside the option legs (covered call)
}

// Build returns the legs for the given strategy kind at the day's snapshot.
// sharesHeld selects the wheel phase: cash-secured put while flat, covered
// call while holding assigned shares.
func (b *Builder) Build(kind models.StrategyKind, snap models.Snapshot) (*Proposal, error) {
	return b.BuildWheelAware(kind, snap, false)
}

// BuildWheelAware is Build with the wheel share-inventory state made explicit.
func (b *Builder) BuildWheelAware(kind models.StrategyKind, snap models.Snapshot, sharesHeld bool) (*Proposal, error) {
	if !kind.Valid() {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown strategy %q", kind)}
	}
	if snap.Spot <= 0 || snap.IV <= 0 {
		return nil, &ConfigurationError{Reason: "snapshot requires positive spot and volatility"}
	}

	expiry, err := b.selectExpiry(snap.Date)
	if err != nil {
		return nil, err
	}

	switch kind {
	case models.CoveredCall:
		return b.coveredCall(kind, snap, expiry, sharesHeld)
	case models.CashSecuredPut:
		return b.cashSecuredPut(kind, snap, expiry)
	case models.IronCondor:
		return b.ironCondor(snap, expiry)
	case models.CreditSpread:
		return b.creditSpread(snap, expiry)
	case models.Wheel:
		if sharesHeld {
			return b.coveredCall(models.Wheel, snap, expiry, true)
		}
		return b.cashSecuredPut(models.Wheel, snap, expiry)
	}
	return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown strategy %q", kind)}
}

func (b *Builder) coveredCall(kind models.StrategyKind, snap models.Snapshot, expiry time.Time, sharesHeld bool) (*Proposal, error) {
	strike, err := b.selectStrikeByDelta(snap, expiry, models.Call)
	if err != nil {
		return nil, err
	}
	p := &Proposal{
		Kind: kind,
		Legs: []ProposedLeg{
			{Contract: models.NewContract(b.cfg.Symbol, strike, expiry, models.Call), Quantity: -b.cfg.Contracts},
		},
	}
	if !sharesHeld {
		p.SharesToBuy = b.cfg.Contracts * int(models.SharesPerContract)
	}
	return p, nil
}

func (b *Builder) cashSecuredPut(kind models.StrategyKind, snap models.Snapshot, expiry time.Time) (*Proposal, error) {
	strike, err := b.selectStrikeByDelta(snap, expiry, models.Put)
	if err != nil {
		return nil, err
	}
	return &Proposal{
		Kind: kind,
		Legs: []ProposedLeg{
			{Contract: models.NewContract(b.cfg.Symbol, strike, expiry, models.Put), Quantity: -b.cfg.Contracts},
		},
		// Cash reserved to take assignment at the strike.
		ReservedCash: strike * models.SharesPerContract * float64(b.cfg.Contracts),
	}, nil
}

func (b *Builder) ironCondor(snap models.Snapshot, expiry time.Time) (*Proposal, error) {
	width := b.width(snap.Spot)

	shortPut, err := b.selectStrikeByDelta(snap, expiry, models.Put)
	if err != nil {
		return nil, err
	}
	shortCall, err := b.selectStrikeByDelta(snap, expiry, models.Call)
	if err != nil {
		return nil, err
	}
	longPut := util.RoundToTick(shortPut-width, strikeInterval(snap.Spot))
	longCall := util.RoundToTick(shortCall+width, strikeInterval(snap.Spot))
	if longPut <= 0 {
		return nil, &ConfigurationError{Reason: "spread_width puts the long put strike at or below zero"}
	}

	q := b.cfg.Contracts
	return &Proposal{
		Kind: models.IronCondor,
		Legs: []ProposedLeg{
			{Contract: models.NewContract(b.cfg.Symbol, shortPut, expiry, models.Put), Quantity: -q},
			{Contract: models.NewContract(b.cfg.Symbol, longPut, expiry, models.Put), Quantity: q},
			{Contract: models.NewContract(b.cfg.Symbol, shortCall, expiry, models.Call), Quantity: -q},
			{Contract: models.NewContract(b.cfg.Symbol, longCall, expiry, models.Call), Quantity: q},
		},
		// Max loss collateral: one wing's width (loss can only realize on
		// one side).
		ReservedCash: width * models.SharesPerContract * float64(q),
	}, nil
}

func (b *Builder) creditSpread(snap models.Snapshot, expiry time.Time) (*Proposal, error) {
	right := b.cfg.CreditSpreadRight
	if right == "" {
		right = models.Put
	}
	width := b.width(snap.Spot)

	short, err := b.selectStrikeByDelta(snap, expiry, right)
	if err != nil {
		return nil, err
	}
	var long float64
	if right == models.Put {
		long = util.RoundToTick(short-width, strikeInterval(snap.Spot))
	} else {
		long = util.RoundToTick(short+width, strikeInterval(snap.Spot))
	}
	if long <= 0 {
		return nil, &ConfigurationError{Reason: "spread_width puts the long strike at or below zero"}
	}

	q := b.cfg.Contracts
	return &Proposal{
		Kind: models.CreditSpread,
		Legs: []ProposedLeg{
			{Contract: models.NewContract(b.cfg.Symbol, short, expiry, right), Quantity: -q},
			{Contract: models.NewContract(b.cfg.Symbol, long, expiry, right), Quantity: q},
		},
		ReservedCash: width * models.SharesPerContract * float64(q),
	}, nil
}

// selectExpiry picks the available weekly (Friday) expiry whose DTE is
// closest to the target, breaking ties toward the later date.
func (b *Builder) selectExpiry(asOf time.Time) (time.Time, error) {
	day := asOf.UTC().Truncate(24 * time.Hour)
	maxDTE := b.cfg.TargetDTE + b.cfg.DTEToleranceDays

	var best time.Time
	bestDiff := math.MaxInt32
	for dte := 1; dte <= maxDTE; dte++ {
		candidate := day.AddDate(0, 0, dte)
		if candidate.Weekday() != time.Friday {
			continue
		}
		diff := dte - b.cfg.TargetDTE
		if diff < 0 {
			diff = -diff
		}
		// <= prefers the later of two equally distant expiries
		if diff <= bestDiff {
			bestDiff = diff
			best = candidate
		}
	}
	if best.IsZero() || bestDiff > b.cfg.DTEToleranceDays {
		return time.Time{}, &ConfigurationError{
			Reason: fmt.Sprintf("no expiry within %d days of %d DTE target",
				b.cfg.DTEToleranceDays, b.cfg.TargetDTE),
		}
	}
	return best, nil
}

// selectStrikeByDelta walks the synthetic strike grid and picks the strike
// whose modeled delta magnitude is closest to the target, breaking ties
// toward the further-OTM strike.
func (b *Builder) selectStrikeByDelta(snap models.Snapshot, expiry time.Time, right models.Right) (float64, error) {
	interval := strikeInterval(snap.Spot)
	timeYears := pricing.YearsToExpiry(snap.Date, expiry)

	// Floor/ceil the grid bounds outward so the scan covers the whole band.
	lo := util.FloorToTick(snap.Spot*0.60, interval)
	hi := util.CeilToTick(snap.Spot*1.40, interval)
	if lo <= 0 {
		lo = interval
	}

	best := 0.0
	bestDiff := math.MaxFloat64
	for strike := lo; strike <= hi+1e-9; strike += interval {
		res, err := pricing.Price(pricing.Input{
			Spot:       snap.Spot,
			Strike:     strike,
			TimeYears:  timeYears,
			Rate:       snap.RiskFreeRate,
			Volatility: snap.IV,
			Right:      right,
		})
		if err != nil {
			return 0, err
		}
		diff := math.Abs(math.Abs(res.Greeks.Delta) - b.cfg.TargetDelta)
		better := diff < bestDiff-1e-12
		tie := math.Abs(diff-bestDiff) <= 1e-12
		// On a tie prefer the further-OTM strike: higher for calls, lower
		// for puts. The loop ascends, so calls take the later strike and
		// puts keep the earlier one.
		if better || (tie && right == models.Call) {
			bestDiff = diff
			best = strike
		}
	}
	if best == 0 || bestDiff > b.cfg.DeltaTolerance {
		return 0, &ConfigurationError{
			Reason: fmt.Sprintf("no %s strike within %.3f of %.3f delta target",
				right, b.cfg.DeltaTolerance, b.cfg.TargetDelta),
		}
	}
	return best, nil
}

// width returns the configured spread width, defaulting to one strike
// interval when unset.
func (b *Builder) width(spot float64) float64 {
	if b.cfg.SpreadWidth > 0 {
		return b.cfg.SpreadWidth
	}
	return strikeInterval(spot)
}

// strikeInterval approximates listed strike spacing by underlying price.
func strikeInterval(spot float64) float64 {
	switch {
	case spot < 25:
		return 0.5
	case spot < 100:
		return 1
	case spot < 1000:
		return 5
	default:
		return 10
	}
}
