package models

import (
	"fmt"
	"time"
)

// StrategyKind is the closed set of supported strategies. Each kind carries a
// fixed leg-count schema, enforced at construction time.
type StrategyKind string

const (
	// CoveredCall is long 100 shares per contract plus a short call.
	// The share inventory is held at the ledger level; the position itself
	// carries only the option leg.
	CoveredCall StrategyKind = "covered_call"
	// CashSecuredPut is a short put with the strike value reserved in cash.
	CashSecuredPut StrategyKind = "cash_secured_put"
	// IronCondor is a short put spread plus a short call spread around spot.
	IronCondor StrategyKind = "iron_condor"
	// CreditSpread is a short option plus a long option of the same right,
	// one strike further OTM, same expiry.
	CreditSpread StrategyKind = "credit_spread"
	// Wheel alternates cash-secured puts and covered calls based on
	// assignment.
	Wheel StrategyKind = "wheel"
)

// Valid returns true if the StrategyKind is one of the defined constants.
func (k StrategyKind) Valid() bool {
	switch k {
	case CoveredCall, CashSecuredPut, IronCondor, CreditSpread, Wheel:
		return true
	default:
		return false
	}
}

// legSchema maps each strategy kind to its required option leg count.
// Wheel positions hold one option leg per phase (put while flat, call while
// assigned).
var legSchema = map[StrategyKind]int{
	CoveredCall:    1,
	CashSecuredPut: 1,
	IronCondor:     4,
	CreditSpread:   2,
	Wheel:          1,
}

// PositionState represents the lifecycle state of a position.
type PositionState string

const (
	// StateOpen means the position is live and marked daily.
	StateOpen PositionState = "open"
	// StateClosed means the position has been exited and archived as a Trade.
	StateClosed PositionState = "closed"
)

// CloseReason records why a position was exited.
type CloseReason string

const (
	// ReasonProfitTarget: retained value decayed to the configured fraction
	// of the entry credit.
	ReasonProfitTarget CloseReason = "profit_target_hit"
	// ReasonStopLoss: cost to close breached the configured multiple of the
	// entry credit.
	ReasonStopLoss CloseReason = "stop_loss_hit"
	// ReasonDTEExit: days to expiry fell to the configured exit threshold.
	ReasonDTEExit CloseReason = "dte_exit"
	// ReasonExpiryAssigned: expiry reached with at least one leg in the money.
	ReasonExpiryAssigned CloseReason = "expiry_assigned"
	// ReasonExpiryExpired: expiry reached with every leg out of the money.
	ReasonExpiryExpired CloseReason = "expiry_expired"
	// ReasonEndOfWindow: forced close on the final simulated day.
	ReasonEndOfWindow CloseReason = "end_of_window"
)

// Position is a live multi-leg strategy position. Positions are owned
// exclusively by the ledger: created on entry, closed exactly once, and
// archived into a Trade on close.
type Position struct {
	ID          string        `json:"id"`
	Strategy    StrategyKind  `json:"strategy"`
	Legs        []Leg         `json:"legs"`
	State       PositionState `json:"state"`
	OpenDate    time.Time     `json:"open_date"`
	CloseDate   time.Time     `json:"close_date,omitempty"`
	CloseReason CloseReason   `json:"close_reason,omitempty"`
	// EntryCosts is the total friction paid at entry (commissions).
	EntryCosts float64 `json:"entry_costs"`
	// ReservedCash is held against the position while open (e.g. the strike
	// value of a cash-secured put).
	ReservedCash float64 `json:"reserved_cash"`
	// CurrentValue is the latest mark-to-market liquidation value in dollars
	// (negative for net short positions).
	CurrentValue float64 `json:"current_value"`
	// CurrentPnL is unrealized P&L at the latest mark, net of entry costs.
	CurrentPnL float64 `json:"current_pnl"`
}

// NewPosition validates the leg set against the strategy's schema and returns
// an open position.
func NewPosition(id string, kind StrategyKind, legs []Leg, openDate time.Time) (*Position, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown strategy kind %q", kind)
	}
	if want := legSchema[kind]; len(legs) != want {
		return nil, fmt.Errorf("strategy %s requires %d legs, got %d", kind, want, len(legs))
	}
	for i, leg := range legs {
		if leg.Quantity == 0 {
			return nil, fmt.Errorf("leg %d has zero quantity", i)
		}
		if !leg.Contract.Right.Valid() {
			return nil, fmt.Errorf("leg %d has invalid right %q", i, leg.Contract.Right)
		}
	}
	return &Position{
		ID:       id,
		Strategy: kind,
		Legs:     legs,
		State:    StateOpen,
		OpenDate: openDate,
	}, nil
}

// NetEntryCredit returns the signed dollar premium collected at entry across
// all option legs: positive for net credit, negative for net debit.
func (p *Position) NetEntryCredit() float64 {
	total := 0.0
	for _, leg := range p.Legs {
		total += leg.EntryValue()
	}
	return total
}

// Contracts returns the position size in contracts, taken from the short leg
// with the largest absolute quantity.
func (p *Position) Contracts() int {
	max := 0
	for _, leg := range p.Legs {
		q := leg.Quantity
		if q < 0 {
			q = -q
		}
		if q > max {
			max = q
		}
	}
	return max
}

// Expiration returns the earliest expiration across the position's legs.
func (p *Position) Expiration() time.Time {
	var earliest time.Time
	for _, leg := range p.Legs {
		if earliest.IsZero() || leg.Contract.Expiration.Before(earliest) {
			earliest = leg.Contract.Expiration
		}
	}
	return earliest
}

// DTE returns calendar days until the position's earliest expiration.
func (p *Position) DTE(asOf time.Time) int {
	return OptionContract{Expiration: p.Expiration()}.DTE(asOf)
}

// Close transitions the position OPEN -> CLOSED. The transition happens
// exactly once; closing an already closed position is an error.
func (p *Position) Close(date time.Time, reason CloseReason) error {
	if p.State != StateOpen {
		return fmt.Errorf("position %s: cannot close from state %s", p.ID, p.State)
	}
	if reason == "" {
		return fmt.Errorf("position %s: close reason is required", p.ID)
	}
	p.State = StateClosed
	p.CloseDate = date
	p.CloseReason = reason
	return nil
}

// Trade is the closed, append-only record of a position.
type Trade struct {
	PositionID  string       `json:"position_id"`
	Strategy    StrategyKind `json:"strategy"`
	OpenDate    time.Time    `json:"open_date"`
	CloseDate   time.Time    `json:"close_date"`
	EntryCredit float64      `json:"entry_credit"` // net dollars collected at entry
	ExitValue   float64      `json:"exit_value"`   // signed liquidation value at exit
	Costs       float64      `json:"costs"`        // total frictions, entry + exit
	RealizedPnL float64      `json:"realized_pnl"`
	CloseReason CloseReason  `json:"close_reason"`
	Legs        []Leg        `json:"legs"`
}
