package models

import (
	"fmt"
	"math"
	"time"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100.0

// Right identifies an option as a call or a put.
type Right string

const (
	// Call is the right to buy the underlying at the strike.
	Call Right = "call"
	// Put is the right to sell the underlying at the strike.
	Put Right = "put"
)

// Valid returns true if the Right is one of the defined constants.
func (r Right) Valid() bool {
	return r == Call || r == Put
}

// OptionContract is a value object identifying a single listed option. Two
// contracts with the same fields are the same contract; there is no identity
// beyond strike, expiration, and right.
type OptionContract struct {
	Underlying string    `json:"underlying"`
	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`
	Right      Right     `json:"right"`
	Multiplier float64   `json:"multiplier"`
}

// NewContract builds a contract with the standard 100x multiplier.
func NewContract(underlying string, strike float64, expiration time.Time, right Right) OptionContract {
	return OptionContract{
		Underlying: underlying,
		Strike:     strike,
		Expiration: expiration,
		Right:      right,
		Multiplier: SharesPerContract,
	}
}

// OCCSymbol renders the contract in OCC format, e.g. SPY240119P00450000.
func (c OptionContract) OCCSymbol() string {
	r := "C"
	if c.Right == Put {
		r = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", c.Underlying, c.Expiration.Format("060102"), r,
		int(math.Round(c.Strike*1000)))
}

// DTE returns calendar days from asOf to expiration, floored at zero.
func (c OptionContract) DTE(asOf time.Time) int {
	days := int(c.Expiration.UTC().Truncate(24*time.Hour).Sub(asOf.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Intrinsic returns the contract's intrinsic value per share at the given spot.
func (c OptionContract) Intrinsic(spot float64) float64 {
	switch c.Right {
	case Call:
		return math.Max(0, spot-c.Strike)
	case Put:
		return math.Max(0, c.Strike-spot)
	}
	return 0
}

// InTheMoney reports whether the contract has positive intrinsic value.
func (c OptionContract) InTheMoney(spot float64) bool {
	return c.Intrinsic(spot) > 0
}

// Leg is one option position within a multi-part strategy. Quantity is in
// contracts and signed: positive = long, negative = short. Legs are immutable
// after creation.
type Leg struct {
	Contract   OptionContract `json:"contract"`
	Quantity   int            `json:"quantity"`
	EntryPrice float64        `json:"entry_price"` // fill price per share
	EntryDate  time.Time      `json:"entry_date"`
	// IVOffset is the additive difference between the leg's solved entry
	// implied volatility and the entry day's IV proxy. Marking a leg uses
	// the current day's proxy plus this offset, so friction-induced skew at
	// entry carries through the position's life.
	IVOffset float64 `json:"iv_offset"`
}

// IsShort reports whether the leg was sold to open.
func (l Leg) IsShort() bool {
	return l.Quantity < 0
}

// EntryValue returns the signed dollar value of the leg at entry:
// negative for premium paid, positive for premium received.
func (l Leg) EntryValue() float64 {
	return -float64(l.Quantity) * l.EntryPrice * l.Contract.Multiplier
}

// MarkValue returns the signed liquidation value of the leg at the given per
// share price: positive for long legs, negative for short legs.
func (l Leg) MarkValue(price float64) float64 {
	return float64(l.Quantity) * price * l.Contract.Multiplier
}
