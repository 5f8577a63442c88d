// Package execution converts theoretical option prices into realistic fills
// by applying bid/ask spread, slippage, and commission frictions.
package execution

import (
	"fmt"
	"math/rand"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/util"
)

// Side is the trader's side of a fill.
type Side string

const (
	// Buy pays the ask side: frictions raise the fill price.
	Buy Side = "buy"
	// Sell hits the bid side: frictions lower the fill price.
	Sell Side = "sell"
)

// SlippageMode selects how slippage is drawn.
type SlippageMode string

const (
	// SlippageFixed applies SlippageBps deterministically. This is the
	// default mode.
	SlippageFixed SlippageMode = "fixed"
	// SlippageStochastic draws slippage uniformly from [0, 2*SlippageBps]
	// using a seeded generator, so runs stay reproducible.
	SlippageStochastic SlippageMode = "stochastic"
)

// Valid returns true if the mode is one of the defined constants.
func (m SlippageMode) Valid() bool {
	return m == SlippageFixed || m == SlippageStochastic
}

// CostConfig holds the friction parameters for the model.
type CostConfig struct {
	SpreadBps             float64      // full bid/ask spread in basis points of theoretical
	SlippageBps           float64      // slippage in basis points of theoretical
	SlippageMode          SlippageMode // fixed | stochastic
	SlippageSeed          int64        // seed for stochastic mode
	CommissionPerContract float64      // fixed dollars per contract per fill
}

// Model applies CostConfig frictions to theoretical prices.
type Model struct {
	cfg CostConfig
	rng *rand.Rand
}

// NewModel builds an execution model. Stochastic slippage uses a generator
// seeded from the config so identical configs produce identical fills.
func NewModel(cfg CostConfig) (*Model, error) {
	if cfg.SlippageMode == "" {
		cfg.SlippageMode = SlippageFixed
	}
	if !cfg.SlippageMode.Valid() {
		return nil, fmt.Errorf("execution: unknown slippage mode %q", cfg.SlippageMode)
	}
	if cfg.SpreadBps < 0 || cfg.SlippageBps < 0 || cfg.CommissionPerContract < 0 {
		return nil, fmt.Errorf("execution: cost parameters must be >= 0")
	}
	m := &Model{cfg: cfg}
	if cfg.SlippageMode == SlippageStochastic {
		m.rng = rand.New(rand.NewSource(cfg.SlippageSeed)) // #nosec G404 -- simulation, not crypto
	}
	return m, nil
}

// Fill is the result of executing one leg.
type Fill struct {
	Price      float64 // per share
	Commission float64 // total dollars for the fill
	Clamped    bool    // true if the price was floored at zero
}

// Fill converts a theoretical per-share price into a realistic fill for the
// given side and contract count. Frictions are applied in order: half the
// bid/ask spread, then slippage, then commission. A sell fill is floored at
// zero and flagged rather than going negative.
func (m *Model) Fill(theoretical float64, side Side, contracts int) (Fill, error) {
	if side != Buy && side != Sell {
		return Fill{}, fmt.Errorf("execution: unknown side %q", side)
	}
	if contracts <= 0 {
		return Fill{}, fmt.Errorf("execution: contracts must be > 0, got %d", contracts)
	}
	if theoretical < 0 {
		return Fill{}, fmt.Errorf("execution: theoretical price must be >= 0, got %g", theoretical)
	}

	adverseBps := m.cfg.SpreadBps/2 + m.slippageBps()
	adjust := theoretical * adverseBps / 10000

	price := theoretical
	if side == Buy {
		price += adjust
	} else {
		price -= adjust
	}
	price = util.RoundToCents(price)

	fill := Fill{
		Price:      price,
		Commission: float64(contracts) * m.cfg.CommissionPerContract,
	}
	if fill.Price < 0 {
		fill.Price = util.ClampNonNegative(fill.Price)
		fill.Clamped = true
	}
	return fill, nil
}

// LegQuote is one leg of a multi-leg order handed to FillLegs.
type LegQuote struct {
	Theoretical float64
	Side        Side
	Contracts   int
}

// NetFill is the result of executing a full multi-leg order.
type NetFill struct {
	Fills      []Fill
	Commission float64
	Warnings   []models.Warning
}

// FillLegs executes every leg of an order and enforces the sign invariant: a
// theoretical net credit cannot become a net debit purely from frictions.
// When frictions would flip the sign, buy-side fills are trimmed back until
// the net is a token credit, and a warning is recorded instead of an error.
func (m *Model) FillLegs(legs []LegQuote) (NetFill, error) {
	if len(legs) == 0 {
		return NetFill{}, fmt.Errorf("execution: no legs to fill")
	}

	out := NetFill{Fills: make([]Fill, len(legs))}
	theoNet, fillNet := 0.0, 0.0
	for i, q := range legs {
		f, err := m.Fill(q.Theoretical, q.Side, q.Contracts)
		if err != nil {
			return NetFill{}, err
		}
		if f.Clamped {
			out.Warnings = append(out.Warnings, models.Warning{
				Code:    models.WarnFillClamped,
				Message: fmt.Sprintf("sell fill floored at zero (theoretical %.4f)", q.Theoretical),
			})
		}
		out.Fills[i] = f
		out.Commission += f.Commission
		theoNet += signed(q.Theoretical, q.Side, q.Contracts)
		fillNet += signed(f.Price, q.Side, q.Contracts)
	}

	const tokenCredit = 0.01
	if theoNet > 0 && fillNet <= 0 {
		deficit := tokenCredit - fillNet
		for i := range legs {
			if legs[i].Side != Buy || deficit <= 0 {
				continue
			}
			per := float64(legs[i].Contracts)
			cut := deficit / per
			if cut > out.Fills[i].Price {
				cut = out.Fills[i].Price
			}
			out.Fills[i].Price = util.RoundToCents(out.Fills[i].Price - cut)
			deficit -= cut * per
		}
		out.Warnings = append(out.Warnings, models.Warning{
			Code:    models.WarnFillClamped,
			Message: "frictions would flip a credit order to a debit; buy fills trimmed",
		})
	}

	return out, nil
}

func (m *Model) slippageBps() float64 {
	if m.cfg.SlippageMode == SlippageStochastic {
		return m.rng.Float64() * 2 * m.cfg.SlippageBps
	}
	return m.cfg.SlippageBps
}

// signed returns the per-share cash flow of a fill: positive when selling.
func signed(price float64, side Side, contracts int) float64 {
	v := price * float64(contracts)
	if side == Buy {
		return -v
	}
	return v
}
