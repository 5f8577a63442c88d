// Package ledger owns the portfolio state of a backtest: cash, share
// inventory, open positions, the trade log, and the equity curve. All
// mutation is sequential and driven by the backtest runner; the ledger has
// no concurrent writers.
package ledger

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// Ledger tracks cash and positions for a single backtest run.
type Ledger struct {
	cash      float64
	shares    int
	shareCost float64 // average per-share cost basis
	open      map[string]*models.Position
	curve     []models.EquityPoint
	trades    []models.Trade
	warnings  []models.Warning
	maxOpen   int
	logger    *log.Logger
}

// New creates a ledger with the given starting cash and open-position cap.
func New(startingCash float64, maxOpen int, logger *log.Logger) (*Ledger, error) {
	if startingCash <= 0 {
		return nil, fmt.Errorf("ledger: starting cash must be > 0, got %.2f", startingCash)
	}
	if maxOpen <= 0 {
		return nil, fmt.Errorf("ledger: max open positions must be > 0, got %d", maxOpen)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ledger] ", log.LstdFlags)
	}
	return &Ledger{
		cash:    startingCash,
		open:    make(map[string]*models.Position),
		maxOpen: maxOpen,
		logger:  logger,
	}, nil
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 { return l.cash }

// Shares returns the share inventory.
func (l *Ledger) Shares() int { return l.shares }

// ShareCostBasis returns the average per-share cost of the inventory.
func (l *Ledger) ShareCostBasis() float64 { return l.shareCost }

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int { return len(l.open) }

// OpenPositions returns the open positions ordered by open date then ID, so
// iteration is deterministic.
func (l *Ledger) OpenPositions() []*models.Position {
	out := make([]*models.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenDate.Equal(out[j].OpenDate) {
			return out[i].OpenDate.Before(out[j].OpenDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Position returns an open position by ID.
func (l *Ledger) Position(id string) (*models.Position, bool) {
	p, ok := l.open[id]
	return p, ok
}

// EquityCurve returns the recorded equity curve.
func (l *Ledger) EquityCurve() []models.EquityPoint { return l.curve }

// Trades returns the closed trade log.
func (l *Ledger) Trades() []models.Trade { return l.trades }

// Warnings returns the recorded warning log.
func (l *Ledger) Warnings() []models.Warning { return l.warnings }

// AddWarning appends a warning to the run's audit log.
func (l *Ledger) AddWarning(w models.Warning) {
	l.warnings = append(l.warnings, w)
}

// reservedTotal sums the cash held against open positions.
func (l *Ledger) reservedTotal() float64 {
	total := 0.0
	for _, p := range l.open {
		total += p.ReservedCash
	}
	return total
}

// AvailableCash is cash not reserved against open positions.
func (l *Ledger) AvailableCash() float64 {
	return l.cash - l.reservedTotal()
}

// OpenPosition admits a new position, applying its entry cash flows. It
// fails with CapacityError at the open-position cap and with
// InsufficientCapitalError when the position's reservation cannot be covered
// after the entry credit lands. Rejected entries leave the ledger untouched.
func (l *Ledger) OpenPosition(pos *models.Position) error {
	if pos == nil || pos.State != models.StateOpen {
		return fmt.Errorf("ledger: position must be non-nil and open")
	}
	if _, exists := l.open[pos.ID]; exists {
		return fmt.Errorf("ledger: duplicate position id %s", pos.ID)
	}
	if len(l.open) >= l.maxOpen {
		return &CapacityError{Max: l.maxOpen}
	}

	netEffect := pos.NetEntryCredit() - pos.EntryCosts
	if l.AvailableCash()+netEffect < pos.ReservedCash {
		return &InsufficientCapitalError{
			Required:  pos.ReservedCash,
			Available: l.AvailableCash() + netEffect,
		}
	}

	l.cash += netEffect
	// Mark the position at its own fill prices until the first daily mark,
	// so equity restated on the entry day does not overstate the credit.
	mv := 0.0
	for _, leg := range pos.Legs {
		mv += leg.MarkValue(leg.EntryPrice)
	}
	pos.CurrentValue = mv
	pos.CurrentPnL = pos.NetEntryCredit() + mv - pos.EntryCosts
	l.open[pos.ID] = pos
	l.logger.Printf("opened %s %s for net credit $%.2f (reserved $%.2f)",
		pos.Strategy, pos.ID, pos.NetEntryCredit(), pos.ReservedCash)
	return nil
}

// BuyShares purchases shares at the given price, failing with
// InsufficientCapitalError when unreserved cash cannot cover the cost.
func (l *Ledger) BuyShares(qty int, price float64) error {
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("ledger: share purchase requires positive qty and price")
	}
	cost := float64(qty) * price
	if cost > l.AvailableCash() {
		return &InsufficientCapitalError{Required: cost, Available: l.AvailableCash()}
	}
	l.shareCost = (l.shareCost*float64(l.shares) + cost) / float64(l.shares+qty)
	l.shares += qty
	l.cash -= cost
	return nil
}

// SellShares liquidates shares at the given price.
func (l *Ledger) SellShares(qty int, price float64) error {
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("ledger: share sale requires positive qty and price")
	}
	if qty > l.shares {
		return fmt.Errorf("ledger: cannot sell %d shares, holding %d", qty, l.shares)
	}
	l.shares -= qty
	l.cash += float64(qty) * price
	if l.shares == 0 {
		l.shareCost = 0
	}
	return nil
}

// LegPrices carries the per-share mark prices for a position's legs, in leg
// order.
type LegPrices map[string][]float64

// MarkToMarket revalues every open position at the day's snapshot using the
// supplied per-leg prices and appends one equity-curve entry. Positions
// missing from prices keep their previous mark (the caller records the
// pricing warning). The equity identity equity = cash + shares*spot +
// sum(open position value) is enforced; a violation is unrecoverable.
func (l *Ledger) MarkToMarket(snap models.Snapshot, prices LegPrices) error {
	openValue := 0.0
	for _, pos := range l.OpenPositions() {
		legPrices, ok := prices[pos.ID]
		if ok {
			if len(legPrices) != len(pos.Legs) {
				return fmt.Errorf("ledger: %d prices for %d legs on position %s",
					len(legPrices), len(pos.Legs), pos.ID)
			}
			mv := 0.0
			for i, leg := range pos.Legs {
				mv += leg.MarkValue(legPrices[i])
			}
			pos.CurrentValue = mv
			pos.CurrentPnL = pos.NetEntryCredit() + mv - pos.EntryCosts
		}
		openValue += pos.CurrentValue
	}

	sharesValue := float64(l.shares) * snap.Spot
	equity := l.cash + sharesValue + openValue

	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		return fmt.Errorf("%w: equity is not finite on %s",
			ErrInconsistent, snap.Date.Format("2006-01-02"))
	}
	// Cross-check the open-position component against the raw map, so a
	// drifted mark can never produce a curve entry that violates the
	// equity identity.
	check := 0.0
	for _, pos := range l.open {
		check += pos.CurrentValue
	}
	if diff := openValue - check; math.Abs(diff) > 1e-6 {
		return fmt.Errorf("%w: open position value off by %.8f on %s",
			ErrInconsistent, diff, snap.Date.Format("2006-01-02"))
	}

	l.curve = append(l.curve, models.EquityPoint{
		Date:        snap.Date,
		Equity:      equity,
		Cash:        l.cash,
		SharesValue: sharesValue,
		OpenValue:   openValue,
	})
	return nil
}

// RestateLastEquity recomputes the most recent equity point from the
// current ledger state. The runner calls it after a day's exits and entries
// so the recorded point reflects end-of-day cash and positions while keeping
// one entry per simulated day.
func (l *Ledger) RestateLastEquity(snap models.Snapshot) error {
	if len(l.curve) == 0 {
		return fmt.Errorf("ledger: no equity point to restate")
	}
	last := &l.curve[len(l.curve)-1]
	if !last.Date.Equal(snap.Date) {
		return fmt.Errorf("ledger: cannot restate %s from snapshot dated %s",
			last.Date.Format("2006-01-02"), snap.Date.Format("2006-01-02"))
	}

	openValue := 0.0
	for _, pos := range l.open {
		openValue += pos.CurrentValue
	}
	sharesValue := float64(l.shares) * snap.Spot
	equity := l.cash + sharesValue + openValue
	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		return fmt.Errorf("%w: equity is not finite on %s",
			ErrInconsistent, snap.Date.Format("2006-01-02"))
	}

	last.Equity = equity
	last.Cash = l.cash
	last.SharesValue = sharesValue
	last.OpenValue = openValue
	return nil
}

// ClosePosition exits an open position: exitValue is the signed liquidation
// value of the legs (negative when buying back shorts), exitCosts the
// frictions paid. The position is archived as a Trade and removed from the
// open set.
func (l *Ledger) ClosePosition(id string, date time.Time, reason models.CloseReason,
	exitValue, exitCosts float64) (models.Trade, error) {
	pos, ok := l.open[id]
	if !ok {
		return models.Trade{}, fmt.Errorf("ledger: no open position %s", id)
	}
	if err := pos.Close(date, reason); err != nil {
		return models.Trade{}, err
	}

	l.cash += exitValue - exitCosts

	trade := models.Trade{
		PositionID:  pos.ID,
		Strategy:    pos.Strategy,
		OpenDate:    pos.OpenDate,
		CloseDate:   date,
		EntryCredit: pos.NetEntryCredit(),
		ExitValue:   exitValue,
		Costs:       pos.EntryCosts + exitCosts,
		RealizedPnL: pos.NetEntryCredit() + exitValue - pos.EntryCosts - exitCosts,
		CloseReason: reason,
		Legs:        pos.Legs,
	}
	l.trades = append(l.trades, trade)
	delete(l.open, id)

	l.logger.Printf("closed %s %s (%s) realized $%.2f",
		pos.Strategy, pos.ID, reason, trade.RealizedPnL)
	return trade, nil
}
