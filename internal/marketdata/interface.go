// Package marketdata defines the engine's data boundary: a Provider
// capability interface for historical daily bars plus a risk-free rate
// source. The engine never depends on which concrete provider is wired in.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// Provider fetches the ordered daily bar sequence for an underlying over a
// date range. Implementations must return bars sorted ascending by date with
// at most one bar per trading day.
type Provider interface {
	FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error)
}

// RateSource supplies the risk-free rate for a given date.
type RateSource interface {
	RateAt(date time.Time) float64
}

// ConstantRate is a RateSource returning a fixed annualized rate.
type ConstantRate float64

// RateAt implements RateSource.
func (r ConstantRate) RateAt(time.Time) float64 { return float64(r) }

// DataGapError reports a missing trading-day bar inside a requested range.
// The runner's policy is to skip the day with a warning and continue until a
// configured gap tolerance is exceeded.
type DataGapError struct {
	Symbol string
	Date   time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("no bar for %s on %s", e.Symbol, e.Date.Format("2006-01-02"))
}

// validateBars enforces the Provider contract on a bar sequence.
func validateBars(bars []models.PriceBar) error {
	for i, b := range bars {
		if b.Close <= 0 {
			return fmt.Errorf("bar %d has non-positive close %.4f", i, b.Close)
		}
		if i > 0 && !bars[i-1].Date.Before(b.Date) {
			return fmt.Errorf("bars out of order at index %d (%s then %s)",
				i, bars[i-1].Date.Format("2006-01-02"), b.Date.Format("2006-01-02"))
		}
	}
	return nil
}
