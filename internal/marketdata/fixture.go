package marketdata

import (
	"context"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// FixtureProvider serves a fixed in-memory bar sequence. It backs tests and
// the synthetic data source, so the engine can run with no file or network
// dependency.
type FixtureProvider struct {
	bars []models.PriceBar
}

// NewFixtureProvider wraps a prepared bar sequence.
func NewFixtureProvider(bars []models.PriceBar) *FixtureProvider {
	return &FixtureProvider{bars: bars}
}

// FetchDailyBars implements Provider.
func (p *FixtureProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.PriceBar
	for _, b := range p.bars {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	if err := validateBars(out); err != nil {
		return nil, err
	}
	return out, nil
}

// FlatSeries generates one bar per weekday at a constant spot and IV,
// starting at start for the given number of trading days.
func FlatSeries(start time.Time, tradingDays int, spot, iv float64) []models.PriceBar {
	return driftSeries(start, tradingDays, spot, iv, func(i int, prev float64) float64 {
		return prev
	})
}

// TrendSeries generates weekday bars with a constant per-day percentage
// drift (0.01 = +1%/day).
func TrendSeries(start time.Time, tradingDays int, spot, iv, dailyDrift float64) []models.PriceBar {
	return driftSeries(start, tradingDays, spot, iv, func(i int, prev float64) float64 {
		return prev * (1 + dailyDrift)
	})
}

// GapSeries is FlatSeries with a single-day jump applied on jumpDay
// (0-indexed trading day); jumpPct of -0.10 gaps the price down 10%.
func GapSeries(start time.Time, tradingDays int, spot, iv float64, jumpDay int, jumpPct float64) []models.PriceBar {
	return driftSeries(start, tradingDays, spot, iv, func(i int, prev float64) float64 {
		if i == jumpDay {
			return prev * (1 + jumpPct)
		}
		return prev
	})
}

// WithoutDate returns a copy of bars with the bar at the given date removed,
// for exercising the data-gap policy.
func WithoutDate(bars []models.PriceBar, date time.Time) []models.PriceBar {
	out := make([]models.PriceBar, 0, len(bars))
	for _, b := range bars {
		if b.Date.Equal(date) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func driftSeries(start time.Time, tradingDays int, spot, iv float64, next func(i int, prev float64) float64) []models.PriceBar {
	bars := make([]models.PriceBar, 0, tradingDays)
	day := start.UTC().Truncate(24 * time.Hour)
	price := spot
	for i := 0; i < tradingDays; {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			day = day.AddDate(0, 0, 1)
			continue
		}
		if i > 0 {
			price = next(i, price)
		}
		bars = append(bars, models.PriceBar{
			Date:   day,
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: 1_000_000,
			IV:     iv,
		})
		day = day.AddDate(0, 0, 1)
		i++
	}
	return bars
}
