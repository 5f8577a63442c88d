package marketdata

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

var quiet = log.New(io.Discard, "", 0)

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func TestCSVProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.csv")
	content := "date,open,high,low,close,volume,iv\n" +
		"2024-01-02,468.5,470.1,467.9,469.3,80123456,0.13\n" +
		"2024-01-03,469.0,469.8,465.2,466.1,91234567,0.14\n" +
		"2024-01-04,466.5,468.0,465.8,467.2,70123456,0.135\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p := NewCSVProvider(path)
	bars, err := p.FetchDailyBars(context.Background(), "SPY", day(2), day(3))
	require.NoError(t, err)

	require.Len(t, bars, 2, "range filter is inclusive")
	assert.Equal(t, day(2), bars[0].Date)
	assert.InDelta(t, 469.3, bars[0].Close, 1e-9)
	assert.InDelta(t, 0.13, bars[0].IV, 1e-9)
	assert.Equal(t, int64(80123456), bars[0].Volume)
}

func TestCSVProviderErrors(t *testing.T) {
	_, err := NewCSVProvider("missing.csv").FetchDailyBars(context.Background(), "SPY", day(1), day(31))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("open,high\n1,2\n"), 0o600))
	_, err = NewCSVProvider(path).FetchDailyBars(context.Background(), "SPY", day(1), day(31))
	assert.Error(t, err, "header without date/close/iv must fail")

	path = filepath.Join(t.TempDir(), "unordered.csv")
	content := "date,close,iv\n2024-01-03,466.1,0.14\n2024-01-02,469.3,0.13\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	_, err = NewCSVProvider(path).FetchDailyBars(context.Background(), "SPY", day(1), day(31))
	assert.Error(t, err, "out-of-order bars must fail")
}

func TestFixtureSeries(t *testing.T) {
	// 2024-01-06 is a Saturday; the first bar lands on Monday the 8th
	bars := FlatSeries(day(6), 5, 500, 0.15)
	require.Len(t, bars, 5)
	assert.Equal(t, day(8), bars[0].Date)
	for _, b := range bars {
		assert.NotEqual(t, time.Saturday, b.Date.Weekday())
		assert.NotEqual(t, time.Sunday, b.Date.Weekday())
		assert.Equal(t, 500.0, b.Close)
		assert.Equal(t, 0.15, b.IV)
	}

	trend := TrendSeries(day(8), 3, 100, 0.2, 0.01)
	assert.InDelta(t, 100, trend[0].Close, 1e-9)
	assert.InDelta(t, 101, trend[1].Close, 1e-9)
	assert.InDelta(t, 102.01, trend[2].Close, 1e-9)

	gap := GapSeries(day(8), 3, 100, 0.2, 1, -0.10)
	assert.InDelta(t, 90, gap[1].Close, 1e-9)
	assert.InDelta(t, 90, gap[2].Close, 1e-9)
}

func TestWithoutDate(t *testing.T) {
	bars := FlatSeries(day(8), 5, 500, 0.15)
	trimmed := WithoutDate(bars, day(10))
	require.Len(t, trimmed, 4)
	for _, b := range trimmed {
		assert.False(t, b.Date.Equal(day(10)))
	}
}

func TestFixtureProviderRange(t *testing.T) {
	p := NewFixtureProvider(FlatSeries(day(8), 5, 500, 0.15))
	bars, err := p.FetchDailyBars(context.Background(), "SPY", day(9), day(10))
	require.NoError(t, err)
	assert.Len(t, bars, 2)
}

func TestConstantRate(t *testing.T) {
	var src RateSource = ConstantRate(0.05)
	assert.Equal(t, 0.05, src.RateAt(day(1)))
}

// flakyProvider fails a fixed number of times before succeeding.
type flakyProvider struct {
	failures int
	calls    int
	bars     []models.PriceBar
}

func (f *flakyProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient fetch failure")
	}
	return f.bars, nil
}

func TestResilientProviderRetries(t *testing.T) {
	inner := &flakyProvider{failures: 2, bars: FlatSeries(day(8), 3, 500, 0.15)}
	p := NewResilientProvider(inner, RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, quiet)

	bars, err := p.FetchDailyBars(context.Background(), "SPY", day(1), day(31))
	require.NoError(t, err)
	assert.Len(t, bars, 3)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientProviderExhaustsAttempts(t *testing.T) {
	inner := &flakyProvider{failures: 10}
	p := NewResilientProvider(inner, RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, quiet)

	_, err := p.FetchDailyBars(context.Background(), "SPY", day(1), day(31))
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls, "attempt ceiling is fixed")
}

func TestDataGapError(t *testing.T) {
	err := &DataGapError{Symbol: "SPY", Date: day(10)}
	assert.Contains(t, err.Error(), "2024-01-10")
}
