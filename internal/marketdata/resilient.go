package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// RetryConfig bounds the resilient provider's retry behavior. Every ceiling
// is fixed so no fetch can suspend indefinitely.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig matches the fetch-once-per-run usage pattern: a few
// quick attempts, capped backoff.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// ResilientProvider wraps another Provider with a circuit breaker and
// bounded exponential-backoff retries. Bars are fetched and cached for the
// full backtest window before the sequential loop begins, so transient
// provider failures never leak into the day-by-day simulation.
type ResilientProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	cfg     RetryConfig
	logger  *log.Logger
}

// NewResilientProvider wraps inner with breaker and retry ceilings.
func NewResilientProvider(inner Provider, cfg RetryConfig, logger *log.Logger) *ResilientProvider {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[marketdata] ", log.LstdFlags)
	}
	settings := gobreaker.Settings{
		Name:    "MarketDataBreaker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &ResilientProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
		logger:  logger,
	}
}

// FetchDailyBars implements Provider with retries behind the breaker.
func (p *ResilientProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	var lastErr error
	backoff := p.cfg.InitialBackoff

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		res, err := p.breaker.Execute(func() (interface{}, error) {
			return p.inner.FetchDailyBars(ctx, symbol, start, end)
		})
		if err == nil {
			bars, ok := res.([]models.PriceBar)
			if !ok {
				return nil, errors.New("marketdata: breaker returned unexpected type")
			}
			return bars, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		p.logger.Printf("fetch %s attempt %d/%d failed: %v (retrying in %s)",
			symbol, attempt, p.cfg.MaxAttempts, err, backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
	return nil, fmt.Errorf("fetching bars for %s: %w", symbol, lastErr)
}
