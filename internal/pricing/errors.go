package pricing

import "fmt"

// PricingError reports a pricing input outside the model's domain.
type PricingError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("pricing: %s %s (got %g)", e.Field, e.Reason, e.Value)
}

// NoConvergenceError reports that the implied-volatility solver could not
// reproduce the observed price: either the price lies outside the
// arbitrage-free bounds or the iteration budget ran out.
type NoConvergenceError struct {
	Observed   float64
	Iterations int
	Reason     string
}

func (e *NoConvergenceError) Error() string {
	return fmt.Sprintf("implied volatility did not converge for price %.4f: %s", e.Observed, e.Reason)
}
