// Package pricing implements the closed-form lognormal (Black-Scholes)
// option pricing model, its Greeks, and a bounded implied-volatility solver.
//
// The forward formula is pure and deterministic; the solver is the only
// place numerical iteration occurs, and it runs over a fixed bracket with a
// fixed iteration budget.
package pricing

import (
	"math"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

const (
	// Volatility search bracket for the implied-vol solver.
	volLo = 0.0001 // 0.01%
	volHi = 5.0    // 500%

	// maxIterations bounds the bisection loop.
	maxIterations = 200

	// priceTolerance is the solver's convergence target on price.
	priceTolerance = 1e-8
)

// DaysPerYear converts calendar days to expiry into year fractions.
const DaysPerYear = 365.0

// Greeks holds the pricing sensitivities of an option.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"` // per year
	Vega  float64 `json:"vega"`  // per 1.0 of volatility
}

// Result is the output of a single pricing call.
type Result struct {
	Price  float64 `json:"price"`
	Greeks Greeks  `json:"greeks"`
}

// Input collects the pricing model inputs.
type Input struct {
	Spot       float64
	Strike     float64
	TimeYears  float64
	Rate       float64
	Volatility float64
	Right      models.Right
}

// YearsToExpiry returns the model time for a contract as of a given date.
func YearsToExpiry(asOf, expiration time.Time) float64 {
	days := expiration.UTC().Truncate(24*time.Hour).Sub(asOf.UTC().Truncate(24*time.Hour)).Hours() / 24
	if days < 0 {
		return 0
	}
	return days / DaysPerYear
}

// Price returns the theoretical value and Greeks for an option. At
// TimeYears == 0 it returns intrinsic value only, with delta pinned to
// {0, 1} for calls and {0, -1} for puts and all other Greeks zero.
func Price(in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	if in.TimeYears == 0 {
		return expiredResult(in), nil
	}

	sqrtT := math.Sqrt(in.TimeYears)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+0.5*in.Volatility*in.Volatility)*in.TimeYears) /
		(in.Volatility * sqrtT)
	d2 := d1 - in.Volatility*sqrtT

	discount := math.Exp(-in.Rate * in.TimeYears)
	pdf := normPDF(d1)

	var price, delta, theta float64
	switch in.Right {
	case models.Call:
		price = in.Spot*normCDF(d1) - in.Strike*discount*normCDF(d2)
		delta = normCDF(d1)
		theta = -in.Spot*pdf*in.Volatility/(2*sqrtT) - in.Rate*in.Strike*discount*normCDF(d2)
	case models.Put:
		price = in.Strike*discount*normCDF(-d2) - in.Spot*normCDF(-d1)
		delta = normCDF(d1) - 1
		theta = -in.Spot*pdf*in.Volatility/(2*sqrtT) + in.Rate*in.Strike*discount*normCDF(-d2)
	}

	return Result{
		Price: price,
		Greeks: Greeks{
			Delta: delta,
			Gamma: pdf / (in.Spot * in.Volatility * sqrtT),
			Theta: theta,
			Vega:  in.Spot * pdf * sqrtT,
		},
	}, nil
}

// ImpliedVolatility inverts the pricing model for the volatility that
// reproduces observed. It bisects over a fixed bracket and returns a
// NoConvergenceError when the observed price sits outside the arbitrage-free
// bounds for the inputs or the iteration budget runs out.
func ImpliedVolatility(observed, spot, strike, timeYears, rate float64, right models.Right) (float64, error) {
	in := Input{Spot: spot, Strike: strike, TimeYears: timeYears, Rate: rate, Volatility: volLo, Right: right}
	if err := validate(in); err != nil {
		return 0, err
	}
	if timeYears == 0 {
		return 0, &NoConvergenceError{Observed: observed, Reason: "option is expired"}
	}

	lower, upper := arbitrageBounds(spot, strike, timeYears, rate, right)
	if observed < lower-priceTolerance || observed > upper+priceTolerance {
		return 0, &NoConvergenceError{
			Observed: observed,
			Reason:   "observed price outside arbitrage-free bounds",
		}
	}

	objective := func(vol float64) (float64, error) {
		in.Volatility = vol
		res, err := Price(in)
		if err != nil {
			return 0, err
		}
		return res.Price - observed, nil
	}

	fLo, err := objective(volLo)
	if err != nil {
		return 0, err
	}
	if math.Abs(fLo) < priceTolerance {
		return volLo, nil
	}
	fHi, err := objective(volHi)
	if err != nil {
		return 0, err
	}
	if math.Abs(fHi) < priceTolerance {
		return volHi, nil
	}
	if fLo*fHi > 0 {
		return 0, &NoConvergenceError{
			Observed: observed,
			Reason:   "no sign change over the volatility bracket",
		}
	}

	lo, hi := volLo, volHi
	for i := 0; i < maxIterations; i++ {
		mid := (lo + hi) / 2
		fMid, err := objective(mid)
		if err != nil {
			return 0, err
		}
		if math.Abs(fMid) < priceTolerance || (hi-lo)/2 < 1e-9 {
			return mid, nil
		}
		if fLo*fMid < 0 {
			hi = mid
		} else {
			lo = mid
			fLo = fMid
		}
	}

	return 0, &NoConvergenceError{
		Observed:   observed,
		Iterations: maxIterations,
		Reason:     "iteration budget exhausted",
	}
}

// arbitrageBounds returns the no-arbitrage price interval for a European
// option under the model.
func arbitrageBounds(spot, strike, timeYears, rate float64, right models.Right) (lower, upper float64) {
	discounted := strike * math.Exp(-rate*timeYears)
	if right == models.Call {
		return math.Max(0, spot-discounted), spot
	}
	return math.Max(0, discounted-spot), discounted
}

func validate(in Input) error {
	switch {
	case in.Spot <= 0:
		return &PricingError{Field: "spot", Value: in.Spot, Reason: "must be > 0"}
	case in.Strike <= 0:
		return &PricingError{Field: "strike", Value: in.Strike, Reason: "must be > 0"}
	case in.TimeYears < 0:
		return &PricingError{Field: "timeYears", Value: in.TimeYears, Reason: "must be >= 0"}
	case in.Volatility <= 0:
		return &PricingError{Field: "volatility", Value: in.Volatility, Reason: "must be > 0"}
	case !in.Right.Valid():
		return &PricingError{Field: "right", Reason: "must be call or put"}
	case math.IsNaN(in.Spot) || math.IsNaN(in.Strike) || math.IsNaN(in.Volatility):
		return &PricingError{Field: "inputs", Reason: "NaN input"}
	}
	return nil
}

func expiredResult(in Input) Result {
	res := Result{Price: models.OptionContract{Strike: in.Strike, Right: in.Right}.Intrinsic(in.Spot)}
	if res.Price > 0 {
		if in.Right == models.Call {
			res.Greeks.Delta = 1
		} else {
			res.Greeks.Delta = -1
		}
	}
	return res
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
