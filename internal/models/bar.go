// Package models provides the data structures shared across the backtest
// engine: daily price bars, option contracts, strategy legs, positions,
// closed trades, and the equity curve.
package models

import "time"

// PriceBar is one trading day of underlying data. Bars are immutable once
// ingested; the engine consumes them as an ordered sequence, one per trading
// day.
type PriceBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
	IV     float64   `json:"iv"` // Implied volatility proxy as decimal (0.20 = 20%)
}

// Snapshot is the market state the engine sees for a single simulated day.
type Snapshot struct {
	Date         time.Time `json:"date"`
	Spot         float64   `json:"spot"`
	IV           float64   `json:"iv"`
	RiskFreeRate float64   `json:"risk_free_rate"`
}

// EquityPoint is one entry of the equity curve. Equity is always
// Cash + SharesValue + OpenValue for the day it was recorded.
type EquityPoint struct {
	Date        time.Time `json:"date"`
	Equity      float64   `json:"equity"`
	Cash        float64   `json:"cash"`
	SharesValue float64   `json:"shares_value"`
	OpenValue   float64   `json:"open_value"` // mark-to-market of all open positions
}

// Warning is a recoverable condition recorded during a run so downstream
// consumers can audit data quality without losing the run.
type Warning struct {
	Date    time.Time `json:"date"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Warning codes.
const (
	WarnDataGap       = "data_gap"
	WarnNoConvergence = "no_convergence"
	WarnPricing       = "pricing"
	WarnFillClamped   = "fill_clamped"
	WarnEntrySkipped  = "entry_skipped"
)
