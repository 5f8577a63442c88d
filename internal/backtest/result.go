package backtest

import (
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/metrics"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// Result is the single structured output document of a backtest run.
type Result struct {
	Symbol   string              `json:"symbol"`
	Strategy models.StrategyKind `json:"strategy"`
	Status   RunState            `json:"status"`
	// EarlyStopped marks an intentional early termination (drawdown breach
	// or external cancellation) as opposed to an error abort.
	EarlyStopped bool      `json:"early_stopped"`
	StopReason   string    `json:"stop_reason,omitempty"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	StartingCash float64   `json:"starting_cash"`
	FinalEquity  float64   `json:"final_equity"`

	EquityCurve []models.EquityPoint `json:"equity_curve"`
	Trades      []models.Trade       `json:"trades"`
	Warnings    []models.Warning     `json:"warnings"`
	Metrics     metrics.Summary      `json:"metrics"`
}
