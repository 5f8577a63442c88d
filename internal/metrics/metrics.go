// Package metrics computes summary statistics over a finished equity curve
// and trade log. Pure functions: no mutation, no I/O.
package metrics

import (
	"math"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// tradingDaysPerYear annualizes daily returns.
const tradingDaysPerYear = 252.0

// Summary is the metrics block of a backtest result.
type Summary struct {
	StartingEquity      float64 `json:"starting_equity"`
	FinalEquity         float64 `json:"final_equity"`
	TotalReturnPct      float64 `json:"total_return_pct"`
	AnnualizedReturnPct float64 `json:"annualized_return_pct"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	TotalTrades         int     `json:"total_trades"`
	WinningTrades       int     `json:"winning_trades"`
	LosingTrades        int     `json:"losing_trades"`
	WinRate             float64 `json:"win_rate"`
	AverageWin          float64 `json:"average_win"`
	AverageLoss         float64 `json:"average_loss"`
	SharpeRatio         float64 `json:"sharpe_ratio"`
}

// Compute summarizes an equity curve and trade log. An empty curve yields a
// zero Summary.
func Compute(curve []models.EquityPoint, trades []models.Trade) Summary {
	var s Summary
	if len(curve) == 0 {
		return s
	}

	s.StartingEquity = curve[0].Equity
	s.FinalEquity = curve[len(curve)-1].Equity
	if s.StartingEquity != 0 {
		s.TotalReturnPct = (s.FinalEquity/s.StartingEquity - 1) * 100
	}
	s.AnnualizedReturnPct = annualizedReturn(s.StartingEquity, s.FinalEquity, len(curve))
	s.MaxDrawdownPct = maxDrawdown(curve) * 100
	s.SharpeRatio = sharpe(dailyReturns(curve))

	wins, losses := 0.0, 0.0
	for _, t := range trades {
		s.TotalTrades++
		switch {
		case t.RealizedPnL > 0:
			s.WinningTrades++
			wins += t.RealizedPnL
		case t.RealizedPnL < 0:
			s.LosingTrades++
			losses += t.RealizedPnL
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
	if s.WinningTrades > 0 {
		s.AverageWin = wins / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = losses / float64(s.LosingTrades)
	}
	return s
}

// annualizedReturn compounds the total return over the observed trading
// days.
func annualizedReturn(start, final float64, days int) float64 {
	if start <= 0 || final <= 0 || days < 2 {
		return 0
	}
	years := float64(days) / tradingDaysPerYear
	return (math.Pow(final/start, 1/years) - 1) * 100
}

// maxDrawdown returns the largest peak-to-trough decline as a fraction of
// the peak.
func maxDrawdown(curve []models.EquityPoint) float64 {
	peak := curve[0].Equity
	worst := 0.0
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			if dd := (peak - pt.Equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func dailyReturns(curve []models.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		out = append(out, curve[i].Equity/prev-1)
	}
	return out
}

// sharpe is the annualized mean daily return over its standard deviation.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}
