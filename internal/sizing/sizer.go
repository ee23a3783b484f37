// Package sizing computes per-bot order quantities with a Kelly-calibrated
// risk fraction.
package sizing

import (
	"math"

	"spot-trading-engine/internal/database"
)

const (
	// defaultRiskFraction applies until enough history exists to calibrate.
	defaultRiskFraction = 0.02
	// kellyDampening applies fractional Kelly; full Kelly over-bets on noisy
	// trade samples.
	kellyDampening  = 0.5
	minRiskFraction = 0.005
	maxRiskFraction = 0.05
	// minSampleSize is the trade count below which calibration keeps the
	// default fraction.
	minSampleSize = 10
)

// Sizer converts balance, confidence and stop distance into a quantity.
// One sizer is built per bot per fan-out, calibrated with that bot's recent
// closed trades.
type Sizer struct {
	balance      float64
	riskFraction float64
}

// NewSizer builds a sizer over an effective balance.
func NewSizer(balance float64) *Sizer {
	return &Sizer{balance: balance, riskFraction: defaultRiskFraction}
}

// Calibrate derives the Kelly fraction from recent closed trades. Fewer than
// minSampleSize trades, or a history without both wins and losses, keeps the
// default.
func (s *Sizer) Calibrate(trades []*database.Trade) {
	if len(trades) < minSampleSize {
		return
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, trade := range trades {
		if trade.ProfitLossPercent == nil {
			continue
		}
		pnl := *trade.ProfitLossPercent
		if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
			continue
		}
		if pnl > 0 {
			wins++
			winSum += pnl
		} else if pnl < 0 {
			losses++
			lossSum += -pnl
		}
	}
	if wins == 0 || losses == 0 {
		return
	}

	winRate := float64(wins) / float64(wins+losses)
	avgWin := winSum / float64(wins)
	avgLoss := lossSum / float64(losses)
	if avgLoss <= 0 {
		return
	}

	payoff := avgWin / avgLoss
	kelly := winRate - (1-winRate)/payoff
	kelly *= kellyDampening

	s.riskFraction = clamp(kelly, minRiskFraction, maxRiskFraction)
}

// RiskFraction returns the calibrated per-trade risk fraction.
func (s *Sizer) RiskFraction() float64 {
	return s.riskFraction
}

// Quantity sizes an order. The risk budget is balance * riskFraction scaled
// by signal confidence; the stop distance converts budget into quantity.
// Returns 0 when inputs cannot produce a meaningful size.
func (s *Sizer) Quantity(confidence, price, stopLossPct float64) float64 {
	if s.balance <= 0 || price <= 0 || stopLossPct <= 0 {
		return 0
	}

	scale := confidence / 100
	if scale < 0 {
		return 0
	}
	if scale > 1 {
		scale = 1
	}

	riskBudget := s.balance * s.riskFraction * scale
	quantity := riskBudget / (price * stopLossPct)

	// A stop far away can still imply a notional beyond the balance; cap at
	// the full balance.
	if quantity*price > s.balance {
		quantity = s.balance / price
	}
	if !isFinite(quantity) || quantity <= 0 {
		return 0
	}
	return quantity
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
