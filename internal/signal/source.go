// Package signal defines the boundary to the external signal generator. The
// engine never computes signals itself; it validates and sizes what the
// source returns.
package signal

import (
	"context"
	"time"

	"spot-trading-engine/internal/marketdata"
)

// Signal directions returned by the source.
const (
	SignalBuy  = "buy"
	SignalSell = "sell"
	SignalHold = "hold"
)

// AnalysisRequest asks the source for a trade signal on one pair.
type AnalysisRequest struct {
	Pair          string
	Timeframe     string
	CurrentPrice  float64
	Indicators    marketdata.Indicators
	IncludeSignal bool
	IncludeRegime bool
}

// RegimeAnalysis is the source's own regime view, informational only; the
// engine's regime detector remains authoritative.
type RegimeAnalysis struct {
	Regime     string    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Analysis   string    `json:"analysis"`
	Timestamp  time.Time `json:"timestamp"`
}

// AnalysisResult is the source's answer.
type AnalysisResult struct {
	Signal     string          `json:"signal"` // buy, sell, hold
	Confidence float64         `json:"confidence"`
	Strength   float64         `json:"strength"`
	EntryPrice float64         `json:"entry_price"`
	StopLoss   float64         `json:"stop_loss"`
	TakeProfit float64         `json:"take_profit"`
	Regime     *RegimeAnalysis `json:"regime,omitempty"`
}

// Source is the signal generator contract.
type Source interface {
	AnalyzeMarket(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error)
}
