package signal

import (
	"context"
)

// Default stop and target distances for the technical source, as fractions
// of the entry price.
const (
	technicalStopPct   = 0.05
	technicalTargetPct = 0.10
)

// TechnicalSource is the built-in rule-based fallback used when no external
// analysis service is configured. It scores trend quality from the supplied
// indicators; confidence maps the same 0-100 scale the external service
// uses, so the downstream gates apply unchanged.
type TechnicalSource struct{}

// NewTechnicalSource builds the fallback source.
func NewTechnicalSource() *TechnicalSource {
	return &TechnicalSource{}
}

// AnalyzeMarket scores the pair from indicators alone.
func (s *TechnicalSource) AnalyzeMarket(_ context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	ind := req.Indicators

	result := &AnalysisResult{
		Signal:     SignalHold,
		EntryPrice: req.CurrentPrice,
		StopLoss:   req.CurrentPrice * (1 - technicalStopPct),
		TakeProfit: req.CurrentPrice * (1 + technicalTargetPct),
	}

	if ind.Momentum1h <= 0 || ind.ADX < 20 {
		result.Confidence = 30
		return result, nil
	}

	// Start neutral and add for each supporting condition. The ceiling keeps
	// the fallback from outscoring a real analysis service.
	confidence := 50.0
	if ind.ADX >= 25 {
		confidence += 15
	}
	if ind.ADXSlope > 0 {
		confidence += 10
	}
	if ind.Momentum4h > 0 {
		confidence += 10
	}
	if ind.RSI > 45 && ind.RSI < 70 {
		confidence += 10
	}
	if ind.VolumeRatio > 1.0 && ind.VolumeRatio < 2.5 {
		confidence += 5
	}
	if confidence > 95 {
		confidence = 95
	}

	result.Confidence = confidence
	result.Strength = ind.ADX
	if confidence >= 70 {
		result.Signal = SignalBuy
	}
	return result, nil
}
