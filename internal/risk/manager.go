// Package risk implements the pre-trade entry filter and the pyramid gate.
package risk

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/marketdata"
)

// Filter stages, used in rejection audit rows and metrics labels.
const (
	StagePreFilter      = "pre_filter"
	StageHealthGate     = "health_gate"
	StageDropProtection = "drop_protection"
	StageEntryQuality   = "entry_quality"
	StageAIValidation   = "ai_validation"
)

// EntryCheck is one pair's filter input.
type EntryCheck struct {
	Pair       string
	Price      float64
	Bid        float64
	Ask        float64
	Indicators marketdata.Indicators
}

// Result is the filter outcome. Stage and Reason are set on rejection.
// IsTransitioning marks the early-trend zone; it overrides the regime label
// for sizing and erosion caps but is never persisted.
type Result struct {
	Allowed         bool
	Stage           string
	Reason          string
	IsTransitioning bool
}

func reject(stage, reason string) Result {
	return Result{Stage: stage, Reason: reason}
}

// Manager evaluates the entry filter. It also tracks the BTC momentum
// override feeding the drop-protection stage.
type Manager struct {
	cfg    config.RiskConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	btcMomentum float64
	btcKnown    bool
}

// NewManager builds the risk manager.
func NewManager(cfg config.RiskConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// UpdateBTCMomentum records the market-wide BTC 1h momentum, in percent.
func (m *Manager) UpdateBTCMomentum(momentumPct float64) {
	m.mu.Lock()
	m.btcMomentum = momentumPct
	m.btcKnown = true
	m.mu.Unlock()
}

// BTCMomentum returns the last recorded BTC momentum and whether one exists.
func (m *Manager) BTCMomentum() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.btcMomentum, m.btcKnown
}

// EvaluateEntry runs stages 1 through 4. Stage 5, the AI confidence gate, is
// applied by the orchestrator after consulting the signal source, through
// ValidateSignalConfidence.
func (m *Manager) EvaluateEntry(check EntryCheck) Result {
	ind := check.Indicators

	// Stage 1: pre-filter.
	spread := spreadPct(check.Bid, check.Ask)
	if spread > m.cfg.MaxEntrySpreadPct {
		return reject(StagePreFilter, fmt.Sprintf("spread %.4f%% above %.4f%%", spread*100, m.cfg.MaxEntrySpreadPct*100))
	}
	if ind.ADX < m.cfg.MinADX && ind.IntrabarMomentum < m.cfg.EntryMinIntrabarMomentumChoppy {
		return reject(StagePreFilter, fmt.Sprintf("choppy with flat intrabar momentum %.3f%%", ind.IntrabarMomentum))
	}

	// Stage 2: health gate. ADX inside the transitioning band needs a rising
	// slope to pass; ADX exactly at the minimum is only saved by the slope.
	transitioning := false
	switch {
	case ind.ADX < m.cfg.MinADX:
		return reject(StageHealthGate, fmt.Sprintf("adx %.1f below minimum %.0f", ind.ADX, m.cfg.MinADX))
	case ind.ADX < m.cfg.TransitioningADXCeiling:
		if ind.ADXSlope < m.cfg.RisingSlopeThreshold {
			return reject(StageHealthGate, fmt.Sprintf("adx %.1f in transition band without rising slope (%.2f)", ind.ADX, ind.ADXSlope))
		}
		transitioning = true
	}

	// Stage 3: drop protection.
	if btc, ok := m.BTCMomentum(); ok && btc < m.cfg.BTCDropFloor {
		return reject(StageDropProtection, fmt.Sprintf("btc momentum %.2f%% below floor %.2f%%", btc, m.cfg.BTCDropFloor))
	}
	if ind.VolumeRatio > m.cfg.PanicVolumeRatio {
		return reject(StageDropProtection, fmt.Sprintf("panic volume ratio %.2f", ind.VolumeRatio))
	}

	// Stage 4: entry quality.
	if ind.RSI >= m.cfg.RSIExtremeTop {
		return reject(StageEntryQuality, fmt.Sprintf("rsi %.1f at extreme top", ind.RSI))
	}
	if ind.Momentum1h <= 0 && ind.ADXSlope <= 0 {
		return reject(StageEntryQuality, fmt.Sprintf("negative momentum %.2f%% with no adx recovery", ind.Momentum1h))
	}

	return Result{Allowed: true, IsTransitioning: transitioning}
}

// IsTransitioning reports whether the indicators sit in the early-trend zone:
// ADX between the minimum and the transitioning ceiling with a rising slope.
// Exit rules use it to apply transitioning caps and targets, since the regime
// detector itself never labels a pair transitioning.
func (m *Manager) IsTransitioning(ind marketdata.Indicators) bool {
	return ind.ADX >= m.cfg.MinADX &&
		ind.ADX < m.cfg.TransitioningADXCeiling &&
		ind.ADXSlope >= m.cfg.RisingSlopeThreshold
}

// ValidateSignalConfidence is stage 5. The threshold is global; the upstream
// signal source bakes regime into its confidence.
func (m *Manager) ValidateSignalConfidence(confidence float64) (bool, string) {
	if confidence < m.cfg.AIConfidenceThreshold {
		return false, fmt.Sprintf("confidence %.0f below threshold %.0f", confidence, m.cfg.AIConfidenceThreshold)
	}
	return true, ""
}

// CanAddPyramidLevel gates pyramid additions by level-specific confidence.
func (m *Manager) CanAddPyramidLevel(level int, aiConfidence float64) (bool, string) {
	switch level {
	case 1:
		if aiConfidence < m.cfg.PyramidL1MinConfidence {
			return false, fmt.Sprintf("level 1 needs confidence >= %.0f, got %.0f", m.cfg.PyramidL1MinConfidence, aiConfidence)
		}
	case 2:
		if aiConfidence < m.cfg.PyramidL2MinConfidence {
			return false, fmt.Sprintf("level 2 needs confidence >= %.0f, got %.0f", m.cfg.PyramidL2MinConfidence, aiConfidence)
		}
	default:
		return false, fmt.Sprintf("pyramid level %d not supported", level)
	}
	return true, ""
}

func spreadPct(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (ask - bid) / bid
}
