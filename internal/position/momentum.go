package position

import (
	"sync"
	"time"

	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/marketdata"
)

// Momentum-failure vote labels, recorded in logs and audit details.
const (
	VoteMomentumNegative = "momentum_1h_negative"
	VoteTrendExhaustion  = "adx_slope_exhaustion"
	VoteRSIBreakdown     = "rsi_breakdown"
	VoteVolumeFade       = "volume_fade"
)

const (
	momentumVotesToExit = 2
	earlyExitAge        = 5 * time.Minute

	exhaustionSlope  = -1.0
	exhaustionMinADX = 25.0
	rsiHighWater     = 60.0
	rsiBreakdown     = 50.0
	fadeVolumeRatio  = 0.7
)

// MomentumVerdict is one evaluation outcome.
type MomentumVerdict struct {
	ShouldExit bool
	Reason     string
	Votes      []string
}

// MomentumDetector counts independent bearish signals over an open position
// and votes for an exit at two or more. RSI breakdown needs the per-trade
// high-water mark, so the detector keeps a little state between passes.
type MomentumDetector struct {
	mu      sync.Mutex
	rsiHigh map[int64]float64
}

// NewMomentumDetector builds the detector.
func NewMomentumDetector() *MomentumDetector {
	return &MomentumDetector{rsiHigh: make(map[int64]float64)}
}

// Evaluate counts the bearish votes for one open trade.
func (d *MomentumDetector) Evaluate(tradeID int64, entryTime time.Time, ind marketdata.Indicators) MomentumVerdict {
	d.mu.Lock()
	if ind.RSI > d.rsiHigh[tradeID] {
		d.rsiHigh[tradeID] = ind.RSI
	}
	rsiHigh := d.rsiHigh[tradeID]
	d.mu.Unlock()

	var votes []string
	if ind.Momentum1h < 0 {
		votes = append(votes, VoteMomentumNegative)
	}
	if ind.ADXSlope < exhaustionSlope && ind.ADX > exhaustionMinADX {
		votes = append(votes, VoteTrendExhaustion)
	}
	if rsiHigh > rsiHighWater && ind.RSI < rsiBreakdown {
		votes = append(votes, VoteRSIBreakdown)
	}
	if ind.VolumeRatio > 0 && ind.VolumeRatio < fadeVolumeRatio && ind.IntrabarMomentum < 0 {
		votes = append(votes, VoteVolumeFade)
	}

	verdict := MomentumVerdict{Votes: votes}
	if len(votes) < momentumVotesToExit {
		return verdict
	}

	verdict.ShouldExit = true
	age := time.Since(entryTime)
	if age < 0 {
		age = 0
	}
	if age < earlyExitAge {
		verdict.Reason = database.ExitMomentumFailureEarly
	} else {
		verdict.Reason = database.ExitMomentumFailureLate
	}
	return verdict
}

// Forget drops a closed trade's state.
func (d *MomentumDetector) Forget(tradeID int64) {
	d.mu.Lock()
	delete(d.rsiHigh, tradeID)
	d.mu.Unlock()
}
