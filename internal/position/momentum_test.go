package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/marketdata"
)

func TestSingleVoteDoesNotExit(t *testing.T) {
	d := NewMomentumDetector()
	verdict := d.Evaluate(1, time.Now().Add(-time.Hour), marketdata.Indicators{
		Momentum1h:  -0.3,
		ADX:         30,
		ADXSlope:    0.2,
		RSI:         55,
		VolumeRatio: 1.1,
	})
	assert.False(t, verdict.ShouldExit)
	assert.Equal(t, []string{VoteMomentumNegative}, verdict.Votes)
}

func TestTwoVotesExitLate(t *testing.T) {
	d := NewMomentumDetector()
	verdict := d.Evaluate(1, time.Now().Add(-time.Hour), marketdata.Indicators{
		Momentum1h:       -0.3,
		ADX:              30,
		ADXSlope:         -1.5, // trend exhaustion
		RSI:              55,
		VolumeRatio:      1.1,
		IntrabarMomentum: 0.1,
	})
	assert.True(t, verdict.ShouldExit)
	assert.Equal(t, database.ExitMomentumFailureLate, verdict.Reason)
	assert.Len(t, verdict.Votes, 2)
}

func TestEarlyExitTag(t *testing.T) {
	d := NewMomentumDetector()
	verdict := d.Evaluate(1, time.Now().Add(-2*time.Minute), marketdata.Indicators{
		Momentum1h:       -0.3,
		VolumeRatio:      0.5,
		IntrabarMomentum: -0.2,
	})
	assert.True(t, verdict.ShouldExit)
	assert.Equal(t, database.ExitMomentumFailureEarly, verdict.Reason)
}

func TestRSIBreakdownNeedsHighWaterMark(t *testing.T) {
	d := NewMomentumDetector()
	entry := time.Now().Add(-time.Hour)

	// RSI at 48 without ever exceeding 60: no breakdown vote.
	verdict := d.Evaluate(1, entry, marketdata.Indicators{RSI: 48, VolumeRatio: 1.0})
	assert.NotContains(t, verdict.Votes, VoteRSIBreakdown)

	// RSI runs to 65, then collapses below 50: breakdown vote fires.
	d.Evaluate(1, entry, marketdata.Indicators{RSI: 65, VolumeRatio: 1.0})
	verdict = d.Evaluate(1, entry, marketdata.Indicators{RSI: 48, VolumeRatio: 1.0})
	assert.Contains(t, verdict.Votes, VoteRSIBreakdown)
}

func TestExhaustionRequiresHighADX(t *testing.T) {
	d := NewMomentumDetector()
	// Steep falling slope but ADX below 25: slope alone is not exhaustion.
	verdict := d.Evaluate(1, time.Now().Add(-time.Hour), marketdata.Indicators{
		ADX:      20,
		ADXSlope: -2.0,
	})
	assert.NotContains(t, verdict.Votes, VoteTrendExhaustion)
}

func TestVolumeFadeNeedsNegativeIntrabar(t *testing.T) {
	d := NewMomentumDetector()
	verdict := d.Evaluate(1, time.Now().Add(-time.Hour), marketdata.Indicators{
		VolumeRatio:      0.5,
		IntrabarMomentum: 0.1,
	})
	assert.NotContains(t, verdict.Votes, VoteVolumeFade)
}

func TestForgetDropsRSIHistory(t *testing.T) {
	d := NewMomentumDetector()
	entry := time.Now().Add(-time.Hour)
	d.Evaluate(1, entry, marketdata.Indicators{RSI: 70, VolumeRatio: 1.0})
	d.Forget(1)

	verdict := d.Evaluate(1, entry, marketdata.Indicators{RSI: 45, VolumeRatio: 1.0})
	assert.NotContains(t, verdict.Votes, VoteRSIBreakdown)
}
