package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/regime"
)

type fakePeakStore struct {
	mu      sync.Mutex
	upserts [][]database.PositionPeakRow
	deletes []int64
	err     error
}

func (f *fakePeakStore) UpsertPositionPeaks(ctx context.Context, peaks []database.PositionPeakRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, peaks)
	return nil
}

func (f *fakePeakStore) DeletePositionPeak(ctx context.Context, tradeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, tradeID)
	return nil
}

func testExitConfig() config.ExitConfig {
	return config.ExitConfig{
		ErosionMinPeakPct: 0.3,
		TakerFeePct:       0.1,
		ErosionCaps: map[string]float64{
			"strong":        0.50,
			"moderate":      0.40,
			"transitioning": 0.35,
			"weak":          0.30,
			"choppy":        0.25,
		},
	}
}

func newTestTracker(store PeakStore) *Tracker {
	return NewTracker(testExitConfig(), store, zerolog.Nop())
}

// netProfit computes NET profit percent for the erosion walk: gross move
// minus entry and exit fee percentages.
func netProfit(entryPrice, price, feePct float64) float64 {
	gross := (price - entryPrice) / entryPrice * 100
	return gross - feePct
}

func TestPeakAndErosionExitWalk(t *testing.T) {
	tracker := newTestTracker(nil)
	entry := 100000.0
	const feePct = 0.26 // total fee drag: entry fee plus estimated exit taker fee
	entryTime := time.Now().Add(-10 * time.Minute)

	tracker.RecordPeak(1, "BTC/USD", netProfit(entry, 100300, feePct), entryTime, entry, 0.01, 100300, 0.26)

	walk := []float64{100300, 100500, 100800, 100700, 100650, 100580}
	var exited *ErosionResult
	var exitPrice float64
	for _, price := range walk {
		net := netProfit(entry, price, feePct)
		tracker.UpdatePeakIfHigher(1, net, price, 0.26)
		res := tracker.CheckErosionCap(1, "BTC/USD", net, regime.RegimeModerate)
		if res.ShouldExit {
			exited = &res
			exitPrice = price
			break
		}
	}

	require.NotNil(t, exited, "the walk must trigger the erosion cap")
	assert.Equal(t, 100580.0, exitPrice)
	assert.Equal(t, database.ExitErosionCapProtected, exited.Reason)
	assert.InDelta(t, 0.54, exited.PeakProfitPct, 0.001, "peak net profit at 100800")

	// The trade closes green: the surrendered profit exceeded 40% of peak
	// but the remaining net is still positive.
	finalNet := netProfit(entry, exitPrice, feePct)
	assert.InDelta(t, 0.32, finalNet, 0.001)
	assert.Greater(t, exited.ErosionUsedPct, 0.40*exited.PeakProfitPct)
}

func TestPeakIsMonotonic(t *testing.T) {
	tracker := newTestTracker(nil)
	entryTime := time.Now()
	tracker.RecordPeak(1, "BTC/USDT", 0.2, entryTime, 100000, 0.01, 100200, 0)

	tracker.UpdatePeakIfHigher(1, 0.5, 100500, 0)
	s, _ := tracker.Get(1)
	assert.Equal(t, 0.5, s.PeakPricePct)

	// Lower observations never lower the peak.
	tracker.UpdatePeakIfHigher(1, 0.1, 100100, 0)
	s, _ = tracker.Get(1)
	assert.Equal(t, 0.5, s.PeakPricePct)

	tracker.UpdatePeakIfHigher(1, 0.5, 100500, 0)
	s, _ = tracker.Get(1)
	assert.Equal(t, 0.5, s.PeakPricePct)
}

func TestRecordPeakIsOverwriteOnce(t *testing.T) {
	tracker := newTestTracker(nil)
	entryTime := time.Now()
	tracker.RecordPeak(1, "BTC/USDT", 0.6, entryTime, 100000, 0.01, 100600, 0)

	// The fast loop calling RecordPeak again must not reset the peak.
	tracker.RecordPeak(1, "BTC/USDT", 0.1, entryTime, 100000, 0.01, 100100, 0)
	s, _ := tracker.Get(1)
	assert.Equal(t, 0.6, s.PeakPricePct)
}

func TestErosionCapDoesNotArmAtExactMinimum(t *testing.T) {
	tracker := newTestTracker(nil)
	tracker.RecordPeak(1, "BTC/USDT", 0.3, time.Now(), 100000, 0.01, 100300, 0)

	// Peak exactly at the minimum: strict greater-than, so the cap stays
	// unarmed even for a deep give-back.
	res := tracker.CheckErosionCap(1, "BTC/USDT", -0.5, regime.RegimeModerate)
	assert.False(t, res.ShouldExit)
	assert.Equal(t, 0.3, res.PeakProfitPct)

	// Just above the minimum, the cap arms.
	tracker.UpdatePeakIfHigher(1, 0.31, 100310, 0)
	res = tracker.CheckErosionCap(1, "BTC/USDT", -0.5, regime.RegimeModerate)
	assert.True(t, res.ShouldExit)
	assert.Equal(t, database.ExitGreenToRed, res.Reason, "erosion drove the trade red")
}

func TestErosionCapByRegime(t *testing.T) {
	// Peak 1.0%; each regime allows a different give-back fraction.
	tests := []struct {
		regime    string
		net       float64
		wantsExit bool
	}{
		{regime.RegimeStrong, 0.55, false},       // used 0.45 <= 0.50
		{regime.RegimeStrong, 0.45, true},        // used 0.55 > 0.50
		{regime.RegimeModerate, 0.65, false},     // used 0.35 <= 0.40
		{regime.RegimeModerate, 0.55, true},      // used 0.45 > 0.40
		{regime.RegimeTransitioning, 0.60, true}, // used 0.40 > 0.35
		{regime.RegimeWeak, 0.75, false},         // used 0.25 <= 0.30
		{regime.RegimeWeak, 0.65, true},          // used 0.35 > 0.30
		{regime.RegimeChoppy, 0.80, false},       // used 0.20 <= 0.25
		{regime.RegimeChoppy, 0.70, true},        // used 0.30 > 0.25
	}
	for _, tt := range tests {
		tracker := newTestTracker(nil)
		tracker.RecordPeak(1, "BTC/USDT", 1.0, time.Now(), 100000, 0.01, 101000, 0)
		res := tracker.CheckErosionCap(1, "BTC/USDT", tt.net, tt.regime)
		assert.Equal(t, tt.wantsExit, res.ShouldExit, "%s at net %.2f", tt.regime, tt.net)
	}
}

func TestUnderwaterThresholdTable(t *testing.T) {
	tests := []struct {
		age      time.Duration
		regime   string
		expected float64
	}{
		{3 * time.Minute, regime.RegimeStrong, -1.5},
		{3 * time.Minute, regime.RegimeChoppy, -1.0},
		{20 * time.Minute, regime.RegimeModerate, -2.5},
		{20 * time.Minute, regime.RegimeWeak, -0.8},
		{2 * time.Hour, regime.RegimeStrong, -3.5},
		{2 * time.Hour, regime.RegimeChoppy, -0.6},
		{12 * time.Hour, regime.RegimeModerate, -4.5},
		{12 * time.Hour, regime.RegimeChoppy, -0.4},
		{30 * time.Hour, regime.RegimeStrong, -5.5},
		{30 * time.Hour, regime.RegimeChoppy, -0.3},
	}
	for _, tt := range tests {
		got := UnderwaterThreshold(tt.age, tt.regime)
		assert.Equal(t, tt.expected, got, "age=%v regime=%s", tt.age, tt.regime)
	}
}

func TestUnderwaterExitInChoppyRegime(t *testing.T) {
	tracker := newTestTracker(nil)
	entry := 100000.0
	entryTime := time.Now().Add(-9 * time.Minute)
	tracker.RecordPeak(1, "BTC/USD", -0.05, entryTime, entry, 0.01, 99950, 0)

	threshold := UnderwaterThreshold(9*time.Minute, regime.RegimeChoppy)
	require.Equal(t, -0.8, threshold)

	// At -0.6% gross the trade survives.
	res := tracker.CheckUnderwaterExit(1, "BTC/USD", -0.6, entryTime, threshold, 0)
	assert.False(t, res.ShouldExit)

	// At -0.85% it closes, never having been profitable.
	res = tracker.CheckUnderwaterExit(1, "BTC/USD", -0.85, entryTime, threshold, 0)
	assert.True(t, res.ShouldExit)
	assert.Equal(t, database.ExitUnderwaterNeverProfited, res.Reason)
}

func TestUnderwaterReasonReflectsPeakHistory(t *testing.T) {
	entryTime := time.Now().Add(-time.Hour)

	// Peak above the erosion minimum: profitable collapse.
	tracker := newTestTracker(nil)
	tracker.RecordPeak(1, "BTC/USDT", 0.5, entryTime, 100000, 0.01, 100500, 0)
	res := tracker.CheckUnderwaterExit(1, "BTC/USDT", -1.0, entryTime, -0.6, 0)
	require.True(t, res.ShouldExit)
	assert.Equal(t, database.ExitUnderwaterProfitableCollapse, res.Reason)

	// Briefly green but small peak: small-peak timeout.
	tracker = newTestTracker(nil)
	tracker.RecordPeak(2, "BTC/USDT", 0.1, entryTime, 100000, 0.01, 100100, 0)
	res = tracker.CheckUnderwaterExit(2, "BTC/USDT", -1.0, entryTime, -0.6, 0)
	require.True(t, res.ShouldExit)
	assert.Equal(t, database.ExitUnderwaterSmallPeakTimeout, res.Reason)
}

func TestUnderwaterMinimumAgeGate(t *testing.T) {
	tracker := newTestTracker(nil)
	entryTime := time.Now().Add(-2 * time.Minute)
	tracker.RecordPeak(1, "BTC/USDT", -0.1, entryTime, 100000, 0.01, 99900, 0)

	res := tracker.CheckUnderwaterExit(1, "BTC/USDT", -3.0, entryTime, -0.8, 15)
	assert.False(t, res.ShouldExit, "trade younger than the minimum age is not gated out")
}

func TestFutureEntryTimeClampedNotFatal(t *testing.T) {
	tracker := newTestTracker(nil)
	future := time.Now().Add(time.Hour)
	tracker.RecordPeak(1, "BTC/USDT", 0, future, 100000, 0.01, 100000, 0)

	s, ok := tracker.Get(1)
	require.True(t, ok)
	assert.False(t, s.EntryTime.After(time.Now().Add(time.Second)))
}

func TestClearPositionIdempotent(t *testing.T) {
	store := &fakePeakStore{}
	tracker := newTestTracker(store)
	tracker.RecordPeak(1, "BTC/USDT", 0.2, time.Now(), 100000, 0.01, 100200, 0)

	tracker.ClearPosition(context.Background(), 1)
	tracker.ClearPosition(context.Background(), 1)

	assert.Equal(t, 0, tracker.Count())
	assert.Equal(t, []int64{1}, store.deletes, "only the first clear touches the store")
}

func TestFlushPendingUpdates(t *testing.T) {
	store := &fakePeakStore{}
	tracker := newTestTracker(store)
	tracker.RecordPeak(1, "BTC/USDT", 0.2, time.Now(), 100000, 0.01, 100200, 0.26)
	tracker.UpdatePeakIfHigher(1, 0.5, 100500, 0.26)

	require.NoError(t, tracker.FlushPendingUpdates(context.Background()))
	require.Len(t, store.upserts, 1)
	require.Len(t, store.upserts[0], 1)
	assert.Equal(t, 0.5, store.upserts[0][0].PeakPricePct)

	// Nothing dirty: no further writes.
	require.NoError(t, tracker.FlushPendingUpdates(context.Background()))
	assert.Len(t, store.upserts, 1)
}

func TestFlushRetainsDirtyOnFailure(t *testing.T) {
	store := &fakePeakStore{err: context.DeadlineExceeded}
	tracker := newTestTracker(store)
	tracker.RecordPeak(1, "BTC/USDT", 0.2, time.Now(), 100000, 0.01, 100200, 0)

	require.Error(t, tracker.FlushPendingUpdates(context.Background()))

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	require.NoError(t, tracker.FlushPendingUpdates(context.Background()))
	assert.Len(t, store.upserts, 1, "rows stay queued across a failed flush")
}

func TestCloseRequestQueue(t *testing.T) {
	tracker := newTestTracker(nil)
	tracker.RequestClose(CloseRequest{TradeID: 1, Pair: "BTC/USDT", ExitReason: database.ExitErosionCapProtected})

	select {
	case req := <-tracker.CloseRequests():
		assert.Equal(t, int64(1), req.TradeID)
	default:
		t.Fatal("expected a queued close request")
	}
}
