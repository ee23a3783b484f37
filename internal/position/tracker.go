// Package position tracks peak profit per open trade and evaluates the
// erosion-cap and underwater exit rules.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/monitoring"
	"spot-trading-engine/internal/regime"
)

// State is one trade's peak bookkeeping. PeakPricePct is NET percent and
// never decreases while the trade is open.
type State struct {
	TradeID           int64
	Pair              string
	EntryPrice        float64
	Quantity          float64
	EntryTime         time.Time
	PeakPricePct      float64
	PeakPriceAbsolute float64
	FeesAtPeak        float64
	LastUpdate        time.Time

	everProfitable bool
	dirty          bool
}

// CloseRequest is the tracker's exit decision, drained by the orchestrator
// and handed to the execution fan-out. The tracker never closes trades
// itself.
type CloseRequest struct {
	TradeID       int64
	BotInstanceID int64
	Pair          string
	ExitReason    string
	NetProfitPct  float64
	CurrentPrice  float64
}

// ErosionResult is the erosion-cap evaluation outcome.
type ErosionResult struct {
	ShouldExit     bool
	Reason         string
	PeakProfitPct  float64
	ErosionUsedPct float64
}

// UnderwaterResult is the underwater evaluation outcome.
type UnderwaterResult struct {
	ShouldExit    bool
	Reason        string
	PeakProfitPct float64
}

// PeakStore persists peak state.
type PeakStore interface {
	UpsertPositionPeaks(ctx context.Context, peaks []database.PositionPeakRow) error
	DeletePositionPeak(ctx context.Context, tradeID int64) error
}

// Tracker is the per-process peak tracker singleton.
type Tracker struct {
	cfg    config.ExitConfig
	store  PeakStore
	logger zerolog.Logger

	mu        sync.Mutex
	positions map[int64]*State
	closeCh   chan CloseRequest
}

// NewTracker builds the tracker. store may be nil in tests.
func NewTracker(cfg config.ExitConfig, store PeakStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		store:     store,
		logger:    logger.With().Str("component", "position").Logger(),
		positions: make(map[int64]*State),
		closeCh:   make(chan CloseRequest, 256),
	}
}

// CloseRequests returns the channel of pending exit decisions.
func (t *Tracker) CloseRequests() <-chan CloseRequest {
	return t.closeCh
}

// RequestClose queues an exit decision. Dropping on overflow is safe: the
// next tick re-evaluates the same trade and queues again.
func (t *Tracker) RequestClose(req CloseRequest) {
	select {
	case t.closeCh <- req:
	default:
		t.logger.Warn().Int64("trade_id", req.TradeID).Msg("Close queue full, decision re-evaluated next tick")
	}
}

// RecordPeak initialises the tracker for a trade. Peak data is
// overwrite-once: repeated calls for a known trade are ignored so the fast
// loop cannot reset an established peak.
func (t *Tracker) RecordPeak(tradeID int64, pair string, netProfitPct float64, entryTime time.Time, entryPrice, quantity, currentPrice, entryFees float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.positions[tradeID]; exists {
		return
	}

	now := time.Now().UTC()
	if entryTime.After(now) {
		t.logger.Warn().Int64("trade_id", tradeID).Time("entry_time", entryTime).Msg("Future-dated entry time, clamping age to 0")
		entryTime = now
	}

	t.positions[tradeID] = &State{
		TradeID:           tradeID,
		Pair:              pair,
		EntryPrice:        entryPrice,
		Quantity:          quantity,
		EntryTime:         entryTime,
		PeakPricePct:      netProfitPct,
		PeakPriceAbsolute: currentPrice,
		FeesAtPeak:        entryFees,
		LastUpdate:        now,
		everProfitable:    netProfitPct > 0,
		dirty:             true,
	}
	monitoring.SetOpenPositions(len(t.positions))
}

// UpdatePeakIfHigher monotonically raises the peak. Lower observations only
// touch the last-update timestamp.
func (t *Tracker) UpdatePeakIfHigher(tradeID int64, netProfitPct, currentPrice, fees float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.positions[tradeID]
	if !ok {
		return
	}
	s.LastUpdate = time.Now().UTC()
	if netProfitPct > 0 {
		s.everProfitable = true
	}
	if netProfitPct <= s.PeakPricePct {
		return
	}
	s.PeakPricePct = netProfitPct
	if currentPrice > s.PeakPriceAbsolute {
		s.PeakPriceAbsolute = currentPrice
	}
	s.FeesAtPeak = fees
	s.dirty = true
	monitoring.RecordPeakUpdate()
}

// Tracked reports whether a trade has tracker state.
func (t *Tracker) Tracked(tradeID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.positions[tradeID]
	return ok
}

// Get returns a copy of a trade's state.
func (t *Tracker) Get(tradeID int64) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.positions[tradeID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// CheckErosionCap evaluates the give-back rule. The cap arms only once the
// peak strictly exceeds the minimum; from then on the trade may surrender at
// most cap*peak of net profit before a forced exit.
func (t *Tracker) CheckErosionCap(tradeID int64, pair string, netProfitPct float64, regimeLabel string) ErosionResult {
	t.mu.Lock()
	s, ok := t.positions[tradeID]
	if !ok {
		t.mu.Unlock()
		return ErosionResult{}
	}
	peak := s.PeakPricePct
	t.mu.Unlock()

	if peak <= t.cfg.ErosionMinPeakPct {
		return ErosionResult{PeakProfitPct: peak}
	}

	capFraction, ok := t.cfg.ErosionCaps[regimeLabel]
	if !ok {
		capFraction = t.cfg.ErosionCaps[regime.RegimeChoppy]
	}

	used := peak - netProfitPct
	allowed := capFraction * peak
	res := ErosionResult{PeakProfitPct: peak, ErosionUsedPct: used}
	if used <= allowed {
		return res
	}

	res.ShouldExit = true
	if netProfitPct > 0 {
		res.Reason = database.ExitErosionCapProtected
	} else {
		res.Reason = database.ExitGreenToRed
	}
	return res
}

// CheckUnderwaterExit applies a threshold decided by the caller (the
// orchestrator's age-and-regime table). minMinutes keeps briefly-underwater
// young trades from being gated on age alone.
func (t *Tracker) CheckUnderwaterExit(tradeID int64, pair string, netProfitPct float64, entryTime time.Time, threshold float64, minMinutes int) UnderwaterResult {
	t.mu.Lock()
	s, ok := t.positions[tradeID]
	var peak float64
	var everProfitable bool
	if ok {
		peak = s.PeakPricePct
		everProfitable = s.everProfitable
	}
	t.mu.Unlock()

	res := UnderwaterResult{PeakProfitPct: peak}

	age := time.Since(entryTime)
	if age < 0 {
		t.logger.Warn().Int64("trade_id", tradeID).Time("entry_time", entryTime).Msg("Negative trade age, clamping to 0")
		age = 0
	}
	if age < time.Duration(minMinutes)*time.Minute {
		return res
	}
	if netProfitPct > threshold {
		return res
	}

	res.ShouldExit = true
	switch {
	case peak > t.cfg.ErosionMinPeakPct:
		res.Reason = database.ExitUnderwaterProfitableCollapse
	case everProfitable:
		res.Reason = database.ExitUnderwaterSmallPeakTimeout
	default:
		res.Reason = database.ExitUnderwaterNeverProfited
	}
	return res
}

// UnderwaterThreshold returns the age-and-regime scaled loss threshold, in
// percent. Trending regimes get more room than choppy ones, and all trades
// get less room as they age.
func UnderwaterThreshold(age time.Duration, regimeLabel string) float64 {
	trending := regime.IsTrending(regimeLabel)
	switch {
	case age <= 5*time.Minute:
		return pick(trending, -1.5, -1.0)
	case age <= 30*time.Minute:
		return pick(trending, -2.5, -0.8)
	case age <= 3*time.Hour:
		return pick(trending, -3.5, -0.6)
	case age <= 24*time.Hour:
		return pick(trending, -4.5, -0.4)
	default:
		return pick(trending, -5.5, -0.3)
	}
}

func pick(trending bool, t, c float64) float64 {
	if trending {
		return t
	}
	return c
}

// ClearPosition drops a trade's tracker state. Idempotent; both exit passes
// may clear the same trade after racing on the close.
func (t *Tracker) ClearPosition(ctx context.Context, tradeID int64) {
	t.mu.Lock()
	_, existed := t.positions[tradeID]
	delete(t.positions, tradeID)
	count := len(t.positions)
	t.mu.Unlock()

	monitoring.SetOpenPositions(count)
	if existed && t.store != nil {
		if err := t.store.DeletePositionPeak(ctx, tradeID); err != nil {
			t.logger.Debug().Int64("trade_id", tradeID).Err(err).Msg("Peak row delete failed")
		}
	}
}

// FlushPendingUpdates batch-writes dirty peak state. On failure the rows stay
// dirty and the next flush retries.
func (t *Tracker) FlushPendingUpdates(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	t.mu.Lock()
	var rows []database.PositionPeakRow
	var flushed []*State
	for _, s := range t.positions {
		if !s.dirty {
			continue
		}
		rows = append(rows, database.PositionPeakRow{
			TradeID:           s.TradeID,
			Pair:              s.Pair,
			EntryPrice:        s.EntryPrice,
			Quantity:          s.Quantity,
			PeakPricePct:      s.PeakPricePct,
			PeakPriceAbsolute: s.PeakPriceAbsolute,
			FeesAtPeak:        s.FeesAtPeak,
			UpdatedAt:         s.LastUpdate,
		})
		flushed = append(flushed, s)
	}
	t.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := t.store.UpsertPositionPeaks(ctx, rows); err != nil {
		return err
	}

	t.mu.Lock()
	for _, s := range flushed {
		s.dirty = false
	}
	t.mu.Unlock()
	return nil
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}
