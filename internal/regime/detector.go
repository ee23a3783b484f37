// Package regime classifies each pair's trend quality from hourly candles.
package regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/marketdata"
)

// Regime labels ordered by trend strength. Transitioning is a runtime
// override set by the risk manager; the detector never returns or stores it.
const (
	RegimeChoppy        = "choppy"
	RegimeWeak          = "weak"
	RegimeTransitioning = "transitioning"
	RegimeModerate      = "moderate"
	RegimeStrong        = "strong"
)

// ADX classification thresholds.
const (
	adxStrong   = 40.0
	adxModerate = 25.0
	adxWeak     = 20.0

	candleLimit     = 100
	candleTimeframe = "1h"
	minCandles      = 26
)

// Classification is the detector's output for one pair.
type Classification struct {
	Pair       string    `json:"pair"`
	Regime     string    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	ADX        float64   `json:"adx"`
	ADXSlope   float64   `json:"adx_slope"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsTrending reports whether the regime counts as trending for the
// underwater threshold table.
func IsTrending(regime string) bool {
	return regime == RegimeModerate || regime == RegimeStrong
}

// CandleSource supplies hourly candles, cache-fronted.
type CandleSource interface {
	GetOHLCV(ctx context.Context, pair, timeframe string, limit int) ([]exchange.Candle, error)
}

// RegimeStore persists classification rows.
type RegimeStore interface {
	SaveMarketRegime(ctx context.Context, row *database.MarketRegimeRow) error
}

// Detector classifies pairs with a short-lived per-pair cache so repeated
// orchestrator passes inside one window reuse the same answer.
type Detector struct {
	candles  CandleSource
	store    RegimeStore
	cacheTTL time.Duration
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Classification
}

// NewDetector builds a detector. store may be nil in tests.
func NewDetector(candles CandleSource, store RegimeStore, cacheTTL time.Duration, logger zerolog.Logger) *Detector {
	return &Detector{
		candles:  candles,
		store:    store,
		cacheTTL: cacheTTL,
		logger:   logger.With().Str("component", "regime").Logger(),
		cache:    make(map[string]Classification),
	}
}

// Detect classifies one pair, serving from cache when fresh.
func (d *Detector) Detect(ctx context.Context, pair string) (Classification, error) {
	pair = marketdata.NormalizePair(pair)

	d.mu.RLock()
	cached, ok := d.cache[pair]
	d.mu.RUnlock()
	if ok && time.Since(cached.Timestamp) < d.cacheTTL {
		return cached, nil
	}

	candles, err := d.candles.GetOHLCV(ctx, pair, candleTimeframe, candleLimit)
	if err != nil {
		if ok {
			return cached, nil // stale classification beats none
		}
		return Classification{}, fmt.Errorf("regime candles for %s: %w", pair, err)
	}
	if len(candles) < minCandles {
		d.logger.Warn().Str("pair", pair).Int("candles", len(candles)).Msg("Too few candles for regime, defaulting to choppy")
		return d.finish(ctx, Classification{
			Pair:       pair,
			Regime:     RegimeChoppy,
			Confidence: 0.1,
			Reason:     fmt.Sprintf("insufficient data: %d candles", len(candles)),
			Timestamp:  time.Now().UTC(),
		}), nil
	}

	ind := marketdata.ComputeIndicators(candles)
	c := classify(ind)
	c.Pair = pair
	c.Timestamp = time.Now().UTC()
	return d.finish(ctx, c), nil
}

func classify(ind marketdata.Indicators) Classification {
	c := Classification{ADX: ind.ADX, ADXSlope: ind.ADXSlope}
	switch {
	case ind.ADX >= adxStrong:
		c.Regime = RegimeStrong
		c.Confidence = clamp(0.7+(ind.ADX-adxStrong)/100, 0, 1)
	case ind.ADX >= adxModerate:
		c.Regime = RegimeModerate
		c.Confidence = clamp(0.5+(ind.ADX-adxModerate)/60, 0, 1)
	case ind.ADX >= adxWeak:
		c.Regime = RegimeWeak
		c.Confidence = clamp(0.4+(ind.ADX-adxWeak)/50, 0, 1)
	default:
		c.Regime = RegimeChoppy
		c.Confidence = clamp(0.6-(ind.ADX/adxWeak)*0.3, 0, 1)
	}
	c.Reason = fmt.Sprintf("adx=%.1f slope=%.2f", ind.ADX, ind.ADXSlope)
	return c
}

func (d *Detector) finish(ctx context.Context, c Classification) Classification {
	d.mu.Lock()
	d.cache[c.Pair] = c
	d.mu.Unlock()

	if d.store != nil {
		row := &database.MarketRegimeRow{
			Pair:       c.Pair,
			Timestamp:  c.Timestamp,
			Regime:     c.Regime,
			Confidence: c.Confidence,
			Reason:     c.Reason,
		}
		if err := d.store.SaveMarketRegime(ctx, row); err != nil {
			d.logger.Warn().Str("pair", c.Pair).Err(err).Msg("Regime persist failed")
		}
	}
	return c
}

// DetectForAllPairs classifies pairs concurrently and returns per-pair
// results. Pairs that fail classification are absent from the map.
func (d *Detector) DetectForAllPairs(ctx context.Context, pairs []string) map[string]Classification {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]Classification, len(pairs))

	for _, pair := range pairs {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			c, err := d.Detect(ctx, p)
			if err != nil {
				d.logger.Debug().Str("pair", p).Err(err).Msg("Regime detection failed")
				return
			}
			mu.Lock()
			results[marketdata.NormalizePair(p)] = c
			mu.Unlock()
		}(pair)
	}
	wg.Wait()
	return results
}

// Cached returns the cached classification for a pair when present,
// regardless of freshness.
func (d *Detector) Cached(pair string) (Classification, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cache[marketdata.NormalizePair(pair)]
	return c, ok
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
