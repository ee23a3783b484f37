package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/monitoring"
)

const (
	// fetchWaitPoll is how often a caller polls while another goroutine is
	// fetching the same pair; fetchWaitMax caps the wait.
	fetchWaitPoll = 100 * time.Millisecond
	fetchWaitMax  = 5 * time.Second

	ohlcTimeframe = "1h"
	ohlcLimit     = 100
)

// ErrNoMarketData is returned when every tier fails for a pair.
var ErrNoMarketData = errors.New("no market data available")

// Aggregator resolves market data through three tiers: the in-process cache,
// the shared Redis cache, and a live exchange fetch. Concurrent fetches for
// the same pair collapse into one.
type Aggregator struct {
	adapter  exchange.Adapter
	cache    *cache.CacheService
	ohlc     *OHLCCache
	cfg      config.EngineConfig
	exchCfg  config.ExchangeConfig
	logger   zerolog.Logger

	local    sync.Map // pair -> *MarketData
	fetching sync.Map // pair -> struct{}

	// resolved maps a requested pair to the exchange pair that actually
	// trades, covering the USD to USDT fallback.
	resolvedMu sync.RWMutex
	resolved   map[string]string

	trackedMu sync.RWMutex
	tracked   map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAggregator builds the aggregator.
func NewAggregator(adapter exchange.Adapter, cs *cache.CacheService, cfg config.EngineConfig, exchCfg config.ExchangeConfig, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		adapter:  adapter,
		cache:    cs,
		ohlc:     NewOHLCCache(cfg.OHLCCacheTTL),
		cfg:      cfg,
		exchCfg:  exchCfg,
		logger:   logger.With().Str("component", "marketdata").Logger(),
		resolved: make(map[string]string),
		tracked:  make(map[string]struct{}),
	}
}

// Track registers pairs for the background refresher.
func (a *Aggregator) Track(pairs ...string) {
	a.trackedMu.Lock()
	defer a.trackedMu.Unlock()
	for _, p := range pairs {
		a.tracked[NormalizePair(p)] = struct{}{}
	}
}

// Untrack removes pairs from the refresher.
func (a *Aggregator) Untrack(pairs ...string) {
	a.trackedMu.Lock()
	defer a.trackedMu.Unlock()
	for _, p := range pairs {
		delete(a.tracked, NormalizePair(p))
	}
}

func (a *Aggregator) trackedPairs() []string {
	a.trackedMu.RLock()
	defer a.trackedMu.RUnlock()
	pairs := make([]string, 0, len(a.tracked))
	for p := range a.tracked {
		pairs = append(pairs, p)
	}
	return pairs
}

// GetMarketData resolves a pair through the cache tiers. A stale local entry
// is served only after the fresher tiers fail.
func (a *Aggregator) GetMarketData(ctx context.Context, pair string) (*MarketData, error) {
	pair = NormalizePair(pair)

	if md, ok := a.localFresh(pair); ok {
		return md, nil
	}

	if md := a.fromDistributed(ctx, pair); md != nil {
		a.local.Store(pair, md)
		return md, nil
	}

	md, err := a.fetchCollapsed(ctx, pair)
	if err == nil {
		return md, nil
	}

	// Every tier failed; a stale local snapshot beats nothing.
	if v, ok := a.local.Load(pair); ok {
		stale := v.(*MarketData)
		a.logger.Warn().Str("pair", pair).Dur("age", stale.Age()).Msg("Serving stale market data after fetch failure")
		return stale, nil
	}
	return nil, err
}

// IsCacheStale reports whether the local snapshot for a pair is missing or
// older than the staleness budget. The peak tracker skips stale pairs.
func (a *Aggregator) IsCacheStale(pair string) bool {
	v, ok := a.local.Load(NormalizePair(pair))
	if !ok {
		return true
	}
	return v.(*MarketData).Age() > time.Duration(a.cfg.MarketDataStaleTTLMs)*time.Millisecond
}

// ApplyPriceUpdate folds a streamed tick into the local snapshot. Indicator
// fields keep their last fetched values; only price and timestamps move.
func (a *Aggregator) ApplyPriceUpdate(update PriceUpdate) {
	pair := NormalizePair(update.Pair)
	v, ok := a.local.Load(pair)
	if !ok {
		return
	}
	prev := v.(*MarketData)

	md := *prev
	md.Price = update.Price
	if update.Bid > 0 {
		md.Bid = update.Bid
	}
	if update.Ask > 0 {
		md.Ask = update.Ask
	}
	if update.Volume24h > 0 {
		md.Volume24h = update.Volume24h
	}
	if mid := (md.Bid + md.Ask) / 2; mid > 0 {
		md.SpreadPct = (md.Ask - md.Bid) / mid
	}
	md.FetchedAt = update.Timestamp
	a.local.Store(pair, &md)
}

// GetOHLCV returns candles through the OHLC cache.
func (a *Aggregator) GetOHLCV(ctx context.Context, pair, timeframe string, limit int) ([]exchange.Candle, error) {
	symbol := a.symbolFor(NormalizePair(pair))
	if candles, ok := a.ohlc.Get(symbol, timeframe, limit); ok {
		return candles, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.exchCfg.OHLCTimeout)
	defer cancel()

	candles, err := a.adapter.GetOHLCV(fetchCtx, symbol, timeframe, limit)
	if err != nil {
		monitoring.RecordFetchError("ohlc")
		return nil, err
	}
	a.ohlc.Put(symbol, timeframe, limit, candles)
	return candles, nil
}

// RefreshAll fetches tracked pairs in batches with bounded concurrency.
func (a *Aggregator) RefreshAll(ctx context.Context, pairs []string) {
	batchSize := a.cfg.FetchBatchSize
	for start := 0; start < len(pairs); start += batchSize {
		end := start + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		a.refreshBatch(ctx, pairs[start:end])
		if ctx.Err() != nil {
			return
		}
	}
}

func (a *Aggregator) refreshBatch(ctx context.Context, pairs []string) {
	sem := make(chan struct{}, a.cfg.FetchConcurrency)
	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		sem <- struct{}{}
		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := a.fetchCollapsed(ctx, NormalizePair(p)); err != nil {
				a.logger.Debug().Str("pair", p).Err(err).Msg("Refresh fetch failed")
			}
		}(pair)
	}
	wg.Wait()
}

// Start launches the background refresher.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.RefreshAll(ctx, a.trackedPairs())
				a.ohlc.Purge()
			}
		}
	}()
}

// Stop halts the refresher.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
}

func (a *Aggregator) localFresh(pair string) (*MarketData, bool) {
	v, ok := a.local.Load(pair)
	if !ok {
		return nil, false
	}
	md := v.(*MarketData)
	if md.Age() > a.cfg.MarketDataCacheTTL {
		return nil, false
	}
	return md, true
}

func (a *Aggregator) fromDistributed(ctx context.Context, pair string) *MarketData {
	if a.cache == nil {
		return nil
	}
	var md MarketData
	err := a.cache.GetJSON(ctx, cache.MarketDataKey(pair), &md)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) && !errors.Is(err, cache.ErrCacheUnavailable) {
			monitoring.RecordFetchError("distributed")
		}
		return nil
	}
	if time.Since(md.FetchedAt) > cache.MarketDataTTL {
		return nil
	}
	return &md
}

// fetchCollapsed ensures only one live fetch per pair runs at a time. Losers
// of the race poll the local cache until the winner fills it or the wait cap
// expires.
func (a *Aggregator) fetchCollapsed(ctx context.Context, pair string) (*MarketData, error) {
	if _, loaded := a.fetching.LoadOrStore(pair, struct{}{}); loaded {
		return a.waitForFetch(ctx, pair)
	}
	defer a.fetching.Delete(pair)

	return a.fetchLive(ctx, pair)
}

func (a *Aggregator) waitForFetch(ctx context.Context, pair string) (*MarketData, error) {
	deadline := time.Now().Add(fetchWaitMax)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fetchWaitPoll):
		}
		if md, ok := a.localFresh(pair); ok {
			return md, nil
		}
		if _, stillFetching := a.fetching.Load(pair); !stillFetching {
			break
		}
	}
	if md, ok := a.localFresh(pair); ok {
		return md, nil
	}
	return nil, fmt.Errorf("%w: fetch wait expired for %s", ErrNoMarketData, pair)
}

func (a *Aggregator) fetchLive(ctx context.Context, pair string) (*MarketData, error) {
	start := time.Now()

	ticker, symbol, err := a.fetchTicker(ctx, pair)
	if err != nil {
		monitoring.RecordFetchError("live")
		return nil, fmt.Errorf("%w: %s: %v", ErrNoMarketData, pair, err)
	}

	candles, err := a.GetOHLCV(ctx, pair, ohlcTimeframe, ohlcLimit)
	if err != nil {
		a.logger.Debug().Str("pair", pair).Err(err).Msg("OHLC fetch failed, indicators unavailable")
		candles = nil
	}

	md := &MarketData{
		Pair:       pair,
		Symbol:     symbol,
		Price:      ticker.Last,
		Bid:        ticker.Bid,
		Ask:        ticker.Ask,
		Volume24h:  ticker.Volume24h,
		Indicators: ComputeIndicators(candles),
		FetchedAt:  time.Now().UTC(),
	}
	if mid := (md.Bid + md.Ask) / 2; mid > 0 {
		md.SpreadPct = (md.Ask - md.Bid) / mid
	}

	a.local.Store(pair, md)
	if a.cache != nil {
		if err := a.cache.SetJSON(ctx, cache.MarketDataKey(pair), md, cache.MarketDataTTL); err != nil &&
			!errors.Is(err, cache.ErrCacheUnavailable) {
			a.logger.Debug().Str("pair", pair).Err(err).Msg("Distributed cache write failed")
		}
	}

	monitoring.ObserveFetchDuration(time.Since(start))
	return md, nil
}

// fetchTicker tries the requested pair's symbol, then the USD/USDT sibling
// when the exchange does not list it. Resolutions are remembered.
func (a *Aggregator) fetchTicker(ctx context.Context, pair string) (*exchange.Ticker, string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, a.exchCfg.TickerTimeout)
	defer cancel()

	symbol := a.symbolFor(pair)
	ticker, err := a.adapter.GetTicker(fetchCtx, symbol)
	if err == nil {
		return ticker, symbol, nil
	}
	if !errors.Is(err, exchange.ErrSymbolNotFound) {
		return nil, "", err
	}

	alt := AlternatePair(pair)
	if alt == "" {
		return nil, "", err
	}
	altSymbol := exchange.Symbol(alt)
	ticker, altErr := a.adapter.GetTicker(fetchCtx, altSymbol)
	if altErr != nil {
		return nil, "", err
	}

	a.resolvedMu.Lock()
	a.resolved[pair] = alt
	a.resolvedMu.Unlock()
	a.logger.Info().Str("pair", pair).Str("resolved", alt).Msg("Pair resolved to sibling quote")
	return ticker, altSymbol, nil
}

func (a *Aggregator) symbolFor(pair string) string {
	a.resolvedMu.RLock()
	if alt, ok := a.resolved[pair]; ok {
		pair = alt
	}
	a.resolvedMu.RUnlock()
	return exchange.Symbol(pair)
}
