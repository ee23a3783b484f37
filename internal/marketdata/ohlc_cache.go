package marketdata

import (
	"fmt"
	"sync"
	"time"

	"spot-trading-engine/internal/exchange"
)

// OHLCCache is an in-process candle cache keyed by (symbol, timeframe,
// limit). The regime detector and the aggregator both pull 1h candles; the
// cache keeps them from doubling the exchange load.
type OHLCCache struct {
	ttl     time.Duration
	entries sync.Map // key -> ohlcEntry
}

type ohlcEntry struct {
	candles   []exchange.Candle
	fetchedAt time.Time
}

// NewOHLCCache creates a candle cache with the given TTL.
func NewOHLCCache(ttl time.Duration) *OHLCCache {
	return &OHLCCache{ttl: ttl}
}

func ohlcKey(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("%s:%s:%d", symbol, timeframe, limit)
}

// Get returns cached candles when present and fresh.
func (c *OHLCCache) Get(symbol, timeframe string, limit int) ([]exchange.Candle, bool) {
	v, ok := c.entries.Load(ohlcKey(symbol, timeframe, limit))
	if !ok {
		return nil, false
	}
	entry := v.(ohlcEntry)
	if time.Since(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.candles, true
}

// Put stores candles.
func (c *OHLCCache) Put(symbol, timeframe string, limit int, candles []exchange.Candle) {
	c.entries.Store(ohlcKey(symbol, timeframe, limit), ohlcEntry{
		candles:   candles,
		fetchedAt: time.Now(),
	})
}

// Purge drops entries older than twice the TTL. Called from the refresh loop
// so long-gone pairs do not accumulate.
func (c *OHLCCache) Purge() {
	cutoff := time.Now().Add(-2 * c.ttl)
	c.entries.Range(func(key, value any) bool {
		if value.(ohlcEntry).fetchedAt.Before(cutoff) {
			c.entries.Delete(key)
		}
		return true
	})
}
