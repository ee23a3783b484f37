// Package marketdata aggregates exchange market data behind a three-tier
// cache (in-process, Redis, live fetch) and computes the indicator snapshot
// the decision layers consume.
package marketdata

import (
	"strings"
	"time"
)

// Indicators is the computed snapshot attached to each MarketData.
type Indicators struct {
	ADX              float64 `json:"adx"`
	ADXSlope         float64 `json:"adx_slope"`
	RSI              float64 `json:"rsi"`
	Momentum1h       float64 `json:"momentum_1h"`  // percent
	Momentum4h       float64 `json:"momentum_4h"`  // percent
	VolumeRatio      float64 `json:"volume_ratio"` // last bar vs 20-bar average
	IntrabarMomentum float64 `json:"intrabar_momentum"` // percent, current bar open to last
}

// MarketData is one pair's aggregate snapshot.
type MarketData struct {
	Pair       string     `json:"pair"`   // canonical, e.g. BTC/USDT
	Symbol     string     `json:"symbol"` // exchange native, e.g. BTCUSDT
	Price      float64    `json:"price"`
	Bid        float64    `json:"bid"`
	Ask        float64    `json:"ask"`
	SpreadPct  float64    `json:"spread_pct"` // fraction, (ask-bid)/mid
	Volume24h  float64    `json:"volume_24h"`
	Indicators Indicators `json:"indicators"`
	FetchedAt  time.Time  `json:"fetched_at"`
}

// Age returns how old the snapshot is.
func (m *MarketData) Age() time.Duration {
	return time.Since(m.FetchedAt)
}

// PriceUpdate is one streamed or fetched tick, distributed on the bus.
type PriceUpdate struct {
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizePair canonicalises a pair string: uppercase, slash separated.
// "btc-usdt" and "BTC_USDT" both become "BTC/USDT".
func NormalizePair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	pair = strings.NewReplacer("-", "/", "_", "/").Replace(pair)
	return pair
}

// AlternatePair returns the USD/USDT sibling of a pair, or "" when there is
// none. Exchanges quote stables as USDT while users configure USD; the
// resolver tries the requested quote first, then the sibling.
func AlternatePair(pair string) string {
	switch {
	case strings.HasSuffix(pair, "/USD"):
		return strings.TrimSuffix(pair, "/USD") + "/USDT"
	case strings.HasSuffix(pair, "/USDT"):
		return strings.TrimSuffix(pair, "/USDT") + "/USD"
	}
	return ""
}

// BaseAsset returns the base of a canonical pair ("BTC" for "BTC/USDT").
func BaseAsset(pair string) string {
	if i := strings.IndexByte(pair, '/'); i > 0 {
		return pair[:i]
	}
	return pair
}

// QuoteAsset returns the quote of a canonical pair.
func QuoteAsset(pair string) string {
	if i := strings.IndexByte(pair, '/'); i >= 0 && i+1 < len(pair) {
		return pair[i+1:]
	}
	return "USDT"
}
