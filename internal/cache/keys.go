package cache

import (
	"fmt"
	"time"
)

// Key formats shared by the engine's instances
const (
	prefixMarketData  = "market_data:%s"
	prefixLatestPrice = "price:dist:%s:latest"
	keyStreamLeader   = "price_stream:leader"
)

// Default TTLs
const (
	MarketDataTTL  = 15 * time.Second
	LatestPriceTTL = 300 * time.Second
)

// MarketDataKey builds the distributed market-data key for a pair.
func MarketDataKey(pair string) string {
	return fmt.Sprintf(prefixMarketData, pair)
}

// LatestPriceKey builds the latest-price distribution key for a pair.
func LatestPriceKey(pair string) string {
	return fmt.Sprintf(prefixLatestPrice, pair)
}

// StreamLeaderKey returns the stream-leader lease key.
func StreamLeaderKey() string {
	return keyStreamLeader
}
