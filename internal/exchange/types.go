// Package exchange defines the adapter boundary to spot exchanges and the
// Binance implementation used in production.
package exchange

import (
	"context"
	"errors"
	"time"
)

// ErrSymbolNotFound is returned when the exchange does not list a symbol.
var ErrSymbolNotFound = errors.New("symbol not found on exchange")

// Ticker is a best bid/ask snapshot with last trade price.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Symbol   string
	Side     string // BUY or SELL
	Quantity float64
}

// OrderResult is the fill summary for a market order.
type OrderResult struct {
	OrderID     string
	Symbol      string
	Side        string
	Quantity    float64
	AvgPrice    float64
	Fee         float64
	ExecutedAt  time.Time
}

// Balance is one asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Adapter is the exchange boundary. All methods honor context cancellation;
// callers wrap them in the per-operation timeouts from configuration.
type Adapter interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetBalances(ctx context.Context) ([]Balance, error)
}
