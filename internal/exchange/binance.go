package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// BinanceAdapter talks to the Binance spot REST API. Symbols are exchange
// native ("BTCUSDT"); the market-data layer translates from canonical pairs.
type BinanceAdapter struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	limiter   *RateLimiter
	logger    zerolog.Logger
}

// NewBinanceAdapter creates the adapter. API credentials may be empty for
// read-only (market data) use.
func NewBinanceAdapter(baseURL, apiKey, apiSecret string, limiter *RateLimiter, logger zerolog.Logger) *BinanceAdapter {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &BinanceAdapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 15 * time.Second},
		limiter:   limiter,
		logger:    logger.With().Str("component", "binance").Logger(),
	}
}

// Name returns the exchange identifier.
func (b *BinanceAdapter) Name() string { return "binance" }

// Symbol converts a canonical pair like "BTC/USDT" to "BTCUSDT".
func Symbol(pair string) string {
	return strings.ReplaceAll(strings.ToUpper(pair), "/", "")
}

// GetTicker fetches the book ticker plus 24h volume for a symbol.
func (b *BinanceAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var book struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := b.get(ctx, "/api/v3/ticker/bookTicker", url.Values{"symbol": {symbol}}, &book); err != nil {
		return nil, err
	}

	var day struct {
		LastPrice string `json:"lastPrice"`
		Volume    string `json:"volume"`
	}
	if err := b.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}}, &day); err != nil {
		return nil, err
	}

	bid, _ := strconv.ParseFloat(book.BidPrice, 64)
	ask, _ := strconv.ParseFloat(book.AskPrice, 64)
	last, _ := strconv.ParseFloat(day.LastPrice, 64)
	volume, _ := strconv.ParseFloat(day.Volume, 64)

	return &Ticker{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Volume24h: volume,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetOHLCV fetches klines. Timeframe uses Binance interval notation ("1h").
func (b *BinanceAdapter) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {timeframe},
		"limit":    {strconv.Itoa(limit)},
	}

	var raw [][]json.RawMessage
	if err := b.get(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		var openTime int64
		var open, high, low, closing, volume string
		if err := json.Unmarshal(k[0], &openTime); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}
		for i, dst := range []*string{&open, &high, &low, &closing, &volume} {
			if err := json.Unmarshal(k[i+1], dst); err != nil {
				return nil, fmt.Errorf("decode kline field %d: %w", i+1, err)
			}
		}
		c := Candle{OpenTime: time.UnixMilli(openTime).UTC()}
		c.Open, _ = strconv.ParseFloat(open, 64)
		c.High, _ = strconv.ParseFloat(high, 64)
		c.Low, _ = strconv.ParseFloat(low, 64)
		c.Close, _ = strconv.ParseFloat(closing, 64)
		c.Volume, _ = strconv.ParseFloat(volume, 64)
		candles = append(candles, c)
	}
	return candles, nil
}

// PlaceOrder submits a signed market order.
func (b *BinanceAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := url.Values{
		"symbol":   {req.Symbol},
		"side":     {strings.ToUpper(req.Side)},
		"type":     {"MARKET"},
		"quantity": {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
	}

	var resp struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
		Fills   []struct {
			Price      string `json:"price"`
			Qty        string `json:"qty"`
			Commission string `json:"commission"`
		} `json:"fills"`
	}
	if err := b.signedPost(ctx, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}

	var totalQty, totalQuote, totalFee float64
	for _, f := range resp.Fills {
		price, _ := strconv.ParseFloat(f.Price, 64)
		qty, _ := strconv.ParseFloat(f.Qty, 64)
		fee, _ := strconv.ParseFloat(f.Commission, 64)
		totalQty += qty
		totalQuote += price * qty
		totalFee += fee
	}
	avgPrice := 0.0
	if totalQty > 0 {
		avgPrice = totalQuote / totalQty
	}

	return &OrderResult{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		Symbol:     req.Symbol,
		Side:       strings.ToUpper(req.Side),
		Quantity:   totalQty,
		AvgPrice:   avgPrice,
		Fee:        totalFee,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// GetBalances fetches signed account balances, dropping zero entries.
func (b *BinanceAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := b.signedGet(ctx, "/api/v3/account", url.Values{}, &resp); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(resp.Balances))
	for _, bal := range resp.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

func (b *BinanceAdapter) get(ctx context.Context, path string, params url.Values, dest any) error {
	return b.do(ctx, http.MethodGet, path, params, false, dest)
}

func (b *BinanceAdapter) signedGet(ctx context.Context, path string, params url.Values, dest any) error {
	return b.do(ctx, http.MethodGet, path, params, true, dest)
}

func (b *BinanceAdapter) signedPost(ctx context.Context, path string, params url.Values, dest any) error {
	return b.do(ctx, http.MethodPost, path, params, true, dest)
}

func (b *BinanceAdapter) do(ctx context.Context, method, path string, params url.Values, signed bool, dest any) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", b.sign(params.Encode()))
	}

	reqURL := b.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		reqURL += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code == -1121 {
			return ErrSymbolNotFound
		}
		return fmt.Errorf("binance %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	return json.Unmarshal(data, dest)
}

func (b *BinanceAdapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
