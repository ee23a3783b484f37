package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaperAdapter simulates order execution against live market data. Market
// data calls pass through to the real adapter; orders fill instantly at the
// current ticker price with the configured taker fee.
type PaperAdapter struct {
	real       Adapter
	takerFee   float64 // percent, e.g. 0.1
	mu         sync.Mutex
	balances   map[string]float64
	orderSeq   atomic.Int64
}

// NewPaperAdapter wraps a real adapter for simulated trading. The starting
// balance is quoted in the stable asset.
func NewPaperAdapter(real Adapter, startingBalance float64, takerFeePct float64) *PaperAdapter {
	return &PaperAdapter{
		real:     real,
		takerFee: takerFeePct,
		balances: map[string]float64{"USDT": startingBalance},
	}
}

// Name returns the simulated exchange identifier.
func (p *PaperAdapter) Name() string { return p.real.Name() + "-paper" }

// GetTicker passes through to the real exchange.
func (p *PaperAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return p.real.GetTicker(ctx, symbol)
}

// GetOHLCV passes through to the real exchange.
func (p *PaperAdapter) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return p.real.GetOHLCV(ctx, symbol, timeframe, limit)
}

// PlaceOrder simulates an instant fill at the live ticker price.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	ticker, err := p.real.GetTicker(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("paper fill price lookup: %w", err)
	}

	// Fill buys at the ask, sells at the bid.
	price := ticker.Ask
	if strings.EqualFold(req.Side, "SELL") {
		price = ticker.Bid
	}
	if price <= 0 {
		price = ticker.Last
	}

	base, quote := splitSymbol(req.Symbol)
	notional := price * req.Quantity
	fee := notional * p.takerFee / 100

	p.mu.Lock()
	if strings.EqualFold(req.Side, "BUY") {
		if p.balances[quote] < notional+fee {
			p.mu.Unlock()
			return nil, fmt.Errorf("paper balance insufficient: need %.2f %s, have %.2f", notional+fee, quote, p.balances[quote])
		}
		p.balances[quote] -= notional + fee
		p.balances[base] += req.Quantity
	} else {
		if p.balances[base] < req.Quantity {
			p.mu.Unlock()
			return nil, fmt.Errorf("paper balance insufficient: need %.8f %s, have %.8f", req.Quantity, base, p.balances[base])
		}
		p.balances[base] -= req.Quantity
		p.balances[quote] += notional - fee
	}
	p.mu.Unlock()

	return &OrderResult{
		OrderID:    fmt.Sprintf("paper-%d", p.orderSeq.Add(1)),
		Symbol:     req.Symbol,
		Side:       strings.ToUpper(req.Side),
		Quantity:   req.Quantity,
		AvgPrice:   price,
		Fee:        fee,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// GetBalances returns the simulated balances.
func (p *PaperAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	balances := make([]Balance, 0, len(p.balances))
	for asset, free := range p.balances {
		if free == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: asset, Free: free})
	}
	return balances, nil
}

// splitSymbol separates base and quote for the common stable quotes.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, "USDT"
}
