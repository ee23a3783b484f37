package execution

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/marketdata"
	"spot-trading-engine/internal/regime"
)

type fakeStore struct {
	bots       []*database.BotInstance
	open       map[int64]*database.Trade // keyed by bot id, single pair in tests
	history    map[int64][]*database.Trade
	created    []*database.Trade
	seenKeys   map[string]bool
	closed     []database.CloseRequest
	closeErr   error
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		open:     map[int64]*database.Trade{},
		history:  map[int64][]*database.Trade{},
		seenKeys: map[string]bool{},
	}
}

func (s *fakeStore) GetEligibleBots(context.Context) ([]*database.BotInstance, error) {
	return s.bots, nil
}

func (s *fakeStore) GetOpenTradeForBot(_ context.Context, botID int64, _ string) (*database.Trade, error) {
	return s.open[botID], nil
}

func (s *fakeStore) GetRecentClosedTrades(_ context.Context, botID int64, _ int) ([]*database.Trade, error) {
	return s.history[botID], nil
}

func (s *fakeStore) CreateTrade(_ context.Context, trade *database.Trade) (bool, error) {
	if s.seenKeys[trade.IdempotencyKey] {
		return false, nil
	}
	s.seenKeys[trade.IdempotencyKey] = true
	s.nextID++
	trade.ID = s.nextID
	s.created = append(s.created, trade)
	s.open[trade.BotInstanceID] = trade
	return true, nil
}

func (s *fakeStore) CloseTrade(_ context.Context, req database.CloseRequest) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	s.closed = append(s.closed, req)
	return nil
}

type fakeMarket struct {
	price float64
	err   error
}

func (m *fakeMarket) GetMarketData(_ context.Context, pair string) (*marketdata.MarketData, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &marketdata.MarketData{Pair: pair, Price: m.price, FetchedAt: time.Now()}, nil
}

type stubAdapter struct {
	balances []exchange.Balance
	order    *exchange.OrderResult
	orderErr error
	orders   []exchange.OrderRequest
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) GetTicker(context.Context, string) (*exchange.Ticker, error) {
	return nil, exchange.ErrSymbolNotFound
}

func (a *stubAdapter) GetOHLCV(context.Context, string, string, int) ([]exchange.Candle, error) {
	return nil, nil
}

func (a *stubAdapter) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	a.orders = append(a.orders, req)
	if a.orderErr != nil {
		return nil, a.orderErr
	}
	if a.order != nil {
		return a.order, nil
	}
	return &exchange.OrderResult{Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity}, nil
}

func (a *stubAdapter) GetBalances(context.Context) ([]exchange.Balance, error) {
	return a.balances, nil
}

func paperBot(id int64, capital float64, pairs ...string) *database.BotInstance {
	return &database.BotInstance{
		ID:           id,
		UserID:       "user",
		EnabledPairs: pairs,
		Status:       database.BotStatusRunning,
		TradingMode:  database.TradingModePaper,
		Config:       database.BotConfig{InitialCapital: capital},
	}
}

func testFanOut(store *fakeStore, md MarketDataSource, adapter exchange.Adapter) *FanOut {
	riskCfg := config.RiskConfig{BalanceSafetyBufferPct: 5.0, DefaultStopLossPct: 0.05}
	exitCfg := config.ExitConfig{TakerFeePct: 0.1}
	resolver := func(*database.BotInstance) (exchange.Adapter, error) { return adapter, nil }
	return NewFanOut(store, md, resolver, riskCfg, exitCfg, zerolog.Nop())
}

func buyDecision() TradeDecision {
	return TradeDecision{
		Pair:       "ETH/USDT",
		Side:       "BUY",
		Confidence: 80,
		EntryPrice: 2000,
		StopLoss:   1900,
		TakeProfit: 2100,
		Regime:     regime.RegimeModerate,
		Timestamp:  time.Now().UTC(),
	}
}

func TestFanOutSkipsBotsWithoutPairOrWithOpenTrade(t *testing.T) {
	store := newFakeStore()
	store.bots = []*database.BotInstance{
		paperBot(1, 10000, "ETH/USDT"),
		paperBot(2, 10000, "BTC/USDT"), // pair not enabled
		paperBot(3, 10000, "ETH/USDT"), // already holding
	}
	store.open[3] = &database.Trade{ID: 9, BotInstanceID: 3, Pair: "ETH/USDT", Status: database.TradeStatusOpen}

	f := testFanOut(store, &fakeMarket{price: 2000}, &stubAdapter{})
	plans, err := f.FanOutTradeDecision(context.Background(), buyDecision())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, int64(1), plans[0].Bot.ID)
	assert.Positive(t, plans[0].Quantity)
}

func TestFanOutNormalizesEnabledPairForms(t *testing.T) {
	store := newFakeStore()
	store.bots = []*database.BotInstance{paperBot(1, 10000, "eth/usdt")}

	f := testFanOut(store, &fakeMarket{price: 2000}, &stubAdapter{})
	plans, err := f.FanOutTradeDecision(context.Background(), buyDecision())
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestRegimeMultipliers(t *testing.T) {
	assert.Equal(t, 1.5, regimeMultiplier(regime.RegimeStrong, false))
	assert.Equal(t, 1.0, regimeMultiplier(regime.RegimeModerate, false))
	assert.Equal(t, 0.75, regimeMultiplier(regime.RegimeWeak, false))
	assert.Equal(t, 0.5, regimeMultiplier(regime.RegimeChoppy, false))
	// Transitioning throttles regardless of the detected label.
	assert.Equal(t, 0.5, regimeMultiplier(regime.RegimeStrong, true))
}

func TestFanOutScalesQuantityByRegime(t *testing.T) {
	store := newFakeStore()
	store.bots = []*database.BotInstance{paperBot(1, 10000, "ETH/USDT")}
	f := testFanOut(store, &fakeMarket{price: 2000}, &stubAdapter{})

	moderate := buyDecision()
	strong := buyDecision()
	strong.Regime = regime.RegimeStrong

	planA, err := f.FanOutTradeDecision(context.Background(), moderate)
	require.NoError(t, err)
	planB, err := f.FanOutTradeDecision(context.Background(), strong)
	require.NoError(t, err)
	assert.InDelta(t, planA[0].Quantity*1.5, planB[0].Quantity, 1e-9)
}

func TestFanOutUnlimitedBotUsesExchangeBalanceWithBuffer(t *testing.T) {
	store := newFakeStore()
	store.bots = []*database.BotInstance{paperBot(1, 0, "ETH/USDT")} // unlimited
	adapter := &stubAdapter{balances: []exchange.Balance{
		{Asset: "USDT", Free: 1000},
		{Asset: "ETH", Free: 5}, // non-quote, ignored
	}}

	f := testFanOut(store, &fakeMarket{price: 2000}, adapter)
	plans, err := f.FanOutTradeDecision(context.Background(), buyDecision())
	require.NoError(t, err)
	require.Len(t, plans, 1)

	// Effective balance 950. Risk budget 950 * 0.02 * 0.8, stop distance 5%.
	fixed := newFakeStore()
	fixed.bots = []*database.BotInstance{paperBot(2, 950, "ETH/USDT")}
	ref, err := testFanOut(fixed, &fakeMarket{price: 2000}, adapter).FanOutTradeDecision(context.Background(), buyDecision())
	require.NoError(t, err)
	assert.InDelta(t, ref[0].Quantity, plans[0].Quantity, 1e-9)
}

func TestFanOutAppliesPreservationFunc(t *testing.T) {
	store := newFakeStore()
	store.bots = []*database.BotInstance{paperBot(1, 10000, "ETH/USDT")}
	f := testFanOut(store, &fakeMarket{price: 2000}, &stubAdapter{})

	base, err := f.FanOutTradeDecision(context.Background(), buyDecision())
	require.NoError(t, err)

	f.SetPreservationFunc(func(*database.BotInstance, string) float64 { return 0.25 })
	throttled, err := f.FanOutTradeDecision(context.Background(), buyDecision())
	require.NoError(t, err)
	assert.InDelta(t, base[0].Quantity*0.25, throttled[0].Quantity, 1e-9)
}

func TestExecuteTradesDirectDeduplicatesReplayedPlans(t *testing.T) {
	store := newFakeStore()
	store.bots = []*database.BotInstance{paperBot(1, 10000, "ETH/USDT")}
	f := testFanOut(store, &fakeMarket{price: 2000}, &stubAdapter{})

	plans, err := f.FanOutTradeDecision(context.Background(), buyDecision())
	require.NoError(t, err)
	require.Len(t, plans, 1)

	// The same plan delivered twice in one batch, as a crashed-and-restarted
	// cycle would replay it.
	store.open = map[int64]*database.Trade{} // defeat the pre-check so the key is the guard
	doubled := append(plans, plans...)
	first := f.ExecuteTradesDirect(context.Background(), doubled[:1])
	store.open = map[int64]*database.Trade{}
	second := f.ExecuteTradesDirect(context.Background(), doubled[1:])

	assert.Equal(t, 1, first.Executed)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, store.created, 1)
}

func TestExecuteTradesDirectSkipsWhenPositionAlreadyOpen(t *testing.T) {
	store := newFakeStore()
	bot := paperBot(1, 10000, "ETH/USDT")
	store.bots = []*database.BotInstance{bot}
	store.open[1] = &database.Trade{ID: 5, BotInstanceID: 1, Pair: "ETH/USDT"}

	f := testFanOut(store, &fakeMarket{price: 2000}, &stubAdapter{})
	sum := f.ExecuteTradesDirect(context.Background(), []ExecutionPlan{{
		Bot: bot, Pair: "ETH/USDT", Side: "BUY", Quantity: 1, Price: 2000,
	}})
	assert.Equal(t, Summary{Skipped: 1}, sum)
	assert.Empty(t, store.created)
}

func TestExecuteTradesDirectOverridesDriftedPrice(t *testing.T) {
	store := newFakeStore()
	bot := paperBot(1, 10000, "ETH/USDT")
	f := testFanOut(store, &fakeMarket{price: 2010}, &stubAdapter{}) // 0.5% drift

	sum := f.ExecuteTradesDirect(context.Background(), []ExecutionPlan{{
		Bot: bot, Pair: "ETH/USDT", Side: "BUY", Quantity: 1, Price: 2000,
	}})
	require.Equal(t, 1, sum.Executed)
	assert.Equal(t, 2010.0, store.created[0].EntryPrice)
}

func TestExecuteTradesDirectKeepsCloseSignalPrice(t *testing.T) {
	store := newFakeStore()
	bot := paperBot(1, 10000, "ETH/USDT")
	f := testFanOut(store, &fakeMarket{price: 2001}, &stubAdapter{}) // 0.05% drift, under threshold

	sum := f.ExecuteTradesDirect(context.Background(), []ExecutionPlan{{
		Bot: bot, Pair: "ETH/USDT", Side: "BUY", Quantity: 1, Price: 2000,
	}})
	require.Equal(t, 1, sum.Executed)
	assert.Equal(t, 2000.0, store.created[0].EntryPrice)
}

func TestExecuteTradesDirectLiveModeUsesFill(t *testing.T) {
	store := newFakeStore()
	bot := paperBot(1, 10000, "ETH/USDT")
	bot.TradingMode = database.TradingModeLive
	adapter := &stubAdapter{order: &exchange.OrderResult{AvgPrice: 2003.5, Quantity: 0.99, Fee: 1.98}}

	f := testFanOut(store, &fakeMarket{price: 2000}, adapter)
	sum := f.ExecuteTradesDirect(context.Background(), []ExecutionPlan{{
		Bot: bot, Pair: "ETH/USDT", Side: "BUY", Quantity: 1, Price: 2000,
	}})
	require.Equal(t, 1, sum.Executed)
	require.Len(t, adapter.orders, 1)
	assert.Equal(t, "ETHUSDT", adapter.orders[0].Symbol)

	created := store.created[0]
	assert.Equal(t, 2003.5, created.EntryPrice)
	assert.Equal(t, 0.99, created.Quantity)
	assert.Equal(t, 1.98, created.Fee)
	assert.Equal(t, database.TradingModeLive, created.TradingMode)
}

func TestExecuteTradesDirectLiveOrderFailureCountsFailed(t *testing.T) {
	store := newFakeStore()
	bot := paperBot(1, 10000, "ETH/USDT")
	bot.TradingMode = database.TradingModeLive
	adapter := &stubAdapter{orderErr: assert.AnError}

	f := testFanOut(store, &fakeMarket{price: 2000}, adapter)
	sum := f.ExecuteTradesDirect(context.Background(), []ExecutionPlan{{
		Bot: bot, Pair: "ETH/USDT", Side: "BUY", Quantity: 1, Price: 2000,
	}})
	assert.Equal(t, Summary{Failed: 1}, sum)
	assert.Empty(t, store.created)
}

func TestClosePositionComputesNetPnl(t *testing.T) {
	store := newFakeStore()
	f := testFanOut(store, &fakeMarket{price: 2100}, &stubAdapter{})

	trade := &database.Trade{
		ID:            7,
		BotInstanceID: 1,
		Pair:          "ETH/USDT",
		EntryPrice:    2000,
		Quantity:      2,
		TradingMode:   database.TradingModePaper,
	}
	err := f.ClosePosition(context.Background(), trade, 2100, database.ExitProfitTarget)
	require.NoError(t, err)
	require.Len(t, store.closed, 1)

	// +5% gross, no entry fee, 0.1% exit taker fee on a 4200 notional.
	req := store.closed[0]
	assert.Equal(t, int64(7), req.TradeID)
	assert.InDelta(t, 195.8, req.ProfitLoss, 1e-9)
	assert.InDelta(t, 4.9, req.ProfitLossPercent, 1e-9)
	assert.Equal(t, database.ExitProfitTarget, req.ExitReason)
}

func TestClosePositionDeductsEntryFee(t *testing.T) {
	store := newFakeStore()
	f := testFanOut(store, &fakeMarket{price: 100580}, &stubAdapter{})

	// An erosion-cap walk: entry 100000 for 0.01 BTC with a $0.26 entry fee,
	// closed at 100580. Gross +0.58% nets out to +0.454% after the 0.026%
	// entry fee and the 0.1% taker fee.
	trade := &database.Trade{
		ID:            8,
		BotInstanceID: 1,
		Pair:          "BTC/USD",
		EntryPrice:    100000,
		Quantity:      0.01,
		Fee:           0.26,
		TradingMode:   database.TradingModePaper,
	}
	err := f.ClosePosition(context.Background(), trade, 100580, database.ExitErosionCapProtected)
	require.NoError(t, err)
	require.Len(t, store.closed, 1)

	req := store.closed[0]
	assert.InDelta(t, 0.454, req.ProfitLossPercent, 1e-9)
	assert.InDelta(t, 5.8-0.26-1.0058, req.ProfitLoss, 1e-9)
	assert.Positive(t, req.ProfitLossPercent, "a net-green close passes the profit-protection guard")
}

func TestClosePositionPropagatesAlreadyClosed(t *testing.T) {
	store := newFakeStore()
	store.closeErr = database.ErrTradeAlreadyClosed
	f := testFanOut(store, &fakeMarket{price: 2100}, &stubAdapter{})

	trade := &database.Trade{ID: 7, EntryPrice: 2000, Quantity: 1, TradingMode: database.TradingModePaper}
	err := f.ClosePosition(context.Background(), trade, 2100, database.ExitProfitTarget)
	assert.ErrorIs(t, err, database.ErrTradeAlreadyClosed)
}

func TestPreservationMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, PreservationMultiplier(0.5, true, 0, 0))
	assert.Equal(t, 0.75, PreservationMultiplier(-0.5, true, 0, 0))
	assert.Equal(t, 1.0, PreservationMultiplier(-0.5, false, 0, 0), "unknown BTC trend does not throttle")
	assert.Equal(t, 0.5, PreservationMultiplier(0.5, true, 3, 0))
	assert.Equal(t, 0.5, PreservationMultiplier(0.5, true, 0, 15))
	// Everything bad at once still leaves the floor.
	assert.Equal(t, 0.25, PreservationMultiplier(-2, true, 4, 20))
}
