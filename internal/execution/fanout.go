// Package execution converts one market-wide trade decision into per-bot
// execution plans and runs them synchronously against the store.
package execution

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/marketdata"
	"spot-trading-engine/internal/monitoring"
	"spot-trading-engine/internal/regime"
	"spot-trading-engine/internal/sizing"
)

// priceDriftOverridePct is the signal-vs-live price drift beyond which the
// live ticker price replaces the (possibly stale) signal price.
const priceDriftOverridePct = 0.001

// preservationFloor is the lowest the capital-preservation multiplier goes.
const preservationFloor = 0.25

// TradeDecision is one market-wide buy decision produced by the entry pass.
type TradeDecision struct {
	Pair            string
	Side            string
	Confidence      float64
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	Regime          string
	IsTransitioning bool
	Timestamp       time.Time
}

// ExecutionPlan is the decision resolved for one bot. DecidedAt carries the
// decision timestamp so a replayed plan reproduces the same idempotency key.
type ExecutionPlan struct {
	Bot        *database.BotInstance
	Pair       string
	Side       string
	Quantity   float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Confidence float64
	DecidedAt  time.Time
}

// Summary reports one ExecuteTradesDirect pass.
type Summary struct {
	Executed int
	Skipped  int
	Failed   int
}

// TradeStore is the persistence slice the fan-out needs.
type TradeStore interface {
	GetEligibleBots(ctx context.Context) ([]*database.BotInstance, error)
	GetOpenTradeForBot(ctx context.Context, botID int64, pair string) (*database.Trade, error)
	GetRecentClosedTrades(ctx context.Context, botID int64, limit int) ([]*database.Trade, error)
	CreateTrade(ctx context.Context, trade *database.Trade) (bool, error)
	CloseTrade(ctx context.Context, req database.CloseRequest) error
}

// MarketDataSource supplies live prices for the drift override.
type MarketDataSource interface {
	GetMarketData(ctx context.Context, pair string) (*marketdata.MarketData, error)
}

// AdapterResolver returns the exchange adapter for a bot, live or paper.
// Authentication errors are bot-scoped: the plan is skipped, not the cycle.
type AdapterResolver func(bot *database.BotInstance) (exchange.Adapter, error)

// PreservationFunc returns the capital-preservation multiplier for one bot
// and pair, already floored.
type PreservationFunc func(bot *database.BotInstance, pair string) float64

// FanOut builds and executes plans.
type FanOut struct {
	store    TradeStore
	md       MarketDataSource
	adapters AdapterResolver
	riskCfg  config.RiskConfig
	exitCfg  config.ExitConfig
	logger   zerolog.Logger

	preservation PreservationFunc

	// kellyHistory is how many closed trades calibrate the sizer.
	kellyHistory int
}

// NewFanOut builds the fan-out.
func NewFanOut(store TradeStore, md MarketDataSource, adapters AdapterResolver, riskCfg config.RiskConfig, exitCfg config.ExitConfig, logger zerolog.Logger) *FanOut {
	return &FanOut{
		store:        store,
		md:           md,
		adapters:     adapters,
		riskCfg:      riskCfg,
		exitCfg:      exitCfg,
		logger:       logger.With().Str("component", "execution").Logger(),
		preservation: func(*database.BotInstance, string) float64 { return 1.0 },
		kellyHistory: 100,
	}
}

// SetPreservationFunc installs the orchestrator's capital-preservation gate.
func (f *FanOut) SetPreservationFunc(fn PreservationFunc) {
	if fn != nil {
		f.preservation = fn
	}
}

// regimeMultiplier scales quantity by trend quality. Transitioning overrides
// whatever the detector said.
func regimeMultiplier(regimeLabel string, isTransitioning bool) float64 {
	if isTransitioning {
		return 0.5
	}
	switch regimeLabel {
	case regime.RegimeStrong:
		return 1.5
	case regime.RegimeModerate:
		return 1.0
	case regime.RegimeWeak:
		return 0.75
	default:
		return 0.5
	}
}

// FanOutTradeDecision resolves a decision into per-bot plans. Per-bot
// failures skip the bot and keep going.
func (f *FanOut) FanOutTradeDecision(ctx context.Context, decision TradeDecision) ([]ExecutionPlan, error) {
	bots, err := f.store.GetEligibleBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("load eligible bots: %w", err)
	}

	var plans []ExecutionPlan
	for _, bot := range bots {
		if !botTradesPair(bot, decision.Pair) {
			continue
		}

		open, err := f.store.GetOpenTradeForBot(ctx, bot.ID, decision.Pair)
		if err != nil {
			f.logger.Warn().Int64("bot_id", bot.ID).Err(err).Msg("Open-trade lookup failed, skipping bot")
			continue
		}
		if open != nil {
			continue
		}

		balance, err := f.effectiveBalance(ctx, bot)
		if err != nil {
			f.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("Balance resolution failed, skipping bot")
			continue
		}

		sizer := sizing.NewSizer(balance)
		if history, err := f.store.GetRecentClosedTrades(ctx, bot.ID, f.kellyHistory); err == nil {
			sizer.Calibrate(history)
		} else {
			f.logger.Debug().Int64("bot_id", bot.ID).Err(err).Msg("Kelly history unavailable, using default fraction")
		}

		stopLossPct := f.stopLossPct(decision.EntryPrice, decision.StopLoss)
		quantity := sizer.Quantity(decision.Confidence, decision.EntryPrice, stopLossPct)
		quantity *= regimeMultiplier(decision.Regime, decision.IsTransitioning)
		quantity *= f.preservation(bot, decision.Pair)

		if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
			continue
		}

		decidedAt := decision.Timestamp
		if decidedAt.IsZero() {
			decidedAt = time.Now().UTC()
		}
		plans = append(plans, ExecutionPlan{
			Bot:        bot,
			Pair:       decision.Pair,
			Side:       decision.Side,
			Quantity:   quantity,
			Price:      decision.EntryPrice,
			StopLoss:   decision.StopLoss,
			TakeProfit: decision.TakeProfit,
			Confidence: decision.Confidence,
			DecidedAt:  decidedAt,
		})
	}
	return plans, nil
}

func botTradesPair(bot *database.BotInstance, pair string) bool {
	for _, p := range bot.EnabledPairs {
		if marketdata.NormalizePair(p) == pair {
			return true
		}
	}
	return false
}

// effectiveBalance resolves the bot's budget. A configured capital is taken
// as-is; unlimited bots trade the exchange quote balance minus a safety
// buffer.
func (f *FanOut) effectiveBalance(ctx context.Context, bot *database.BotInstance) (float64, error) {
	if bot.Config.InitialCapital > 0 {
		return bot.Config.InitialCapital, nil
	}

	adapter, err := f.adapters(bot)
	if err != nil {
		return 0, err
	}
	balances, err := adapter.GetBalances(ctx)
	if err != nil {
		return 0, err
	}

	var quote float64
	for _, b := range balances {
		switch strings.ToUpper(b.Asset) {
		case "USDT", "USD", "USDC", "BUSD":
			quote += b.Free
		}
	}
	return quote * (1 - f.riskCfg.BalanceSafetyBufferPct/100), nil
}

func (f *FanOut) stopLossPct(price, stopLoss float64) float64 {
	if price <= 0 || stopLoss <= 0 {
		return f.riskCfg.DefaultStopLossPct
	}
	pct := math.Abs(stopLoss-price) / price
	if pct <= 0 || pct >= 1 {
		return f.riskCfg.DefaultStopLossPct
	}
	return pct
}

// ExecuteTradesDirect runs plans one at a time. Each plan re-checks the
// open-position guard, overrides a drifted signal price with the live
// ticker, places the live order when applicable, and persists the trade
// under the deterministic idempotency key. Replayed plans are counted as
// skipped, not failed.
func (f *FanOut) ExecuteTradesDirect(ctx context.Context, plans []ExecutionPlan) Summary {
	var sum Summary

	for _, plan := range plans {
		decidedAt := plan.DecidedAt
		if decidedAt.IsZero() {
			decidedAt = time.Now().UTC()
		}
		open, err := f.store.GetOpenTradeForBot(ctx, plan.Bot.ID, plan.Pair)
		if err != nil {
			f.logger.Warn().Int64("bot_id", plan.Bot.ID).Err(err).Msg("Pre-execution guard failed")
			sum.Failed++
			continue
		}
		if open != nil {
			sum.Skipped++
			continue
		}

		price := plan.Price
		if md, err := f.md.GetMarketData(ctx, plan.Pair); err == nil && md.Price > 0 {
			if drift := math.Abs(md.Price-price) / price; drift > priceDriftOverridePct {
				f.logger.Debug().Str("pair", plan.Pair).Float64("signal_price", price).Float64("live_price", md.Price).Msg("Signal price drifted, using live ticker")
				price = md.Price
			}
		}

		quantity := plan.Quantity
		fee := 0.0
		if plan.Bot.TradingMode == database.TradingModeLive {
			result, err := f.placeLiveOrder(ctx, plan, quantity)
			if err != nil {
				f.logger.Error().Int64("bot_id", plan.Bot.ID).Str("pair", plan.Pair).Err(err).Msg("Live order failed")
				sum.Failed++
				continue
			}
			price = result.AvgPrice
			quantity = result.Quantity
			fee = result.Fee
		}

		trade := &database.Trade{
			BotInstanceID:  plan.Bot.ID,
			Pair:           plan.Pair,
			Side:           plan.Side,
			EntryPrice:     price,
			Quantity:       quantity,
			EntryTime:      decidedAt,
			StopLoss:       plan.StopLoss,
			TakeProfit:     plan.TakeProfit,
			Fee:            fee,
			TradingMode:    plan.Bot.TradingMode,
			IdempotencyKey: database.IdempotencyKey(plan.Bot.ID, plan.Pair, plan.Side, decidedAt),
		}

		inserted, err := f.store.CreateTrade(ctx, trade)
		if err != nil {
			f.logger.Error().Int64("bot_id", plan.Bot.ID).Str("pair", plan.Pair).Err(err).Msg("Trade insert failed")
			sum.Failed++
			continue
		}
		if !inserted {
			sum.Skipped++
			continue
		}

		monitoring.RecordTradeOpened(plan.Bot.TradingMode)
		f.logger.Info().
			Int64("bot_id", plan.Bot.ID).
			Str("pair", plan.Pair).
			Float64("price", price).
			Float64("quantity", quantity).
			Str("mode", plan.Bot.TradingMode).
			Msg("Trade opened")
		sum.Executed++
	}
	return sum
}

func (f *FanOut) placeLiveOrder(ctx context.Context, plan ExecutionPlan, quantity float64) (*exchange.OrderResult, error) {
	adapter, err := f.adapters(plan.Bot)
	if err != nil {
		return nil, err
	}
	return adapter.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   exchange.Symbol(plan.Pair),
		Side:     plan.Side,
		Quantity: quantity,
	})
}

// ClosePosition sells (live mode) and closes a trade in the store. The
// store's close contract is the serialisation point for racing exit passes;
// sentinel errors bubble up so callers leave the tracker untouched.
func (f *FanOut) ClosePosition(ctx context.Context, trade *database.Trade, exitPrice float64, exitReason string) error {
	if trade.TradingMode == database.TradingModeLive {
		adapter, err := f.adapters(&database.BotInstance{ID: trade.BotInstanceID, TradingMode: trade.TradingMode})
		if err != nil {
			return fmt.Errorf("resolve adapter for close: %w", err)
		}
		result, err := adapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:   exchange.Symbol(trade.Pair),
			Side:     "SELL",
			Quantity: trade.Quantity,
		})
		if err != nil {
			return fmt.Errorf("close order: %w", err)
		}
		if result.AvgPrice > 0 {
			exitPrice = result.AvgPrice
		}
	}

	// Persisted P/L is NET of fees, matching what the exit rules evaluated:
	// gross price move minus the entry fee and the exit-side taker fee.
	grossPct := 0.0
	if trade.EntryPrice > 0 {
		grossPct = (exitPrice - trade.EntryPrice) / trade.EntryPrice * 100
	}
	entryFeePct := 0.0
	if notional := trade.EntryPrice * trade.Quantity; notional > 0 {
		entryFeePct = trade.Fee / notional * 100
	}
	profitLossPct := grossPct - entryFeePct - f.exitCfg.TakerFeePct

	exitFee := exitPrice * trade.Quantity * f.exitCfg.TakerFeePct / 100
	profitLoss := (exitPrice-trade.EntryPrice)*trade.Quantity - trade.Fee - exitFee

	err := f.store.CloseTrade(ctx, database.CloseRequest{
		BotInstanceID:     trade.BotInstanceID,
		TradeID:           trade.ID,
		Pair:              trade.Pair,
		ExitTime:          time.Now().UTC(),
		ExitPrice:         exitPrice,
		ProfitLoss:        profitLoss,
		ProfitLossPercent: profitLossPct,
		ExitReason:        exitReason,
	})
	if err != nil {
		return err
	}

	monitoring.RecordTradeClosed(exitReason)
	f.logger.Info().
		Int64("trade_id", trade.ID).
		Str("pair", trade.Pair).
		Float64("exit_price", exitPrice).
		Float64("pnl_pct", profitLossPct).
		Str("exit_reason", exitReason).
		Msg("Trade closed")
	return nil
}

// PreservationMultiplier combines the global BTC gate with per-pair loss
// pressure and drawdown, floored so a bot is throttled rather than silenced.
func PreservationMultiplier(btcMomentumPct float64, btcKnown bool, lossStreak int, drawdownPct float64) float64 {
	m := 1.0
	if btcKnown && btcMomentumPct < 0 {
		m *= 0.75
	}
	if lossStreak >= 3 {
		m *= 0.5
	}
	if drawdownPct > 10 {
		m *= 0.5
	}
	if m < preservationFloor {
		m = preservationFloor
	}
	return m
}
