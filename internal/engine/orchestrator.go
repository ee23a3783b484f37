// Package engine runs the trading loops: the main decision tick, the fast
// peak-tracking tick, and the close-request drain between them.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/execution"
	"spot-trading-engine/internal/marketdata"
	"spot-trading-engine/internal/monitoring"
	"spot-trading-engine/internal/position"
	"spot-trading-engine/internal/regime"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/signal"
)

const (
	// staleFlatBandPct is the net-profit band under which an old trade counts
	// as flat rather than merely unambitious.
	staleFlatBandPct = 0.15
	// pyramidTriggerStepPct is the net profit per pyramid level before an
	// add-on is considered.
	pyramidTriggerStepPct = 1.0
	// maxPyramidLevels caps add-ons per trade.
	maxPyramidLevels = 2

	analysisTimeframe = "1h"
	btcReferencePair  = "BTC/USDT"
)

// Store is the persistence slice the orchestrator needs.
type Store interface {
	GetEligibleBots(ctx context.Context) ([]*database.BotInstance, error)
	GetRunningBotsWithInvalidSubscription(ctx context.Context) ([]*database.BotInstance, error)
	PauseBot(ctx context.Context, botID int64) error
	GetOpenTrades(ctx context.Context) ([]*database.Trade, error)
	AddPyramidLevel(ctx context.Context, tradeID int64, level database.PyramidLevel) error
	SaveSignalRejection(ctx context.Context, rej *database.SignalRejection) error
}

// MarketSource supplies prices and indicators.
type MarketSource interface {
	GetMarketData(ctx context.Context, pair string) (*marketdata.MarketData, error)
	IsCacheStale(pair string) bool
	Track(pairs ...string)
}

// RegimeSource classifies pairs.
type RegimeSource interface {
	DetectForAllPairs(ctx context.Context, pairs []string) map[string]regime.Classification
}

// Executor fans decisions out to bots and closes positions.
type Executor interface {
	FanOutTradeDecision(ctx context.Context, decision execution.TradeDecision) ([]execution.ExecutionPlan, error)
	ExecuteTradesDirect(ctx context.Context, plans []execution.ExecutionPlan) execution.Summary
	ClosePosition(ctx context.Context, trade *database.Trade, exitPrice float64, exitReason string) error
}

// Notifier queues owner-facing messages.
type Notifier interface {
	BotAutoPaused(ctx context.Context, userID string, botID int64)
	TradeClosed(ctx context.Context, userID, pair string, pnlPct float64, exitReason string)
}

// Orchestrator owns the tick loops and the per-pair cooldown state. One
// instance runs per process; leadership only gates the price stream, not
// trading.
type Orchestrator struct {
	cfg      *config.Config
	store    Store
	market   MarketSource
	regimes  RegimeSource
	risk     *risk.Manager
	tracker  *position.Tracker
	momentum *position.MomentumDetector
	signals  signal.Source
	executor Executor
	notifier Notifier
	logger   zerolog.Logger

	mu          sync.Mutex
	openTrades  map[int64]*database.Trade
	lastRegimes map[string]regime.Classification
	analyses    map[string]*signal.AnalysisResult
	botUsers    map[int64]string

	cooldownUntil map[string]time.Time
	lossStreaks   map[string]int

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewOrchestrator wires the loops together.
func NewOrchestrator(cfg *config.Config, store Store, market MarketSource, regimes RegimeSource, riskMgr *risk.Manager, tracker *position.Tracker, momentum *position.MomentumDetector, signals signal.Source, executor Executor, notifier Notifier, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		store:         store,
		market:        market,
		regimes:       regimes,
		risk:          riskMgr,
		tracker:       tracker,
		momentum:      momentum,
		signals:       signals,
		executor:      executor,
		notifier:      notifier,
		logger:        logger.With().Str("component", "engine").Logger(),
		openTrades:    make(map[int64]*database.Trade),
		lastRegimes:   make(map[string]regime.Classification),
		analyses:      make(map[string]*signal.AnalysisResult),
		botUsers:      make(map[int64]string),
		cooldownUntil: make(map[string]time.Time),
		lossStreaks:   make(map[string]int),
	}
}

// PreservationFor is the capital-preservation multiplier handed to the
// execution fan-out. Per-bot drawdown is folded into the loss-streak signal;
// streaks reset on any win, which tracks drawdown recovery closely enough.
func (o *Orchestrator) PreservationFor(_ *database.BotInstance, pair string) float64 {
	btc, known := o.risk.BTCMomentum()
	o.mu.Lock()
	streak := o.lossStreaks[pair]
	o.mu.Unlock()
	return execution.PreservationMultiplier(btc, known, streak, 0)
}

// Start launches the loops. Stop shuts them down and waits.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.stop = cancel

	o.wg.Add(3)
	go o.mainLoop(ctx)
	go o.peakLoop(ctx)
	go o.closeLoop(ctx)
}

// Stop stops the loops and waits for them to exit.
func (o *Orchestrator) Stop() {
	if o.stop != nil {
		o.stop()
	}
	o.wg.Wait()
}

func (o *Orchestrator) mainLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.EngineConfig.MainTickInterval)
	defer ticker.Stop()

	o.RunMainTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunMainTick(ctx)
		}
	}
}

func (o *Orchestrator) peakLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(time.Duration(o.cfg.EngineConfig.PeakTrackingIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunPeakTick(ctx)
		}
	}
}

func (o *Orchestrator) closeLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.tracker.CloseRequests():
			o.handleCloseRequest(ctx, req)
		}
	}
}

// RunMainTick is one pass of the slow loop: subscription enforcement, regime
// refresh, exit checks, pyramid additions, and entry evaluation.
func (o *Orchestrator) RunMainTick(ctx context.Context) {
	start := time.Now()
	defer func() { monitoring.ObserveTickDuration("main", time.Since(start)) }()

	o.autoPauseInvalidBots(ctx)

	bots, err := o.store.GetEligibleBots(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Eligible bot load failed, skipping tick")
		return
	}
	o.rememberBotUsers(bots)

	open, err := o.store.GetOpenTrades(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Open trade load failed, skipping tick")
		return
	}
	o.setOpenTrades(open)

	// Paused bots keep their open trades exit-monitored, so regimes cover
	// open-trade pairs too, not just the eligible set.
	pairs := activePairs(bots, open)
	o.market.Track(pairs...)

	o.updateBTCMomentum(ctx)
	o.setRegimes(o.regimes.DetectForAllPairs(ctx, pairs))

	// Analyses are per tick; the pyramid pass reuses what the entry pass
	// fetched within the same tick only.
	o.mu.Lock()
	o.analyses = make(map[string]*signal.AnalysisResult)
	o.mu.Unlock()

	o.exitPass(ctx, open)
	o.pyramidPass(ctx)
	o.entryPass(ctx, bots, pairs)
}

// RunPeakTick is one pass of the fast loop: refresh peaks and evaluate the
// erosion cap for green trades. The fast loop never closes a red trade on
// its own; red exits belong to the slow loop's taxonomy.
func (o *Orchestrator) RunPeakTick(ctx context.Context) {
	start := time.Now()
	defer func() { monitoring.ObserveTickDuration("peak", time.Since(start)) }()

	for _, trade := range o.snapshotOpenTrades() {
		if trade.EntryPrice <= 0 {
			continue
		}
		if o.market.IsCacheStale(trade.Pair) {
			continue
		}
		md, err := o.market.GetMarketData(ctx, trade.Pair)
		if err != nil {
			continue
		}

		net := o.netProfitPct(trade, md.Price)
		if !o.tracker.Tracked(trade.ID) {
			o.tracker.RecordPeak(trade.ID, trade.Pair, net, trade.EntryTime, trade.EntryPrice, trade.Quantity, md.Price, trade.Fee)
		} else {
			o.tracker.UpdatePeakIfHigher(trade.ID, net, md.Price, trade.Fee)
		}

		if net > 0 {
			if er := o.tracker.CheckErosionCap(trade.ID, trade.Pair, net, o.exitRegimeLabel(trade.Pair, md.Indicators)); er.ShouldExit {
				o.tracker.RequestClose(position.CloseRequest{
					TradeID:       trade.ID,
					BotInstanceID: trade.BotInstanceID,
					Pair:          trade.Pair,
					ExitReason:    er.Reason,
					NetProfitPct:  net,
					CurrentPrice:  md.Price,
				})
			}
		}
	}

	if err := o.tracker.FlushPendingUpdates(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Peak flush failed, retrying next tick")
	}
}

// DrainCloseRequests drains queued exit decisions without blocking. The
// close loop normally handles these; draining inline keeps tests
// deterministic and covers shutdown.
func (o *Orchestrator) DrainCloseRequests(ctx context.Context) {
	for {
		select {
		case req := <-o.tracker.CloseRequests():
			o.handleCloseRequest(ctx, req)
		default:
			return
		}
	}
}

func (o *Orchestrator) autoPauseInvalidBots(ctx context.Context) {
	bots, err := o.store.GetRunningBotsWithInvalidSubscription(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Subscription check failed")
		return
	}
	for _, bot := range bots {
		if err := o.store.PauseBot(ctx, bot.ID); err != nil {
			o.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("Auto-pause failed")
			continue
		}
		o.mu.Lock()
		o.botUsers[bot.ID] = bot.UserID
		o.mu.Unlock()
		o.notifier.BotAutoPaused(ctx, bot.UserID, bot.ID)
		o.logger.Info().Int64("bot_id", bot.ID).Str("user_id", bot.UserID).Msg("Bot auto-paused for invalid subscription")
	}
}

func (o *Orchestrator) updateBTCMomentum(ctx context.Context) {
	md, err := o.market.GetMarketData(ctx, btcReferencePair)
	if err != nil {
		o.logger.Warn().Err(err).Msg("BTC momentum refresh failed, keeping last value")
		return
	}
	o.risk.UpdateBTCMomentum(md.Indicators.Momentum1h)
}

func (o *Orchestrator) exitPass(ctx context.Context, open []*database.Trade) {
	now := time.Now().UTC()

	btc, btcKnown := o.risk.BTCMomentum()
	crash := btcKnown && btc <= o.cfg.ExitConfig.EmergencyBTCDropPct
	if crash && len(open) > 0 {
		o.logger.Warn().Float64("btc_momentum", btc).Msg("BTC crash, emergency-closing all positions")
	}

	for _, trade := range open {
		md, err := o.market.GetMarketData(ctx, trade.Pair)
		if err != nil {
			o.logger.Warn().Str("pair", trade.Pair).Err(err).Msg("No market data for exit check")
			continue
		}

		net := o.netProfitPct(trade, md.Price)
		label := o.exitRegimeLabel(trade.Pair, md.Indicators)
		age := now.Sub(trade.EntryTime)

		if crash {
			o.closeTradeAs(ctx, trade, md.Price, database.ExitEmergencyStop, net)
			continue
		}

		if target, ok := o.cfg.ExitConfig.ProfitTargets[label]; ok && net >= target {
			o.closeTradeAs(ctx, trade, md.Price, database.ExitProfitTarget, net)
			continue
		}

		if trade.StopLoss > 0 && md.Price <= trade.StopLoss {
			o.closeTradeAs(ctx, trade, md.Price, database.ExitStopLoss, net)
			continue
		}

		if verdict := o.momentum.Evaluate(trade.ID, trade.EntryTime, md.Indicators); verdict.ShouldExit {
			o.logger.Info().Int64("trade_id", trade.ID).Strs("votes", verdict.Votes).Msg("Momentum failure")
			o.closeTradeAs(ctx, trade, md.Price, verdict.Reason, net)
			continue
		}

		// No minimum-age gate: the youngest bucket of the threshold table
		// already demands a deeper loss than any older one.
		threshold := position.UnderwaterThreshold(age, label)
		if res := o.tracker.CheckUnderwaterExit(trade.ID, trade.Pair, net, trade.EntryTime, threshold, 0); res.ShouldExit {
			o.closeTradeAs(ctx, trade, md.Price, res.Reason, net)
			continue
		}

		if maxHold := o.cfg.ExitConfig.MaxHoldHours; maxHold > 0 && age > time.Duration(maxHold)*time.Hour {
			o.closeTradeAs(ctx, trade, md.Price, database.ExitTimeHours(maxHold), net)
			continue
		}

		if age > time.Duration(o.cfg.ExitConfig.StaleUnderwaterMinutes)*time.Minute {
			switch {
			case net < 0:
				o.closeTradeAs(ctx, trade, md.Price, database.ExitStaleUnderwater, net)
			case net < staleFlatBandPct:
				o.closeTradeAs(ctx, trade, md.Price, database.ExitStaleFlatTrade, net)
			}
		}
	}
}

func (o *Orchestrator) pyramidPass(ctx context.Context) {
	for _, trade := range o.snapshotOpenTrades() {
		level := len(trade.PyramidLevels) + 1
		if level > maxPyramidLevels {
			continue
		}

		md, err := o.market.GetMarketData(ctx, trade.Pair)
		if err != nil {
			continue
		}
		net := o.netProfitPct(trade, md.Price)
		trigger := float64(level) * pyramidTriggerStepPct
		if net < trigger {
			continue
		}

		// The entry pass skips fully-held pairs, so fetch a fresh analysis
		// here when none is cached for this tick.
		analysis := o.lastAnalysis(trade.Pair)
		if analysis == nil {
			analysis, err = o.signals.AnalyzeMarket(ctx, signal.AnalysisRequest{
				Pair:          trade.Pair,
				Timeframe:     analysisTimeframe,
				CurrentPrice:  md.Price,
				Indicators:    md.Indicators,
				IncludeSignal: true,
			})
			if err != nil || analysis == nil {
				continue
			}
			o.setLastAnalysis(trade.Pair, analysis)
		}
		if ok, _ := o.risk.CanAddPyramidLevel(level, analysis.Confidence); !ok {
			continue
		}

		added := database.PyramidLevel{
			Level:            level,
			EntryPrice:       md.Price,
			Quantity:         trade.Quantity * 0.5,
			EntryTime:        time.Now().UTC(),
			TriggerProfitPct: trigger,
			Status:           database.PyramidFilled,
			AIConfidence:     analysis.Confidence,
		}
		if err := o.store.AddPyramidLevel(ctx, trade.ID, added); err != nil {
			if errors.Is(err, database.ErrTradeAlreadyClosed) {
				continue
			}
			o.logger.Error().Int64("trade_id", trade.ID).Err(err).Msg("Pyramid add failed")
			continue
		}

		// Published Trade structs are read concurrently by the peak loop, so
		// the add lands as a fresh copy swapped into the map, never as an
		// in-place mutation.
		o.mu.Lock()
		if current, ok := o.openTrades[trade.ID]; ok {
			updated := *current
			updated.PyramidLevels = append(append([]database.PyramidLevel(nil), current.PyramidLevels...), added)
			updated.Quantity += added.Quantity
			o.openTrades[trade.ID] = &updated
		}
		o.mu.Unlock()
		o.logger.Info().Int64("trade_id", trade.ID).Int("level", level).Float64("net_pct", net).Msg("Pyramid level added")
	}
}

func (o *Orchestrator) entryPass(ctx context.Context, bots []*database.BotInstance, pairs []string) {
	now := time.Now().UTC()
	for _, pair := range pairs {
		if o.inCooldown(pair, now) {
			continue
		}
		if o.allBotsHolding(pair, bots) {
			continue
		}

		md, err := o.market.GetMarketData(ctx, pair)
		if err != nil {
			o.logger.Warn().Str("pair", pair).Err(err).Msg("No market data for entry check")
			continue
		}

		res := o.risk.EvaluateEntry(risk.EntryCheck{
			Pair:       pair,
			Price:      md.Price,
			Bid:        md.Bid,
			Ask:        md.Ask,
			Indicators: md.Indicators,
		})
		if !res.Allowed {
			o.rejectSignal(ctx, pair, res.Stage, res.Reason)
			continue
		}

		analysis, err := o.signals.AnalyzeMarket(ctx, signal.AnalysisRequest{
			Pair:          pair,
			Timeframe:     analysisTimeframe,
			CurrentPrice:  md.Price,
			Indicators:    md.Indicators,
			IncludeSignal: true,
		})
		if err != nil || analysis == nil {
			o.logger.Warn().Str("pair", pair).Err(err).Msg("Signal source unavailable")
			continue
		}
		o.setLastAnalysis(pair, analysis)

		if analysis.Signal != signal.SignalBuy {
			continue
		}
		if ok, reason := o.risk.ValidateSignalConfidence(analysis.Confidence); !ok {
			o.rejectSignal(ctx, pair, risk.StageAIValidation, reason)
			continue
		}

		entryPrice := analysis.EntryPrice
		if entryPrice <= 0 {
			entryPrice = md.Price
		}
		decision := execution.TradeDecision{
			Pair:            pair,
			Side:            "BUY",
			Confidence:      analysis.Confidence,
			EntryPrice:      entryPrice,
			StopLoss:        analysis.StopLoss,
			TakeProfit:      analysis.TakeProfit,
			Regime:          o.regimeLabel(pair),
			IsTransitioning: res.IsTransitioning,
			Timestamp:       now,
		}

		plans, err := o.executor.FanOutTradeDecision(ctx, decision)
		if err != nil {
			o.logger.Error().Str("pair", pair).Err(err).Msg("Fan-out failed")
			continue
		}
		if len(plans) == 0 {
			continue
		}

		sum := o.executor.ExecuteTradesDirect(ctx, plans)
		o.logger.Info().
			Str("pair", pair).
			Int("executed", sum.Executed).
			Int("skipped", sum.Skipped).
			Int("failed", sum.Failed).
			Msg("Trade decision executed")
		if sum.Executed > 0 {
			o.reloadOpenTrades(ctx)
		}
	}
}

func (o *Orchestrator) closeTradeAs(ctx context.Context, trade *database.Trade, price float64, reason string, netPct float64) {
	err := o.executor.ClosePosition(ctx, trade, price, reason)
	switch {
	case errors.Is(err, database.ErrTradeAlreadyClosed):
		o.logger.Debug().Int64("trade_id", trade.ID).Msg("Trade already closed by a concurrent pass")
	case errors.Is(err, database.ErrProfitProtectionInvalid):
		o.logger.Warn().Int64("trade_id", trade.ID).Str("exit_reason", reason).Float64("net_pct", netPct).Msg("Profit-protection close rejected for red trade")
		return
	case err != nil:
		o.logger.Error().Int64("trade_id", trade.ID).Err(err).Msg("Close failed")
		return
	}
	o.afterClose(ctx, trade, netPct, reason)
}

func (o *Orchestrator) handleCloseRequest(ctx context.Context, req position.CloseRequest) {
	trade := o.openTrade(req.TradeID)
	if trade == nil {
		o.logger.Debug().Int64("trade_id", req.TradeID).Msg("Close request for unknown trade")
		return
	}
	o.closeTradeAs(ctx, trade, req.CurrentPrice, req.ExitReason, req.NetProfitPct)
}

// afterClose releases in-memory state and books the pair outcome for the
// loss-cooldown ladder.
func (o *Orchestrator) afterClose(ctx context.Context, trade *database.Trade, pnlPct float64, reason string) {
	o.tracker.ClearPosition(ctx, trade.ID)
	o.momentum.Forget(trade.ID)

	o.mu.Lock()
	delete(o.openTrades, trade.ID)
	user := o.botUsers[trade.BotInstanceID]

	if pnlPct < 0 {
		o.lossStreaks[trade.Pair]++
		streak := o.lossStreaks[trade.Pair]
		cooldown := o.cfg.RiskConfig.LossCooldownBase * time.Duration(min(streak, 3))
		if streak >= o.cfg.RiskConfig.MaxLossStreak {
			cooldown = time.Duration(o.cfg.RiskConfig.LossCooldownHours) * time.Hour
		}
		o.cooldownUntil[trade.Pair] = time.Now().UTC().Add(cooldown)
	} else {
		delete(o.lossStreaks, trade.Pair)
		delete(o.cooldownUntil, trade.Pair)
	}
	o.mu.Unlock()

	if user != "" {
		o.notifier.TradeClosed(ctx, user, trade.Pair, pnlPct, reason)
	}
}

func (o *Orchestrator) rejectSignal(ctx context.Context, pair, stage, reason string) {
	monitoring.RecordSignalRejection(stage)
	rej := &database.SignalRejection{
		Pair:      pair,
		Stage:     stage,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if err := o.store.SaveSignalRejection(ctx, rej); err != nil {
		o.logger.Warn().Str("pair", pair).Err(err).Msg("Rejection audit write failed")
	}
}

// netProfitPct is the NET profit in percent: gross price move minus the
// entry fee and the assumed exit taker fee. All exit thresholds compare
// against net, never gross.
func (o *Orchestrator) netProfitPct(trade *database.Trade, price float64) float64 {
	if trade.EntryPrice <= 0 {
		return 0
	}
	gross := (price - trade.EntryPrice) / trade.EntryPrice * 100

	entryFeePct := 0.0
	if notional := trade.EntryPrice * trade.Quantity; notional > 0 {
		entryFeePct = trade.Fee / notional * 100
	}
	return gross - entryFeePct - o.cfg.ExitConfig.TakerFeePct
}

// exitRegimeLabel is the label exit rules evaluate against. A pair in the
// transitioning ADX band overrides the detector, which never labels a pair
// transitioning, so the transitioning erosion cap and profit target apply.
func (o *Orchestrator) exitRegimeLabel(pair string, ind marketdata.Indicators) string {
	if o.risk.IsTransitioning(ind) {
		return regime.RegimeTransitioning
	}
	return o.regimeLabel(pair)
}

func (o *Orchestrator) regimeLabel(pair string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.lastRegimes[pair]; ok {
		return c.Regime
	}
	return regime.RegimeChoppy
}

func (o *Orchestrator) inCooldown(pair string, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	until, ok := o.cooldownUntil[pair]
	return ok && now.Before(until)
}

// allBotsHolding reports whether every eligible bot trading the pair already
// holds a position on it, in which case analysis is wasted effort.
func (o *Orchestrator) allBotsHolding(pair string, bots []*database.BotInstance) bool {
	var interested int
	for _, bot := range bots {
		for _, p := range bot.EnabledPairs {
			if marketdata.NormalizePair(p) == pair {
				interested++
				break
			}
		}
	}
	if interested == 0 {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	holders := make(map[int64]bool)
	for _, trade := range o.openTrades {
		if trade.Pair == pair {
			holders[trade.BotInstanceID] = true
		}
	}
	return len(holders) >= interested
}

func (o *Orchestrator) setOpenTrades(trades []*database.Trade) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openTrades = make(map[int64]*database.Trade, len(trades))
	for _, t := range trades {
		o.openTrades[t.ID] = t
	}
}

func (o *Orchestrator) reloadOpenTrades(ctx context.Context) {
	open, err := o.store.GetOpenTrades(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Open trade reload failed")
		return
	}
	o.setOpenTrades(open)
}

func (o *Orchestrator) snapshotOpenTrades() []*database.Trade {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*database.Trade, 0, len(o.openTrades))
	for _, t := range o.openTrades {
		out = append(out, t)
	}
	return out
}

func (o *Orchestrator) openTrade(tradeID int64) *database.Trade {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.openTrades[tradeID]
}

func (o *Orchestrator) setRegimes(classifications map[string]regime.Classification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for pair, c := range classifications {
		o.lastRegimes[pair] = c
	}
}

func (o *Orchestrator) setLastAnalysis(pair string, a *signal.AnalysisResult) {
	o.mu.Lock()
	o.analyses[pair] = a
	o.mu.Unlock()
}

func (o *Orchestrator) lastAnalysis(pair string) *signal.AnalysisResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.analyses[pair]
}

func (o *Orchestrator) rememberBotUsers(bots []*database.BotInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, bot := range bots {
		o.botUsers[bot.ID] = bot.UserID
	}
}

// activePairs is the union of eligible bots' enabled pairs and open-trade
// pairs, normalized and deduplicated.
func activePairs(bots []*database.BotInstance, open []*database.Trade) []string {
	seen := make(map[string]bool)
	var pairs []string
	add := func(pair string) {
		p := marketdata.NormalizePair(pair)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		pairs = append(pairs, p)
	}
	for _, bot := range bots {
		for _, p := range bot.EnabledPairs {
			add(p)
		}
	}
	for _, t := range open {
		add(t.Pair)
	}
	return pairs
}
