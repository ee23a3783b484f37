package main

import (
	"context"
	"encoding/json"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/engine"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/execution"
	"spot-trading-engine/internal/logging"
	"spot-trading-engine/internal/marketdata"
	"spot-trading-engine/internal/monitoring"
	"spot-trading-engine/internal/notification"
	"spot-trading-engine/internal/position"
	"spot-trading-engine/internal/pubsub"
	"spot-trading-engine/internal/regime"
	"spot-trading-engine/internal/risk"
	"spot-trading-engine/internal/signal"
	"spot-trading-engine/internal/stream"
)

// paperStartingBalance seeds the simulated wallet for paper bots without a
// configured capital.
const paperStartingBalance = 10000.0

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.New(cfg.LoggingConfig)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Migrations failed")
	}
	repo := database.NewRepository(db)

	cacheSvc := cache.NewCacheService(cfg.RedisConfig, logger)
	defer cacheSvc.Close()

	bus := pubsub.NewBus(db.Pool, logger)
	bus.Start(ctx)
	defer bus.Stop()

	limiter := exchange.NewRateLimiter(cfg.ExchangeConfig.RequestsPerMinute)
	binance := exchange.NewBinanceAdapter(
		cfg.ExchangeConfig.RESTBaseURL,
		os.Getenv("BINANCE_API_KEY"),
		os.Getenv("BINANCE_API_SECRET"),
		limiter, logger,
	)
	paper := exchange.NewPaperAdapter(binance, paperStartingBalance, cfg.ExitConfig.TakerFeePct)

	aggregator := marketdata.NewAggregator(binance, cacheSvc, cfg.EngineConfig, cfg.ExchangeConfig, logger)
	aggregator.Start(ctx)
	defer aggregator.Stop()

	detector := regime.NewDetector(aggregator, repo, cfg.EngineConfig.RegimeCacheTTL, logger)
	riskMgr := risk.NewManager(cfg.RiskConfig, logger)
	tracker := position.NewTracker(cfg.ExitConfig, repo, logger)
	momentum := position.NewMomentumDetector()
	notifier := notification.NewNotifier(repo, logger)

	var signals signal.Source
	if cfg.SignalConfig.URL != "" {
		signals = signal.NewHTTPSource(cfg.SignalConfig.URL, cfg.SignalConfig.APIKey, cfg.SignalConfig.Timeout, logger)
	} else {
		logger.Warn().Msg("No signal service configured, using the built-in technical source")
		signals = signal.NewTechnicalSource()
	}

	resolver := func(bot *database.BotInstance) (exchange.Adapter, error) {
		if bot.TradingMode == database.TradingModeLive {
			return binance, nil
		}
		return paper, nil
	}
	fanOut := execution.NewFanOut(repo, aggregator, resolver, cfg.RiskConfig, cfg.ExitConfig, logger)

	orch := engine.NewOrchestrator(cfg, repo, aggregator, detector, riskMgr, tracker, momentum, signals, fanOut, notifier, logger)
	fanOut.SetPreservationFunc(orch.PreservationFor)

	// The leader owns the exchange websocket; followers consume ticks from
	// the distributed channel instead.
	priceStream := stream.NewPriceStream(cfg.ExchangeConfig.StreamURL, cfg.StreamConfig, cacheSvc, bus, logger)
	priceStream.OnTick(aggregator.ApplyPriceUpdate)

	leader := stream.NewLeader(cacheSvc, cfg.StreamConfig.LeaderLeaseTTL, logger)
	leader.OnElected(func() { priceStream.Start(ctx) })
	leader.OnDemoted(priceStream.Stop)
	leader.Start(ctx)

	pairs := newPairSync(repo, bus, priceStream, aggregator, logger)
	pairs.start(ctx, cfg.EngineConfig.MainTickInterval)

	var metrics *monitoring.Server
	if cfg.MetricsConfig.Enabled {
		metrics = monitoring.NewServer(cfg.MetricsConfig.Address, logger)
		metrics.Start()
	}

	orch.Start(ctx)
	logger.Info().Str("instance_id", leader.InstanceID()).Msg("Trading engine started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	orch.Stop()
	pairs.stop()
	leader.Stop(shutdownCtx)
	if leader.IsLeader() {
		priceStream.Stop()
	}
	if err := tracker.FlushPendingUpdates(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Final peak flush failed")
	}
	if metrics != nil {
		_ = metrics.Stop(shutdownCtx)
	}
	logger.Info().Msg("Trading engine stopped")
}

// pairSync keeps the stream registry, the aggregator's tracked set, and the
// per-pair bus subscriptions aligned with the eligible bots' enabled pairs.
type pairSync struct {
	repo       *database.Repository
	bus        *pubsub.Bus
	stream     *stream.PriceStream
	aggregator *marketdata.Aggregator
	logger     zerolog.Logger

	mu     sync.Mutex
	unsubs map[string]func()

	cancel context.CancelFunc
	done   chan struct{}
}

func newPairSync(repo *database.Repository, bus *pubsub.Bus, ps *stream.PriceStream, agg *marketdata.Aggregator, logger zerolog.Logger) *pairSync {
	return &pairSync{
		repo:       repo,
		bus:        bus,
		stream:     ps,
		aggregator: agg,
		logger:     logger.With().Str("component", "pair_sync").Logger(),
		unsubs:     make(map[string]func()),
	}
}

func (s *pairSync) start(ctx context.Context, interval time.Duration) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.reconcile(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcile(ctx)
			}
		}
	}()
}

func (s *pairSync) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *pairSync) reconcile(ctx context.Context) {
	bots, err := s.repo.GetEligibleBots(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Pair reconcile skipped")
		return
	}
	open, err := s.repo.GetOpenTrades(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Pair reconcile skipped")
		return
	}

	wanted := make(map[string]bool)
	for _, bot := range bots {
		for _, p := range bot.EnabledPairs {
			wanted[marketdata.NormalizePair(p)] = true
		}
	}
	for _, t := range open {
		wanted[marketdata.NormalizePair(t.Pair)] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for pair, unsub := range s.unsubs {
		if !wanted[pair] {
			unsub()
			delete(s.unsubs, pair)
			s.stream.Unsubscribe(pair)
			s.aggregator.Untrack(pair)
			s.logger.Debug().Str("pair", pair).Msg("Pair released")
		}
	}
	for pair := range wanted {
		if _, ok := s.unsubs[pair]; ok {
			continue
		}
		s.aggregator.Track(pair)
		s.stream.Subscribe(pair)
		s.unsubs[pair] = s.bus.Subscribe(pubsub.PriceChannel(pair), s.applyTick)
		s.logger.Debug().Str("pair", pair).Msg("Pair tracked")
	}
}

// applyTick feeds distributed ticks into the local market-data mirror. On
// the leader instance the stream's local handler already applied the same
// tick; re-applying it is a harmless overwrite with identical values.
func (s *pairSync) applyTick(msg pubsub.Message) {
	var update marketdata.PriceUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed distributed tick dropped")
		return
	}
	s.aggregator.ApplyPriceUpdate(update)
}
