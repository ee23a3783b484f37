package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/marketdata"
	"spot-trading-engine/internal/pubsub"
)

// Subscriber is the pub-sub slice the workers need.
type Subscriber interface {
	Subscribe(channel string, handler pubsub.Handler) func()
}

// TickHandler reacts to one distributed price tick. Handlers run on the
// worker goroutine, never on the bus listen goroutine.
type TickHandler func(ctx context.Context, update marketdata.PriceUpdate)

// TradeWorker drives one pair off the distributed price feed instead of the
// slow tick. Ticks are latest-wins: a worker that falls behind evaluates the
// newest price and drops the ones in between. Cross-process duplication is
// harmless because trade creation is idempotent and closes are serialized by
// the store.
type TradeWorker struct {
	pair    string
	bus     Subscriber
	handler TickHandler
	logger  zerolog.Logger

	// minInterval throttles evaluation; a busy pair ticks far faster than
	// decisions need to be made.
	minInterval time.Duration

	updates chan marketdata.PriceUpdate
	unsub   func()
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTradeWorker builds a worker for one pair.
func NewTradeWorker(pair string, bus Subscriber, minInterval time.Duration, handler TickHandler, logger zerolog.Logger) *TradeWorker {
	return &TradeWorker{
		pair:        marketdata.NormalizePair(pair),
		bus:         bus,
		handler:     handler,
		logger:      logger.With().Str("component", "worker").Str("pair", pair).Logger(),
		minInterval: minInterval,
		updates:     make(chan marketdata.PriceUpdate, 1),
		done:        make(chan struct{}),
	}
}

// Start subscribes to the pair's price channel and launches the evaluation
// goroutine.
func (w *TradeWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.unsub = w.bus.Subscribe(pubsub.PriceChannel(w.pair), w.enqueue)
	go w.run(ctx)
}

// Stop unsubscribes and waits for the evaluation goroutine to exit.
func (w *TradeWorker) Stop() {
	if w.unsub != nil {
		w.unsub()
	}
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// enqueue runs on the bus listen goroutine and must not block: it replaces
// any pending update with the newer one.
func (w *TradeWorker) enqueue(msg pubsub.Message) {
	var update marketdata.PriceUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		w.logger.Warn().Err(err).Msg("Malformed price tick dropped")
		return
	}
	if marketdata.NormalizePair(update.Pair) != w.pair {
		return
	}

	for {
		select {
		case w.updates <- update:
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}

func (w *TradeWorker) run(ctx context.Context) {
	defer close(w.done)
	var lastEval time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-w.updates:
			if since := time.Since(lastEval); since < w.minInterval {
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.minInterval - since):
				}
			}
			lastEval = time.Now()
			w.handler(ctx, update)
		}
	}
}

// WorkerPool keeps one worker per tracked pair, starting and stopping them
// as the pair set changes between ticks.
type WorkerPool struct {
	bus         Subscriber
	handler     TickHandler
	minInterval time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	workers map[string]*TradeWorker
}

// NewWorkerPool builds an empty pool.
func NewWorkerPool(bus Subscriber, minInterval time.Duration, handler TickHandler, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		bus:         bus,
		handler:     handler,
		minInterval: minInterval,
		logger:      logger.With().Str("component", "worker_pool").Logger(),
		workers:     make(map[string]*TradeWorker),
	}
}

// Ensure reconciles the running workers against the wanted pair set.
func (p *WorkerPool) Ensure(ctx context.Context, pairs []string) {
	wanted := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		wanted[marketdata.NormalizePair(pair)] = true
	}

	p.mu.Lock()
	var stopped []*TradeWorker
	for pair, worker := range p.workers {
		if !wanted[pair] {
			stopped = append(stopped, worker)
			delete(p.workers, pair)
		}
	}
	for pair := range wanted {
		if _, ok := p.workers[pair]; ok {
			continue
		}
		worker := NewTradeWorker(pair, p.bus, p.minInterval, p.handler, p.logger)
		p.workers[pair] = worker
		worker.Start(ctx)
		p.logger.Debug().Str("pair", pair).Msg("Worker started")
	}
	p.mu.Unlock()

	for _, worker := range stopped {
		worker.Stop()
	}
}

// Stop stops every worker and empties the pool.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[string]*TradeWorker)
	p.mu.Unlock()

	for _, worker := range workers {
		worker.Stop()
	}
}
