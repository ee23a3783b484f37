package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/circuit"
	"spot-trading-engine/internal/exchange"
	"spot-trading-engine/internal/marketdata"
	"spot-trading-engine/internal/monitoring"
	"spot-trading-engine/internal/pubsub"
)

// StreamState is the connection state machine.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
	StateFailed       StreamState = "failed"
)

// TickPublisher distributes ticks to the other engine instances.
type TickPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// TickCache stores the latest price for followers to read.
type TickCache interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// TickHandler receives ticks locally, on the stream goroutine.
type TickHandler func(update marketdata.PriceUpdate)

// PriceStream owns the exchange websocket on the leader instance. The
// subscription registry survives reconnects; every accepted connection
// resubscribes the full set.
type PriceStream struct {
	url     string
	cfg     config.StreamConfig
	cache   TickCache
	bus     TickPublisher
	breaker *circuit.Breaker
	logger  zerolog.Logger

	mu          sync.Mutex
	state       StreamState
	conn        *websocket.Conn
	subscribed  map[string]string // symbol (lowercase) -> canonical pair
	handlers    []TickHandler
	intentional bool
	msgSeq      int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPriceStream builds the stream client.
func NewPriceStream(url string, cfg config.StreamConfig, tc TickCache, bus TickPublisher, logger zerolog.Logger) *PriceStream {
	if url == "" {
		url = "wss://stream.binance.com:9443/ws"
	}
	return &PriceStream{
		url:        url,
		cfg:        cfg,
		cache:      tc,
		bus:        bus,
		breaker:    circuit.NewBreaker(cfg.FailureThreshold, cfg.BreakerTimeout),
		logger:     logger.With().Str("component", "price_stream").Logger(),
		state:      StateDisconnected,
		subscribed: make(map[string]string),
	}
}

// State returns the connection state.
func (ps *PriceStream) State() StreamState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// OnTick registers a local tick handler.
func (ps *PriceStream) OnTick(h TickHandler) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.handlers = append(ps.handlers, h)
}

// Subscribe adds pairs to the registry and, when connected, sends live
// SUBSCRIBE frames.
func (ps *PriceStream) Subscribe(pairs ...string) {
	ps.mu.Lock()
	var added []string
	for _, p := range pairs {
		pair := marketdata.NormalizePair(p)
		symbol := strings.ToLower(exchange.Symbol(pair))
		if _, ok := ps.subscribed[symbol]; !ok {
			ps.subscribed[symbol] = pair
			added = append(added, symbol)
		}
	}
	conn := ps.conn
	connected := ps.state == StateConnected
	ps.mu.Unlock()

	if connected && len(added) > 0 {
		ps.sendSubscribe(conn, "SUBSCRIBE", added)
	}
}

// Unsubscribe removes pairs from the registry.
func (ps *PriceStream) Unsubscribe(pairs ...string) {
	ps.mu.Lock()
	var removed []string
	for _, p := range pairs {
		symbol := strings.ToLower(exchange.Symbol(marketdata.NormalizePair(p)))
		if _, ok := ps.subscribed[symbol]; ok {
			delete(ps.subscribed, symbol)
			removed = append(removed, symbol)
		}
	}
	conn := ps.conn
	connected := ps.state == StateConnected
	ps.mu.Unlock()

	if connected && len(removed) > 0 {
		ps.sendSubscribe(conn, "UNSUBSCRIBE", removed)
	}
}

// Start runs the connect loop until Stop is called or the breaker gives up.
func (ps *PriceStream) Start(ctx context.Context) {
	ctx, ps.cancel = context.WithCancel(ctx)
	ps.done = make(chan struct{})
	ps.mu.Lock()
	ps.intentional = false
	ps.mu.Unlock()

	go ps.run(ctx)
}

// Stop disconnects intentionally; no reconnect follows.
func (ps *PriceStream) Stop() {
	ps.mu.Lock()
	ps.intentional = true
	conn := ps.conn
	ps.mu.Unlock()

	if ps.cancel != nil {
		ps.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if ps.done != nil {
		<-ps.done
	}
	ps.setState(StateDisconnected)
}

func (ps *PriceStream) run(ctx context.Context) {
	defer close(ps.done)

	delay := ps.cfg.ReconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if !ps.breaker.Allow() {
			ps.setState(StateFailed)
			select {
			case <-ctx.Done():
				return
			case <-time.After(ps.cfg.BreakerTimeout):
			}
			continue
		}

		ps.setState(StateConnecting)
		err := ps.connectAndRead(ctx)

		ps.mu.Lock()
		intentional := ps.intentional
		ps.mu.Unlock()
		if intentional || ctx.Err() != nil {
			return
		}

		if err != nil {
			ps.breaker.RecordFailure()
			monitoring.RecordStreamReconnect()
			ps.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Stream disconnected, reconnecting")
		}

		ps.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > ps.cfg.ReconnectMaxDelay {
			delay = ps.cfg.ReconnectMaxDelay
		}
		if ps.breaker.State() == circuit.StateClosed {
			// A healthy stretch resets the backoff along with the breaker.
			delay = ps.cfg.ReconnectMinDelay
		}
	}
}

func (ps *PriceStream) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ps.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ps.url, err)
	}
	defer conn.Close()

	ps.mu.Lock()
	ps.conn = conn
	symbols := make([]string, 0, len(ps.subscribed))
	for s := range ps.subscribed {
		symbols = append(symbols, s)
	}
	ps.mu.Unlock()

	if len(symbols) > 0 {
		if err := ps.sendSubscribe(conn, "SUBSCRIBE", symbols); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	ps.breaker.RecordSuccess()
	ps.setState(StateConnected)
	ps.logger.Info().Int("pairs", len(symbols)).Msg("Price stream connected")

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			ps.mu.Lock()
			ps.conn = nil
			ps.mu.Unlock()
			return err
		}
		ps.handleMessage(ctx, data)
	}
}

func (ps *PriceStream) sendSubscribe(conn *websocket.Conn, method string, symbols []string) error {
	if conn == nil {
		return nil
	}
	params := make([]string, len(symbols))
	for i, s := range symbols {
		params[i] = s + "@miniTicker"
	}
	ps.mu.Lock()
	ps.msgSeq++
	id := ps.msgSeq
	ps.mu.Unlock()

	msg := map[string]any{"method": method, "params": params, "id": id}
	return conn.WriteJSON(msg)
}

// tickerEvent is the Binance 24h ticker payload. The mini variant lacks
// bid/ask; both decode here.
type tickerEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	Volume    string `json:"q"` // quote asset volume
	EventTime int64  `json:"E"`
}

// handleMessage decodes a ticker event, translates the exchange symbol back
// to the canonical pair, and fans the tick out to cache, bus and local
// handlers.
func (ps *PriceStream) handleMessage(ctx context.Context, data []byte) {
	var event tickerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	if event.EventType != "24hrTicker" && event.EventType != "24hrMiniTicker" {
		return // subscribe acks and unrelated events
	}

	ps.mu.Lock()
	pair, ok := ps.subscribed[strings.ToLower(event.Symbol)]
	handlers := append([]TickHandler(nil), ps.handlers...)
	ps.mu.Unlock()
	if !ok {
		return
	}

	price, err := strconv.ParseFloat(event.Close, 64)
	if err != nil || price <= 0 {
		return
	}
	volume, _ := strconv.ParseFloat(event.Volume, 64)
	bid, _ := strconv.ParseFloat(event.Bid, 64)
	ask, _ := strconv.ParseFloat(event.Ask, 64)

	update := marketdata.PriceUpdate{
		Pair:      pair,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume24h: volume,
		Timestamp: time.UnixMilli(event.EventTime).UTC(),
	}

	if ps.cache != nil {
		if err := ps.cache.SetJSON(ctx, cache.LatestPriceKey(pair), update, cache.LatestPriceTTL); err != nil {
			ps.logger.Debug().Str("pair", pair).Err(err).Msg("Latest price cache write failed")
		}
	}
	if ps.bus != nil {
		if err := ps.bus.Publish(ctx, pubsub.PriceChannel(pair), update); err != nil {
			ps.logger.Debug().Str("pair", pair).Err(err).Msg("Tick publish failed")
		}
	}
	for _, h := range handlers {
		h(update)
	}
}

func (ps *PriceStream) setState(state StreamState) {
	ps.mu.Lock()
	changed := ps.state != state
	ps.state = state
	ps.mu.Unlock()
	if changed {
		ps.logger.Debug().Str("state", string(state)).Msg("Stream state changed")
	}
}
