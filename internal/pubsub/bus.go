// Package pubsub implements cross-instance messaging over PostgreSQL
// NOTIFY/LISTEN. Every engine instance shares the database already, so the
// bus needs no extra broker; the stream leader publishes price ticks and the
// followers receive them here.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// maxPayloadBytes is the PostgreSQL NOTIFY payload limit.
const maxPayloadBytes = 8000

// reconnectDelay is how long the listen loop waits before redialing.
const reconnectDelay = 5 * time.Second

// Message is one delivered notification.
type Message struct {
	Channel string
	Payload []byte
}

// Handler receives messages for a subscribed channel. Handlers run on the
// listen goroutine and must not block.
type Handler func(msg Message)

type subscription struct {
	id      int64
	handler Handler
}

// Bus is a NOTIFY/LISTEN pub-sub bus. Publishing uses the shared pool;
// listening holds one dedicated connection that LISTENs on every channel with
// at least one subscriber.
type Bus struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[string][]subscription // channel -> subscribers
	// pending carries LISTEN/UNLISTEN requests to the listen loop.
	pending chan string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBus creates the bus. Start must be called before messages flow.
func NewBus(pool *pgxpool.Pool, logger zerolog.Logger) *Bus {
	return &Bus{
		pool:    pool,
		logger:  logger.With().Str("component", "pubsub").Logger(),
		subs:    make(map[string][]subscription),
		pending: make(chan string, 64),
	}
}

// SanitizeChannel lowercases a channel name and replaces every character
// outside [a-z0-9_] with an underscore, so pairs like "BTC/USDT" become
// valid identifiers ("price_btc_usdt").
func SanitizeChannel(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// PriceChannel returns the tick channel for a pair, e.g.
// "price_updates_btc_usdt" for BTC/USDT.
func PriceChannel(pair string) string {
	return SanitizeChannel("price_updates_" + pair)
}

// Publish sends a JSON payload on a channel. Payloads over the NOTIFY limit
// are rejected; publishers send compact per-pair messages, never batches.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if len(data) > maxPayloadBytes {
		return fmt.Errorf("payload of %d bytes exceeds notify limit on %q", len(data), channel)
	}

	channel = SanitizeChannel(channel)
	_, err = b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(data))
	return err
}

// Subscribe registers a handler on a channel and returns an unsubscribe
// function. The first subscriber on a channel triggers LISTEN, the last
// unsubscribe triggers UNLISTEN.
func (b *Bus) Subscribe(channel string, handler Handler) func() {
	channel = SanitizeChannel(channel)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	first := len(b.subs[channel]) == 0
	b.subs[channel] = append(b.subs[channel], subscription{id: id, handler: handler})
	b.mu.Unlock()

	if first {
		b.requestRelisten(channel)
	}

	return func() {
		b.mu.Lock()
		list := b.subs[channel]
		for i, s := range list {
			if s.id == id {
				b.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		last := len(b.subs[channel]) == 0
		if last {
			delete(b.subs, channel)
		}
		b.mu.Unlock()

		if last {
			b.requestRelisten(channel)
		}
	}
}

func (b *Bus) requestRelisten(channel string) {
	select {
	case b.pending <- channel:
	default:
		// Queue full; the listen loop reconciles the full set on its next pass.
	}
}

// Start launches the listen loop. It holds a dedicated connection, re-LISTENs
// the full subscription set after every reconnect, and dispatches payloads.
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := b.listenLoop(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("Listener connection lost, reconnecting")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
}

// Stop shuts the listen loop down and waits for it to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
}

func (b *Bus) listenLoop(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// Hijack so the pool never hands this connection to a query while it is
	// in LISTEN mode.
	raw := conn.Hijack()
	defer raw.Close(context.Background())

	if err := b.listenAll(ctx, raw); err != nil {
		return err
	}
	b.logger.Info().Msg("Listener connected")

	for {
		// Drain pending LISTEN/UNLISTEN changes before blocking.
		for drained := false; !drained; {
			select {
			case ch := <-b.pending:
				if err := b.syncChannel(ctx, raw, ch); err != nil {
					return err
				}
			default:
				drained = true
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		notification, err := raw.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				continue // periodic wakeup to service pending changes
			}
			return err
		}

		b.dispatch(notification)
	}
}

func (b *Bus) listenAll(ctx context.Context, conn *pgx.Conn) error {
	b.mu.Lock()
	channels := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return nil
}

func (b *Bus) syncChannel(ctx context.Context, conn *pgx.Conn, channel string) error {
	b.mu.Lock()
	_, active := b.subs[channel]
	b.mu.Unlock()

	verb := "UNLISTEN "
	if active {
		verb = "LISTEN "
	}
	if _, err := conn.Exec(ctx, verb+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("%s%s: %w", strings.ToLower(verb), channel, err)
	}
	return nil
}

func (b *Bus) dispatch(n *pgconn.Notification) {
	b.mu.Lock()
	list := append([]subscription(nil), b.subs[n.Channel]...)
	b.mu.Unlock()

	msg := Message{Channel: n.Channel, Payload: []byte(n.Payload)}
	for _, s := range list {
		s.handler(msg)
	}
}
