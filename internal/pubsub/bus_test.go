package pubsub

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeChannel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC/USDT", "btc_usdt"},
		{"price_BTC/USDT", "price_btc_usdt"},
		{"already_clean_42", "already_clean_42"},
		{"weird name!", "weird_name_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeChannel(tt.in))
	}
}

func TestPriceChannel(t *testing.T) {
	assert.Equal(t, "price_updates_eth_usdt", PriceChannel("ETH/USDT"))
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop())

	payload := map[string]string{"blob": strings.Repeat("x", maxPayloadBytes+1)}
	err := bus.Publish(context.Background(), "price_btc_usdt", payload)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "notify limit")
}

func TestSubscribeDispatchAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop())

	var got []string
	unsub := bus.Subscribe("price_BTC/USDT", func(msg Message) {
		got = append(got, string(msg.Payload))
	})

	// Handlers are registered under the sanitized name.
	bus.dispatch(&pgconn.Notification{Channel: "price_btc_usdt", Payload: "tick1"})
	assert.Equal(t, []string{"tick1"}, got)

	unsub()
	bus.dispatch(&pgconn.Notification{Channel: "price_btc_usdt", Payload: "tick2"})
	assert.Equal(t, []string{"tick1"}, got, "handler should not fire after unsubscribe")
}

func TestSubscribeRefCounting(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop())

	unsub1 := bus.Subscribe("price_btc_usdt", func(Message) {})
	unsub2 := bus.Subscribe("price_btc_usdt", func(Message) {})

	bus.mu.Lock()
	assert.Len(t, bus.subs["price_btc_usdt"], 2)
	bus.mu.Unlock()

	unsub1()
	bus.mu.Lock()
	assert.Len(t, bus.subs["price_btc_usdt"], 1)
	bus.mu.Unlock()

	unsub2()
	bus.mu.Lock()
	_, exists := bus.subs["price_btc_usdt"]
	bus.mu.Unlock()
	assert.False(t, exists, "channel entry should be removed with its last subscriber")
}
