package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bot status values
const (
	BotStatusRunning = "running"
	BotStatusPaused  = "paused"
)

// Trading modes
const (
	TradingModePaper = "paper"
	TradingModeLive  = "live"
)

// Trade status values
const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// Subscription statuses that permit trading
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
)

// PyramidLevel statuses
const (
	PyramidPending = "pending_execution"
	PyramidFilled  = "filled"
	PyramidFailed  = "failed"
)

// BotInstance is a user-configured bot bound to an exchange and pair list
type BotInstance struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Exchange     string    `json:"exchange"`
	EnabledPairs []string  `json:"enabled_pairs"`
	Status       string    `json:"status"`
	TradingMode  string    `json:"trading_mode"`
	Config       BotConfig `json:"config"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BotConfig is the per-bot configuration stored as JSONB.
// InitialCapital 0 means unlimited (trade the full exchange balance minus the
// safety buffer); the legacy string form "unlimited" is accepted on decode.
type BotConfig struct {
	InitialCapital float64 `json:"initial_capital"`
}

// UnmarshalJSON accepts both the numeric and the legacy "unlimited" forms.
func (c *BotConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		InitialCapital json.RawMessage `json:"initial_capital"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.InitialCapital) == 0 {
		c.InitialCapital = 0
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw.InitialCapital, &asString); err == nil {
		if asString == "unlimited" || asString == "" {
			c.InitialCapital = 0
			return nil
		}
		return fmt.Errorf("invalid initial_capital %q", asString)
	}

	var asNumber float64
	if err := json.Unmarshal(raw.InitialCapital, &asNumber); err != nil {
		return fmt.Errorf("invalid initial_capital: %w", err)
	}
	c.InitialCapital = asNumber
	return nil
}

// PyramidLevel is one add-on entry inside a trade, stored in pyramid_levels JSONB
type PyramidLevel struct {
	Level            int       `json:"level"`
	EntryPrice       float64   `json:"entry_price"`
	Quantity         float64   `json:"quantity"`
	EntryTime        time.Time `json:"entry_time"`
	TriggerProfitPct float64   `json:"trigger_profit_pct"`
	Status           string    `json:"status"`
	AIConfidence     float64   `json:"ai_confidence"`
}

// Trade is one bot position, open or closed
type Trade struct {
	ID                int64          `json:"id"`
	BotInstanceID     int64          `json:"bot_instance_id"`
	Pair              string         `json:"pair"`
	Side              string         `json:"side"`
	EntryPrice        float64        `json:"entry_price"`
	Quantity          float64        `json:"quantity"`
	EntryTime         time.Time      `json:"entry_time"`
	StopLoss          float64        `json:"stop_loss"`
	TakeProfit        float64        `json:"take_profit"`
	Fee               float64        `json:"fee"`
	PyramidLevels     []PyramidLevel `json:"pyramid_levels"`
	Status            string         `json:"status"`
	ExitPrice         *float64       `json:"exit_price,omitempty"`
	ExitTime          *time.Time     `json:"exit_time,omitempty"`
	ProfitLoss        *float64       `json:"profit_loss,omitempty"`
	ProfitLossPercent *float64       `json:"profit_loss_percent,omitempty"`
	ExitReason        *string        `json:"exit_reason,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key"`
	TradingMode       string         `json:"trading_mode"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IdempotencyKey builds the deterministic key for a fan-out execution:
// one trade per (bot, pair, side, second). Replays collide on the unique
// index and become no-ops.
func IdempotencyKey(botID int64, pair, side string, at time.Time) string {
	return fmt.Sprintf("%d:%s:%s:%d", botID, pair, side, at.UTC().Unix())
}

// MarketRegimeRow is one persisted regime classification
type MarketRegimeRow struct {
	ID         int64     `json:"id"`
	Pair       string    `json:"pair"`
	Timestamp  time.Time `json:"timestamp"`
	Regime     string    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

// PositionPeakRow mirrors the in-memory peak tracker state
type PositionPeakRow struct {
	TradeID           int64     `json:"trade_id"`
	Pair              string    `json:"pair"`
	EntryPrice        float64   `json:"entry_price"`
	Quantity          float64   `json:"quantity"`
	PeakPricePct      float64   `json:"peak_price_pct"`
	PeakPriceAbsolute float64   `json:"peak_price_absolute"`
	FeesAtPeak        float64   `json:"fees_at_peak"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SignalRejection is one audit row for a rejected entry signal
type SignalRejection struct {
	Pair      string         `json:"pair"`
	Stage     string         `json:"stage"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notification is a queued owner-facing message
type Notification struct {
	ID      int64  `json:"id"`
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Sent    bool   `json:"sent"`
}

// utcTimestamp forces a timestamp-without-zone value to be interpreted as
// UTC. Mixing locally-interpreted and UTC values has caused exit branches
// not to fire, so every scan of a zone-less column goes through here.
func utcTimestamp(t time.Time) time.Time {
	if t.Location() == time.UTC {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
