// Package notification queues owner-facing messages through the database.
// A separate delivery worker outside this engine drains the queue.
package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/database"
)

// Notification kinds.
const (
	KindBotAutoPaused = "bot_auto_paused"
	KindTradeClosed   = "trade_closed"
)

// Store is the persistence slice the notifier needs.
type Store interface {
	CreateNotification(ctx context.Context, n *database.Notification) error
}

// Notifier writes queued notifications. Failures are logged and swallowed;
// a lost notice never blocks the trading loop.
type Notifier struct {
	store  Store
	logger zerolog.Logger
}

// NewNotifier builds the notifier.
func NewNotifier(store Store, logger zerolog.Logger) *Notifier {
	return &Notifier{
		store:  store,
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

// BotAutoPaused queues the notice sent when a bot is paused for an invalid
// subscription.
func (n *Notifier) BotAutoPaused(ctx context.Context, userID string, botID int64) {
	n.enqueue(ctx, &database.Notification{
		UserID:  userID,
		Kind:    KindBotAutoPaused,
		Message: fmt.Sprintf("Bot %d was paused because your subscription is no longer active. Open positions remain monitored and will be closed by the normal exit rules.", botID),
	})
}

// TradeClosed queues a close notice for the trade owner.
func (n *Notifier) TradeClosed(ctx context.Context, userID, pair string, pnlPct float64, exitReason string) {
	n.enqueue(ctx, &database.Notification{
		UserID:  userID,
		Kind:    KindTradeClosed,
		Message: fmt.Sprintf("Closed %s at %+.2f%% (%s).", pair, pnlPct, exitReason),
	})
}

func (n *Notifier) enqueue(ctx context.Context, note *database.Notification) {
	if err := n.store.CreateNotification(ctx, note); err != nil {
		n.logger.Warn().Str("kind", note.Kind).Str("user_id", note.UserID).Err(err).Msg("Notification enqueue failed")
	}
}
