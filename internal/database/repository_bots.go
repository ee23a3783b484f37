package database

import (
	"context"
)

// ============================================================================
// BOT INSTANCES
// ============================================================================

// GetEligibleBots returns running bots whose owner has an active or trialing
// subscription. This is the fan-out eligibility set.
func (r *Repository) GetEligibleBots(ctx context.Context) ([]*BotInstance, error) {
	query := `
		SELECT b.id, b.user_id, b.exchange, b.enabled_pairs, b.status, b.trading_mode, b.config, b.created_at, b.updated_at
		FROM bot_instances b
		JOIN subscriptions s ON s.user_id = b.user_id
		WHERE b.status = 'running' AND s.status IN ('active', 'trialing')
		ORDER BY b.id
	`
	return r.queryBots(ctx, query)
}

// GetRunningBotsWithInvalidSubscription returns running bots whose owner no
// longer has a valid subscription. The orchestrator auto-pauses these.
func (r *Repository) GetRunningBotsWithInvalidSubscription(ctx context.Context) ([]*BotInstance, error) {
	query := `
		SELECT b.id, b.user_id, b.exchange, b.enabled_pairs, b.status, b.trading_mode, b.config, b.created_at, b.updated_at
		FROM bot_instances b
		LEFT JOIN subscriptions s ON s.user_id = b.user_id
		WHERE b.status = 'running'
		  AND (s.user_id IS NULL OR s.status NOT IN ('active', 'trialing'))
		ORDER BY b.id
	`
	return r.queryBots(ctx, query)
}

// GetBotInstance loads one bot by id
func (r *Repository) GetBotInstance(ctx context.Context, botID int64) (*BotInstance, error) {
	query := `
		SELECT id, user_id, exchange, enabled_pairs, status, trading_mode, config, created_at, updated_at
		FROM bot_instances WHERE id = $1
	`
	bots, err := r.queryBots(ctx, query, botID)
	if err != nil {
		return nil, err
	}
	if len(bots) == 0 {
		return nil, nil
	}
	return bots[0], nil
}

// PauseBot flips a bot to paused. Open trades are untouched; the exit passes
// keep monitoring them until they close on their own rules.
func (r *Repository) PauseBot(ctx context.Context, botID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bot_instances SET status = 'paused' WHERE id = $1`, botID)
	return err
}

func (r *Repository) queryBots(ctx context.Context, query string, args ...any) ([]*BotInstance, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*BotInstance
	for rows.Next() {
		bot := &BotInstance{}
		err := rows.Scan(
			&bot.ID, &bot.UserID, &bot.Exchange, &bot.EnabledPairs,
			&bot.Status, &bot.TradingMode, &bot.Config, &bot.CreatedAt, &bot.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// CreateNotification queues an owner-facing message
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (user_id, kind, message)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	return r.db.Pool.QueryRow(ctx, query, n.UserID, n.Kind, n.Message).Scan(&n.ID)
}
