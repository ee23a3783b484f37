package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Sentinel errors for the close contract. Callers treat both as "leave the
// peak tracker untouched; the next tick retries or gives up".
var (
	ErrTradeAlreadyClosed = errors.New("trade already closed")
	// ErrProfitProtectionInvalid is returned when a profit-protection exit
	// (erosion cap, profit target) arrives for a trade that has gone red.
	ErrProfitProtectionInvalid = errors.New("profit_protection_invalid_for_red_trade")
)

// Repository provides data access for trades, regimes, peaks and rejections
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts a new trade. The unique index on idempotency_key makes
// replays no-ops; the return value reports whether a row was actually written.
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) (bool, error) {
	levels, err := json.Marshal(trade.PyramidLevels)
	if err != nil {
		return false, fmt.Errorf("marshal pyramid levels: %w", err)
	}
	if trade.PyramidLevels == nil {
		levels = []byte("[]")
	}

	query := `
		INSERT INTO trades (bot_instance_id, pair, side, entry_price, quantity, entry_time,
		                    stop_loss, take_profit, fee, pyramid_levels, status, idempotency_key, trading_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'open', $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	err = r.db.Pool.QueryRow(
		ctx, query,
		trade.BotInstanceID, trade.Pair, trade.Side, trade.EntryPrice, trade.Quantity,
		trade.EntryTime.UTC(), trade.StopLoss, trade.TakeProfit, trade.Fee,
		levels, trade.IdempotencyKey, trade.TradingMode,
	).Scan(&trade.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil // conflict: an identical fan-out already landed
	}
	if err != nil {
		return false, err
	}
	trade.Status = TradeStatusOpen
	return true, nil
}

// CloseRequest is the trade-close contract payload
type CloseRequest struct {
	BotInstanceID     int64
	TradeID           int64
	Pair              string
	ExitTime          time.Time
	ExitPrice         float64
	ProfitLoss        float64
	ProfitLossPercent float64
	ExitReason        string
	UserID            string
}

// CloseTrade closes an open trade. It refuses to close an already-closed
// trade (ErrTradeAlreadyClosed) and refuses profit-protection exits for red
// trades (ErrProfitProtectionInvalid). Both exit passes and the peak tracker
// may race here; this is the serialisation point.
func (r *Repository) CloseTrade(ctx context.Context, req CloseRequest) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM trades WHERE id = $1 FOR UPDATE`, req.TradeID,
	).Scan(&status)
	if err != nil {
		return fmt.Errorf("load trade %d: %w", req.TradeID, err)
	}
	if status != TradeStatusOpen {
		return ErrTradeAlreadyClosed
	}

	if IsProfitProtectionExit(req.ExitReason) && req.ProfitLossPercent < 0 {
		return ErrProfitProtectionInvalid
	}

	_, err = tx.Exec(ctx, `
		UPDATE trades
		SET status = 'closed', exit_price = $2, exit_time = $3,
		    profit_loss = $4, profit_loss_percent = $5, exit_reason = $6
		WHERE id = $1
	`, req.TradeID, req.ExitPrice, req.ExitTime.UTC(), req.ProfitLoss, req.ProfitLossPercent, req.ExitReason)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const tradeColumns = `id, bot_instance_id, pair, side, entry_price, quantity, entry_time,
	stop_loss, take_profit, fee, pyramid_levels, status, exit_price, exit_time,
	profit_loss, profit_loss_percent, exit_reason, idempotency_key, trading_mode, created_at, updated_at`

// GetOpenTrades retrieves all open trades
func (r *Repository) GetOpenTrades(ctx context.Context) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'open' ORDER BY entry_time`
	return r.queryTrades(ctx, query)
}

// GetOpenTradesByPair retrieves open trades for one pair
func (r *Repository) GetOpenTradesByPair(ctx context.Context, pair string) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'open' AND pair = $1 ORDER BY entry_time`
	return r.queryTrades(ctx, query, pair)
}

// GetOpenTradeForBot returns the open trade for (bot, pair), or nil
func (r *Repository) GetOpenTradeForBot(ctx context.Context, botID int64, pair string) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'open' AND bot_instance_id = $1 AND pair = $2 LIMIT 1`
	trades, err := r.queryTrades(ctx, query, botID, pair)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return trades[0], nil
}

// GetRecentClosedTrades returns the bot's most recent closed trades, newest
// first, used to calibrate the Kelly sizer.
func (r *Repository) GetRecentClosedTrades(ctx context.Context, botID int64, limit int) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE status = 'closed' AND bot_instance_id = $1
		ORDER BY exit_time DESC LIMIT $2`
	return r.queryTrades(ctx, query, botID, limit)
}

// AddPyramidLevel appends a pyramid level to an open trade's JSONB list
func (r *Repository) AddPyramidLevel(ctx context.Context, tradeID int64, level PyramidLevel) error {
	data, err := json.Marshal(level)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trades
		SET pyramid_levels = pyramid_levels || $2::jsonb,
		    quantity = quantity + $3
		WHERE id = $1 AND status = 'open'
	`, tradeID, data, level.Quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTradeAlreadyClosed
	}
	return nil
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		var levels []byte
		err := rows.Scan(
			&trade.ID, &trade.BotInstanceID, &trade.Pair, &trade.Side, &trade.EntryPrice,
			&trade.Quantity, &trade.EntryTime, &trade.StopLoss, &trade.TakeProfit, &trade.Fee,
			&levels, &trade.Status, &trade.ExitPrice, &trade.ExitTime,
			&trade.ProfitLoss, &trade.ProfitLossPercent, &trade.ExitReason,
			&trade.IdempotencyKey, &trade.TradingMode, &trade.CreatedAt, &trade.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(levels) > 0 {
			if err := json.Unmarshal(levels, &trade.PyramidLevels); err != nil {
				return nil, fmt.Errorf("decode pyramid levels for trade %d: %w", trade.ID, err)
			}
		}
		trade.EntryTime = utcTimestamp(trade.EntryTime)
		if trade.ExitTime != nil {
			t := utcTimestamp(*trade.ExitTime)
			trade.ExitTime = &t
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// ============================================================================
// MARKET REGIME
// ============================================================================

// SaveMarketRegime persists one regime classification
func (r *Repository) SaveMarketRegime(ctx context.Context, row *MarketRegimeRow) error {
	query := `
		INSERT INTO market_regime (pair, timestamp, regime, confidence, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	return r.db.Pool.QueryRow(ctx, query,
		row.Pair, row.Timestamp.UTC(), row.Regime, row.Confidence, row.Reason,
	).Scan(&row.ID)
}

// ============================================================================
// POSITION PEAKS
// ============================================================================

// UpsertPositionPeaks batch-writes peak tracker state. Called by
// FlushPendingUpdates; per-row errors abort the batch and the tracker keeps
// the rows queued for the next flush.
func (r *Repository) UpsertPositionPeaks(ctx context.Context, peaks []PositionPeakRow) error {
	if len(peaks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range peaks {
		batch.Queue(`
			INSERT INTO position_peaks (trade_id, pair, entry_price, quantity, peak_price_pct, peak_price_absolute, fees_at_peak, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (trade_id) DO UPDATE
			SET peak_price_pct = GREATEST(position_peaks.peak_price_pct, EXCLUDED.peak_price_pct),
			    peak_price_absolute = GREATEST(position_peaks.peak_price_absolute, EXCLUDED.peak_price_absolute),
			    fees_at_peak = EXCLUDED.fees_at_peak,
			    updated_at = EXCLUDED.updated_at
		`, p.TradeID, p.Pair, p.EntryPrice, p.Quantity, p.PeakPricePct, p.PeakPriceAbsolute, p.FeesAtPeak, p.UpdatedAt.UTC())
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range peaks {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// DeletePositionPeak removes the mirrored peak row once a trade closes
func (r *Repository) DeletePositionPeak(ctx context.Context, tradeID int64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM position_peaks WHERE trade_id = $1`, tradeID)
	return err
}

// ============================================================================
// SIGNAL REJECTIONS
// ============================================================================

// SaveSignalRejection records one audited entry rejection
func (r *Repository) SaveSignalRejection(ctx context.Context, rej *SignalRejection) error {
	var details []byte
	if rej.Details != nil {
		var err error
		details, err = json.Marshal(rej.Details)
		if err != nil {
			return err
		}
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signal_rejections (pair, stage, reason, details, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, rej.Pair, rej.Stage, rej.Reason, details, rej.Timestamp.UTC())
	return err
}
