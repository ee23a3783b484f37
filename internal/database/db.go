package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"spot-trading-engine/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bot_instances (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			exchange VARCHAR(32) NOT NULL,
			enabled_pairs TEXT[] NOT NULL DEFAULT '{}',
			status VARCHAR(16) NOT NULL DEFAULT 'paused',
			trading_mode VARCHAR(8) NOT NULL DEFAULT 'paper',
			config JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_instances_user ON bot_instances(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_instances_status ON bot_instances(status)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			bot_instance_id BIGINT NOT NULL REFERENCES bot_instances(id),
			pair VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pyramid_levels JSONB NOT NULL DEFAULT '[]',
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMP,
			profit_loss DECIMAL(20, 8),
			profit_loss_percent DECIMAL(10, 4),
			exit_reason VARCHAR(64),
			idempotency_key VARCHAR(128) NOT NULL,
			trading_mode VARCHAR(8) NOT NULL DEFAULT 'paper',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_idempotency_key ON trades(idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot_pair ON trades(bot_instance_id, pair)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time)`,

		`CREATE TABLE IF NOT EXISTS market_regime (
			id BIGSERIAL PRIMARY KEY,
			pair VARCHAR(20) NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			regime VARCHAR(16) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_regime_pair_ts ON market_regime(pair, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS position_peaks (
			trade_id BIGINT PRIMARY KEY REFERENCES trades(id),
			pair VARCHAR(20) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			peak_price_pct DECIMAL(10, 4) NOT NULL,
			peak_price_absolute DECIMAL(20, 8) NOT NULL,
			fees_at_peak DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS signal_rejections (
			id BIGSERIAL PRIMARY KEY,
			pair VARCHAR(20) NOT NULL,
			stage VARCHAR(32) NOT NULL,
			reason VARCHAR(128) NOT NULL,
			details JSONB,
			timestamp TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_rejections_pair_ts ON signal_rejections(pair, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			message TEXT NOT NULL,
			sent BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, sent)`,

		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_trades_updated_at ON trades`,
		`CREATE TRIGGER update_trades_updated_at BEFORE UPDATE ON trades
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_bot_instances_updated_at ON bot_instances`,
		`CREATE TRIGGER update_bot_instances_updated_at BEFORE UPDATE ON bot_instances
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}
