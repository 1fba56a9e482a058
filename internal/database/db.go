// Package database owns the PostgreSQL pool, the bootstrap DDL, and the
// repositories for order records, position stops, the kline cache, signal
// history and the trading calendar. It also builds the shared Redis client.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds database pool settings. Kept separate from the main config
// package so this package has no config dependency.
type Config struct {
	DSN          string
	MaxConns     int32
	ConnIdleTime time.Duration
}

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects a pool. The pool is deliberately small: one SG and up to three
// OE processes per account share a single postgres instance across many
// accounts, and every query here is short.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 2
	}
	if cfg.ConnIdleTime <= 0 {
		cfg.ConnIdleTime = 30 * time.Second
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = cfg.ConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Int32("max_conns", cfg.MaxConns).Msg("connected to postgres")

	return &DB{Pool: pool, logger: log}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// Migrate executes the bootstrap DDL. Every statement is idempotent so both
// services can run it on startup without coordination.
func (db *DB) Migrate(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Broker order audit trail. "Today's trades" for dedup purposes are
		// rows on the current trading date with a pending or filled status.
		`CREATE TABLE IF NOT EXISTS orderrecord (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(40) NOT NULL,
			order_id VARCHAR(64) NOT NULL DEFAULT '',
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL DEFAULT 'LO',
			price DECIMAL(20, 6),
			quantity BIGINT NOT NULL,
			status VARCHAR(24) NOT NULL,
			signal_type VARCHAR(24),
			signal_score DECIMAL(8, 2),
			error TEXT,
			submitted_at TIMESTAMPTZ,
			executed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orderrecord_account_created ON orderrecord(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orderrecord_symbol ON orderrecord(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orderrecord_order_id ON orderrecord(order_id)`,

		// Stop tracking: one active row per (account, symbol). Transitions
		// are monotonic, enforced by the status guard in the UPDATE queries.
		`CREATE TABLE IF NOT EXISTS position_stops (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(40) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			entry_price DECIMAL(20, 6) NOT NULL,
			quantity BIGINT NOT NULL,
			stop_loss DECIMAL(20, 6),
			take_profit DECIMAL(20, 6),
			atr DECIMAL(20, 6),
			strategy VARCHAR(40),
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			entry_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			exit_time TIMESTAMPTZ,
			exit_price DECIMAL(20, 6),
			exit_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_position_stops_active
			ON position_stops(account_id, symbol) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_position_stops_account_status ON position_stops(account_id, status)`,

		// Daily-bar cache, partitioned by year. The default partition
		// catches dates outside the pre-created ranges.
		`CREATE TABLE IF NOT EXISTS kline_daily (
			symbol VARCHAR(20) NOT NULL,
			date DATE NOT NULL,
			open DECIMAL(20, 6) NOT NULL,
			high DECIMAL(20, 6) NOT NULL,
			low DECIMAL(20, 6) NOT NULL,
			close DECIMAL(20, 6) NOT NULL,
			volume BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, date)
		) PARTITION BY RANGE (date)`,
		`CREATE TABLE IF NOT EXISTS kline_daily_default PARTITION OF kline_daily DEFAULT`,

		// Every emitted signal, updated again when the executor finishes.
		`CREATE TABLE IF NOT EXISTS signal_history (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(40) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(24) NOT NULL,
			price DECIMAL(20, 6),
			score DECIMAL(8, 2),
			confidence DECIMAL(8, 4),
			indicators JSONB,
			strategy_name VARCHAR(60),
			execution_status VARCHAR(20) NOT NULL DEFAULT 'pending',
			executed_at TIMESTAMPTZ,
			execution_price DECIMAL(20, 6),
			execution_quantity BIGINT,
			order_id VARCHAR(64),
			execution_error TEXT,
			pnl DECIMAL(20, 6),
			pnl_percent DECIMAL(10, 4),
			market_trend VARCHAR(10),
			volatility DECIMAL(10, 4),
			notes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_history_account_ts ON signal_history(account_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_history_symbol ON signal_history(symbol)`,

		// Holiday overrides for the weekday-based session logic. half_day
		// marks HK morning-only sessions.
		`CREATE TABLE IF NOT EXISTS trading_calendar (
			market VARCHAR(4) NOT NULL,
			holiday DATE NOT NULL,
			half_day BOOLEAN NOT NULL DEFAULT FALSE,
			description VARCHAR(120),
			PRIMARY KEY (market, holiday)
		)`,
	}

	// Year partitions around the current year, so a restart near new year
	// never lands rows in the default partition.
	year := time.Now().Year()
	for y := year - 1; y <= year+1; y++ {
		migrations = append(migrations, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS kline_daily_%d PARTITION OF kline_daily
				FOR VALUES FROM ('%d-01-01') TO ('%d-01-01')`,
			y, y, y+1,
		))
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("database migrations complete")
	return nil
}
