// Package database provides connection management for the PostgreSQL and
// SQLite backends and owns the schema for both.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/config"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          UUID PRIMARY KEY,
	name        VARCHAR(255) NOT NULL,
	location    VARCHAR(255) NOT NULL,
	date_time   TIMESTAMPTZ NOT NULL,
	max_tickets INTEGER NOT NULL CHECK (max_tickets > 0),
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id            BIGSERIAL PRIMARY KEY,
	unique_id     UUID NOT NULL UNIQUE,
	event_id      UUID NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	attendee_name VARCHAR(255) NOT NULL,
	plus_ones     INTEGER NOT NULL DEFAULT 0 CHECK (plus_ones >= 0),
	status        VARCHAR(10) NOT NULL DEFAULT 'unused' CHECK (status IN ('unused', 'used')),
	created_at    TIMESTAMPTZ NOT NULL,
	checked_in_at TIMESTAMPTZ,
	qr_code       BYTEA NOT NULL,
	CHECK ((status = 'used') = (checked_in_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_tickets_event_id ON tickets(event_id);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
`

// NewPool creates and validates a pgxpool connection pool. It retries to
// accommodate a database container that is still starting up.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		logger.Warn("db connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("connect to postgres: %w", err)
}

// MigratePostgres creates the tables and indexes if they do not exist.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}
