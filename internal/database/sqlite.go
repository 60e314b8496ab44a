package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/config"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	location    TEXT NOT NULL,
	date_time   INTEGER NOT NULL,
	max_tickets INTEGER NOT NULL CHECK (max_tickets > 0),
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	unique_id     TEXT NOT NULL UNIQUE,
	event_id      TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	attendee_name TEXT NOT NULL,
	plus_ones     INTEGER NOT NULL DEFAULT 0 CHECK (plus_ones >= 0),
	status        TEXT NOT NULL DEFAULT 'unused' CHECK (status IN ('unused', 'used')),
	created_at    INTEGER NOT NULL,
	checked_in_at INTEGER,
	qr_code       BLOB NOT NULL,
	CHECK ((status = 'used') = (checked_in_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_tickets_event_id ON tickets(event_id);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
`

// Every connection gets these before the schema is applied. busy_timeout
// lets BEGIN IMMEDIATE writers queue behind each other instead of failing
// with SQLITE_BUSY.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// SQLitePool is a fixed-size pool of SQLite connections. Connections are not
// safe for concurrent use; each goroutine must Take its own and Put it back.
type SQLitePool struct {
	inner  *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// OpenSQLite opens a connection pool on the database file at cfg.Path,
// creating it if needed. The schema is applied lazily on each connection's
// first use.
func OpenSQLite(cfg config.SQLiteConfig, logger *zap.Logger) (*SQLitePool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened",
		zap.String("path", cfg.Path),
		zap.Int("pool_size", poolSize),
	)
	return &SQLitePool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx is done.
func (p *SQLitePool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool.
func (p *SQLitePool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes all connections, blocking until borrowed ones are returned.
func (p *SQLitePool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", zap.String("path", p.path), zap.Error(err))
		return fmt.Errorf("sqlite: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", zap.String("path", p.path))
	return nil
}

// MigrateSQLite forces the schema onto the database by taking one
// connection, which runs prepareSQLiteConn.
func MigrateSQLite(ctx context.Context, p *SQLitePool) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	p.Put(conn)
	return nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	for _, pragma := range sqlitePragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}
