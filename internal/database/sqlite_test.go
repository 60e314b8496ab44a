package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Shivanand-hulikatti/qr-ticketing/internal/config"
)

func openTestSQLite(t *testing.T) *SQLitePool {
	t.Helper()
	pool, err := OpenSQLite(config.SQLiteConfig{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 2,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite(config.SQLiteConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestMigrateSQLite_CreatesTables(t *testing.T) {
	pool := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, MigrateSQLite(ctx, pool))

	conn, err := pool.Take(ctx)
	require.NoError(t, err)
	defer pool.Put(conn)

	var tables []string
	err = sqlitex.Execute(conn,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('events', 'tickets') ORDER BY name",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tables = append(tables, stmt.ColumnText(0))
				return nil
			},
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "tickets"}, tables)
}

func TestSQLiteSchema_CheckedInAtMatchesStatus(t *testing.T) {
	pool := openTestSQLite(t)
	ctx := context.Background()

	conn, err := pool.Take(ctx)
	require.NoError(t, err)
	defer pool.Put(conn)

	require.NoError(t, sqlitex.Execute(conn,
		"INSERT INTO events (id, name, location, date_time, max_tickets, created_at) VALUES ('e1', 'n', 'l', 0, 1, 0)", nil))

	// used without a timestamp violates the table CHECK.
	err = sqlitex.Execute(conn,
		"INSERT INTO tickets (unique_id, event_id, attendee_name, status, created_at, qr_code) VALUES ('u1', 'e1', 'a', 'used', 0, x'00')", nil)
	assert.Error(t, err)
}
