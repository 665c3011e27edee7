package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"phaseline/internal/db"
	"phaseline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	for _, table := range []string{"executions", "phases", "work_reports", "report_requests", "action_log", "api_keys", "webhook_cursors"} {
		var n int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		require.Equal(t, 1, n, "table %s", table)
	}
}
