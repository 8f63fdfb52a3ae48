package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLiteTarget(t *testing.T) Target {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	resolver := NewResolver(log, map[string]config.DatabaseConfig{
		"default": {
			Driver: config.DriverSQLite,
			SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "app.db")},
		},
	})

	target, err := resolver.Open(context.Background(), "default")
	require.NoError(t, err)

	t.Cleanup(func() { _ = target.Close() })

	return target
}

func TestGormTarget_LedgerAndInspector(t *testing.T) {
	ctx := context.Background()
	target := openSQLiteTarget(t)

	require.NoError(t, target.Exec(ctx, []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT, CONSTRAINT users_email_check CHECK (email <> ''))",
		"CREATE UNIQUE INDEX users_email_unique ON users (email)",
		"CREATE VIEW active_users AS SELECT * FROM users",
	}))

	insp := target.Inspector()

	has, err := insp.HasTable(ctx, "users")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = insp.HasView(ctx, "active_users")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = insp.HasIndex(ctx, "users", "users_email_unique")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = insp.HasIndex(ctx, "", "users_email_unique")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = insp.HasIndex(ctx, "", "missing_index")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = insp.HasColumn(ctx, "users", "email")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = insp.HasConstraint(ctx, "", "users_email_check")
	require.NoError(t, err)
	assert.True(t, has)

	ledger := target.Ledger()

	batch, err := ledger.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batch)

	require.NoError(t, ledger.Log(ctx, "001_users", 1))

	batch, err = ledger.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batch)

	logged, err := ledger.Has(ctx, "001_users")
	require.NoError(t, err)
	assert.True(t, logged)
}

func TestGormTarget_FailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	target := openSQLiteTarget(t)

	err := target.Exec(ctx, []string{
		"CREATE TABLE orders (id INTEGER PRIMARY KEY)",
		"THIS IS NOT SQL",
	})
	require.Error(t, err)

	has, err := target.Inspector().HasTable(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, has, "sqlite DDL runs inside the migration transaction")
}

func TestEngine_SQLiteDriftReconciliation(t *testing.T) {
	ctx := context.Background()
	target := openSQLiteTarget(t)

	// The table exists but the ledger does not know about it, as after a
	// crash between executing a migration and recording it.
	require.NoError(t, target.Exec(ctx, []string{"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)"}))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_create_users.sql"),
		[]byte("CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_add_name.sql"),
		[]byte("ALTER TABLE users ADD COLUMN name TEXT;"), 0o600))

	set, err := Load(dir)
	require.NoError(t, err)

	engine, _ := newTestEngine()

	dry, err := engine.Apply(ctx, target, set, Options{DryRun: true}, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, 2, dry.SkippedDryRun)
	assert.Equal(t, VerdictReconcile, dry.Inspections[0].Verdict)
	assert.Equal(t, VerdictRun, dry.Inspections[1].Verdict)

	summary, err := engine.Apply(ctx, target, set, Options{MaxRetries: 3}, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 1, summary.Executed)

	has, err := target.Inspector().HasColumn(ctx, "users", "name")
	require.NoError(t, err)
	assert.True(t, has)

	again, err := engine.Apply(ctx, target, set, Options{MaxRetries: 3}, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Total)
}
