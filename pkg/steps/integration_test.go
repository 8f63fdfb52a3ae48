package steps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/upgradoor/pkg/migrate"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

func TestDefaultPipeline_FailedHealthCheckRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t)
	ctx := context.Background()

	// An empty file is a valid, empty sqlite database.
	require.NoError(t, os.WriteFile(filepath.Join(h.appDir, "database", "app.db"), nil, 0o600))

	migrations := filepath.Join(h.appDir, "database", "migrations")
	require.NoError(t, os.MkdirAll(migrations, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(migrations, "001_users.sql"),
		[]byte("CREATE TABLE users (id INTEGER PRIMARY KEY);"), 0o600))

	h.cfg.Migrations.Path = migrations
	h.cfg.Updater.HealthCheck.URL = srv.URL
	h.cfg.Updater.HealthCheck.Retries = 1
	h.cfg.Updater.Cache.ClearCommands = []string{"php artisan optimize:clear"}
	h.cfg.Updater.Cache.RebuildCommands = []string{"php artisan config:cache"}
	h.deps.Migrator = migrate.NewEngine(testLogger(), h.deps.Targets, "")

	p := pipeline.New(testLogger(), Default(h.deps)...)
	rc, events := h.newRun(t, pipeline.Options{})

	err := p.Run(ctx, rc)

	var perr *pipeline.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, NameHealthCheck, perr.Step)

	assert.Equal(t, []string{
		NameLock, NameMaintenanceOn, NameBackupDatabase, NameSnapshotCode,
		NameCodeUpdate, NameRunMigrations, NameCacheRebuild,
	}, rc.Executed)
	assert.Empty(t, rc.RollbackFailures)

	require.NotNil(t, rc.Migrations)
	assert.Equal(t, 1, rc.Migrations.Executed)

	// Compensations ran: caches cleared, snapshot restored, code reset,
	// maintenance disabled and the lock released.
	assert.True(t, h.runner.Called("php artisan optimize:clear"))
	assert.True(t, h.runner.Called("rsync -a --delete"))
	assert.Equal(t, []string{"aaa111"}, h.vcs.Rollbacks())
	assert.NoFileExists(t, filepath.Join(h.appDir, "storage", "framework", "down"))
	assert.False(t, h.deps.Lock.IsAcquired())
	assert.False(t, rc.LockAcquired)
	assert.True(t, events.has("Step rolled back"))

	// The database file is back to its pre-migration state.
	target, err := h.deps.Targets.Open(ctx, "default")
	require.NoError(t, err)
	defer func() { _ = target.Close() }()

	has, err := target.Inspector().HasTable(ctx, "users")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDefaultPipeline_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.cfg.Updater.HealthCheck.URL = srv.URL

	rc, _ := h.newRun(t, pipeline.Options{NoBackup: true, NoSnapshot: true})
	require.NoError(t, pipeline.New(testLogger(), Default(h.deps)...).Run(context.Background(), rc))

	assert.Equal(t, []string{
		NameLock, NameMaintenanceOn, NameCodeUpdate, NameHealthCheck, NameMaintenanceOff,
	}, rc.Executed)
	assert.Equal(t, "bbb222", rc.RevisionAfter)
	assert.False(t, h.deps.Lock.IsAcquired())
	assert.NoFileExists(t, filepath.Join(h.appDir, "storage", "framework", "down"))
}
