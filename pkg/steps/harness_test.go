package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/lock"
	"github.com/ethpandaops/upgradoor/pkg/migrate"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/shell"
	"github.com/ethpandaops/upgradoor/pkg/store"
	"github.com/ethpandaops/upgradoor/pkg/vcs"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	deps    *Deps
	cfg     *config.Config
	runner  *shell.FakeRunner
	vcs     *vcs.FakeDriver
	store   store.Store
	backend *lock.MemoryBackend
	appDir  string
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return log
}

func loadConfig(t *testing.T, appDir string) *config.Config {
	t.Helper()

	yaml := fmt.Sprintf(`
global:
  log_file:
    path: %[1]s/storage/logs/upgradoor.log
updater:
  app_dir: %[1]s
  lock:
    driver: memory
    wait: 20ms
databases:
  default:
    driver: sqlite
    sqlite:
      path: %[1]s/database/app.db
store:
  driver: sqlite
  sqlite:
    path: %[1]s/storage/upgradoor.db
`, appDir)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	appDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(appDir, "database"), 0o755))

	cfg := loadConfig(t, appDir)
	log := testLogger()

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	backend := lock.NewMemoryBackend()
	runner := shell.NewFakeRunner()
	driver := vcs.NewFakeDriver("aaa111", "bbb222")

	h := &harness{
		cfg:     cfg,
		runner:  runner,
		vcs:     driver,
		store:   st,
		backend: backend,
		appDir:  appDir,
	}

	h.deps = &Deps{
		Log:     log,
		Config:  cfg,
		Runner:  runner,
		Lock:    h.newLock(),
		VCS:     driver,
		Targets: migrate.NewResolver(log, cfg.Databases),
		Store:   st,
		Now:     func() time.Time { return fixedNow },
	}

	return h
}

// newLock returns an independent lock service sharing the harness backend.
func (h *harness) newLock() *lock.Service {
	return lock.NewService(testLogger(), h.backend, lock.Config{
		Wait: 20 * time.Millisecond,
		Poll: time.Millisecond,
	})
}

// newRun creates a run record and a context bound to it.
func (h *harness) newRun(t *testing.T, opts pipeline.Options) (*pipeline.Context, *eventLog) {
	t.Helper()

	run := &store.Run{}
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	events := &eventLog{}

	return pipeline.NewContext(run.ID, opts, events), events
}

type eventLog struct {
	mu       sync.Mutex
	messages []string
}

func (e *eventLog) add(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.messages = append(e.messages, msg)
}

func (e *eventLog) Info(_ context.Context, msg string, _ logrus.Fields)  { e.add(msg) }
func (e *eventLog) Warn(_ context.Context, msg string, _ logrus.Fields)  { e.add(msg) }
func (e *eventLog) Error(_ context.Context, msg string, _ logrus.Fields) { e.add(msg) }

func (e *eventLog) has(msg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.messages {
		if m == msg {
			return true
		}
	}

	return false
}

type fakeUploader struct {
	err   error
	calls []string
}

func (f *fakeUploader) Preflight(context.Context) error { return f.err }

func (f *fakeUploader) Upload(_ context.Context, localPath string, runID uint) (string, error) {
	f.calls = append(f.calls, localPath)

	if f.err != nil {
		return "", f.err
	}

	return fmt.Sprintf("s3://backups/run-%d/%s", runID, filepath.Base(localPath)), nil
}

var errBoom = errors.New("boom")
