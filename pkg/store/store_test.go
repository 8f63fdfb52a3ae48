package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_RunLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &store.Run{RevisionBefore: "aaa", Options: `{"dry_run":false}`}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotZero(t, run.ID)
	assert.Equal(t, store.KindUpdate, run.Kind)
	assert.Equal(t, store.StatusRunning, run.Status)

	finished := time.Now().UTC()
	run.Status = store.StatusSuccess
	run.RevisionAfter = "bbb"
	run.FinishedAt = &finished
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "bbb", got.RevisionAfter)
	assert.True(t, got.Finished())

	require.NoError(t, s.MarkRolledBack(ctx, run.ID, finished))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RolledBackAt)

	_, err = s.GetRun(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.MarkRolledBack(ctx, 999, finished), store.ErrNotFound)
}

func TestStore_ListAndLatest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.LatestRun(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	for range 3 {
		require.NoError(t, s.CreateRun(ctx, &store.Run{}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Greater(t, runs[0].ID, runs[1].ID, "newest first")

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, latest.ID)
}

func TestStore_FailRunning(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	crashed := &store.Run{}
	require.NoError(t, s.CreateRun(ctx, crashed))

	done := &store.Run{Status: store.StatusSuccess}
	require.NoError(t, s.CreateRun(ctx, done))

	current := &store.Run{}
	require.NoError(t, s.CreateRun(ctx, current))

	cutoff := time.Now().UTC().Add(time.Second)

	late := &store.Run{StartedAt: cutoff.Add(time.Second)}
	require.NoError(t, s.CreateRun(ctx, late))

	n, err := s.FailRunning(ctx, "interrupted", current.ID, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetRun(ctx, crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.Error)
	assert.NotNil(t, got.FinishedAt)

	got, err = s.GetRun(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)

	got, err = s.GetRun(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)

	got, err = s.GetRun(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status, "runs started after the cutoff are left alone")
}

func TestStore_EventsAndArtifacts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &store.Run{}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.AppendEvent(ctx, &store.StepEvent{RunID: &run.ID, Level: store.LevelInfo, Step: "lock", Message: "Step started"}))
	require.NoError(t, s.AppendEvent(ctx, &store.StepEvent{RunID: &run.ID, Level: store.LevelInfo, Step: "lock", Message: "Step succeeded"}))
	require.NoError(t, s.AppendEvent(ctx, &store.StepEvent{Level: store.LevelWarning, Message: "out of band"}))

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Step started", events[0].Message)

	require.NoError(t, s.AddArtifact(ctx, &store.Artifact{
		RunID: run.ID, Kind: store.ArtifactBackup, Path: "/backups/1.sql", SizeBytes: 42,
	}))

	artifacts, err := s.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, int64(42), artifacts[0].SizeBytes)
}

func TestStore_SeedAndPatchLedgers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	has, err := s.HasSeed(ctx, "RolesSeeder")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.RecordSeed(ctx, "RolesSeeder", nil))
	require.NoError(t, s.RecordSeed(ctx, "RolesSeeder", nil))

	has, err = s.HasSeed(ctx, "RolesSeeder")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = s.GetPatch(ctx, "001_fix.sql")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.RecordPatch(ctx, &store.PatchRecord{Name: "001_fix.sql", Checksum: "abc"}))

	patch, err := s.GetPatch(ctx, "001_fix.sql")
	require.NoError(t, err)
	assert.Equal(t, "abc", patch.Checksum)

	require.Error(t, s.RecordPatch(ctx, &store.PatchRecord{Name: "001_fix.sql", Checksum: "def"}))
}

func TestStore_FileBackedSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "state", "upgradoor.db")},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	first := store.NewStore(log, cfg)
	require.NoError(t, first.Start(ctx))

	run := &store.Run{}
	require.NoError(t, first.CreateRun(ctx, run))
	require.NoError(t, first.Stop())

	second := store.NewStore(log, cfg)
	require.NoError(t, second.Start(ctx))

	t.Cleanup(func() { _ = second.Stop() })

	got, err := second.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}
