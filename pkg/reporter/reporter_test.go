package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/store"
)

type memorySink struct {
	mu     sync.Mutex
	events []store.StepEvent
	err    error
}

func (m *memorySink) AppendEvent(_ context.Context, event *store.StepEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.events = append(m.events, *event)

	return nil
}

func TestReporter_FansOutToAllSinks(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := &memorySink{}

	var file bytes.Buffer

	rep := NewWithWriter(log, &file, sink).ForRun(7).WithStep("run-migrations")
	rep.Warn(context.Background(), "Migration reconciled", logrus.Fields{
		"migration": "001_users",
		"error":     errors.New("table exists"),
	})

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, uint(7), entry.Data["run_id"])
	assert.Equal(t, "run-migrations", entry.Data["step"])

	var line map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &line))
	assert.Equal(t, "Migration reconciled", line["msg"])
	assert.Equal(t, "warning", line["level"])

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	require.NotNil(t, ev.RunID)
	assert.Equal(t, uint(7), *ev.RunID)
	assert.Equal(t, store.LevelWarning, ev.Level)
	assert.Equal(t, "run-migrations", ev.Step)
	assert.Contains(t, ev.Context, `"error":"table exists"`)
}

func TestReporter_SinkFailureDoesNotBlock(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := &memorySink{err: errors.New("database is locked")}

	var file bytes.Buffer

	rep := NewWithWriter(log, &file, sink)
	rep.Error(context.Background(), "Migration failed", nil)
	rep.Info(context.Background(), "Migration summary", nil)

	assert.Equal(t, 2, strings.Count(file.String(), "\n"))

	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}

	assert.Equal(t, []string{
		"Migration failed", "Failed to persist event",
		"Migration summary", "Failed to persist event",
	}, messages)
}

func TestReporter_OutOfBandEventsHaveNoRun(t *testing.T) {
	log, _ := test.NewNullLogger()
	sink := &memorySink{}

	rep := New(log, config.LogFileConfig{}, sink)
	rep.Info(context.Background(), "Nothing to migrate", nil)

	require.Len(t, sink.events, 1)
	assert.Nil(t, sink.events[0].RunID)
	assert.Empty(t, sink.events[0].Context)
	assert.NoError(t, rep.Close())
}

func TestReporter_RotatingFile(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "upgradoor.log")

	rep := New(log, config.LogFileConfig{Path: path, MaxSizeMB: 1}, nil)
	rep.Info(context.Background(), "Step started", logrus.Fields{"n": 1})
	require.NoError(t, rep.Close())
	require.NoError(t, rep.Close())

	assert.FileExists(t, path)
}

func TestEventLevel(t *testing.T) {
	assert.Equal(t, store.LevelInfo, eventLevel(logrus.InfoLevel))
	assert.Equal(t, store.LevelInfo, eventLevel(logrus.DebugLevel))
	assert.Equal(t, store.LevelWarning, eventLevel(logrus.WarnLevel))
	assert.Equal(t, store.LevelError, eventLevel(logrus.ErrorLevel))
}
