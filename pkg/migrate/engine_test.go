package migrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDeadlock    = errors.New("SQLSTATE[40001]: Serialization failure: 1213 Deadlock found when trying to get lock")
	errTableExists = errors.New("SQLSTATE[42S01]: Base table or view already exists: 1050 Table 'users' already exists")
	errSyntax      = errors.New("SQLSTATE[42000]: ... You have an error in your SQL syntax")
)

func newTestEngine() (*Engine, *[]time.Duration) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	var sleeps []time.Duration

	e := NewEngine(log, nil, "")
	e.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)

		return nil
	}

	return e, &sleeps
}

func migrations(ids ...string) []*Migration {
	out := make([]*Migration, 0, len(ids))
	for _, id := range ids {
		out = append(out, &Migration{ID: id, Statements: []string{"stmt " + id}})
	}

	return out
}

func defaultOptions() Options {
	return Options{MaxRetries: 3, Backoff: 500 * time.Millisecond}
}

func TestEngine_AppliesInOrder(t *testing.T) {
	engine, _ := newTestEngine()
	target := newFakeTarget()
	rep := &recordingReporter{}

	summary, err := engine.Apply(context.Background(), target,
		migrations("001_users", "002_orders", "003_index"), defaultOptions(), rep)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Executed)
	assert.Equal(t, 1, summary.Batch)
	assert.Equal(t, []string{"stmt 001_users", "stmt 002_orders", "stmt 003_index"}, target.execs)
	assert.Equal(t, map[string]int{"001_users": 1, "002_orders": 1, "003_index": 1}, target.ledger)
	assert.Equal(t, 1, rep.count("Migration summary"))
}

func TestEngine_Idempotent(t *testing.T) {
	engine, _ := newTestEngine()
	target := newFakeTarget()
	ctx := context.Background()
	set := migrations("001_users", "002_orders")

	_, err := engine.Apply(ctx, target, set, defaultOptions(), &recordingReporter{})
	require.NoError(t, err)

	execs, writes := len(target.execs), target.writes

	summary, err := engine.Apply(ctx, target, set, defaultOptions(), &recordingReporter{})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 0, summary.Executed)
	assert.Equal(t, execs, len(target.execs), "no statement may run twice")
	assert.Equal(t, writes, target.writes, "no ledger writes on the second pass")
}

func TestEngine_RetryBound(t *testing.T) {
	engine, sleeps := newTestEngine()
	target := newFakeTarget()
	target.fail("stmt 001_users", errDeadlock)

	summary, err := engine.Apply(context.Background(), target,
		migrations("001_users", "002_orders"), defaultOptions(), &recordingReporter{})
	require.Error(t, err)

	var migErr *MigrationError
	require.True(t, errors.As(err, &migErr))
	assert.Equal(t, "001_users", migErr.ID)
	assert.Equal(t, 4, migErr.Attempts)
	assert.Equal(t, LockRetryable, migErr.Classification)

	assert.Len(t, target.execs, 4, "1 initial attempt + 3 retries")
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}, *sleeps)
	assert.Equal(t, 3, summary.Retried)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, target.ledger, "later migrations must not run")
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	engine, sleeps := newTestEngine()
	target := newFakeTarget()
	target.fail("stmt 001_users", errDeadlock, errDeadlock, nil)

	summary, err := engine.Apply(context.Background(), target,
		migrations("001_users", "002_orders"), defaultOptions(), &recordingReporter{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Retried)
	assert.Equal(t, 2, summary.Executed)
	assert.Len(t, *sleeps, 2)
	assert.Equal(t, []string{"stmt 001_users", "stmt 001_users", "stmt 001_users", "stmt 002_orders"}, target.execs)
}

func TestEngine_ReconcilesDrift(t *testing.T) {
	engine, _ := newTestEngine()
	target := newFakeTarget()
	target.tables["users"] = true
	target.fail("stmt 001_users", errTableExists)

	rep := &recordingReporter{}

	summary, err := engine.Apply(context.Background(), target,
		migrations("001_users", "002_orders"), defaultOptions(), rep)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 1, summary.Executed)
	require.Len(t, summary.Divergences, 1)
	assert.Equal(t, ObjectRef{Type: ObjectTable, Name: "users"}, summary.Divergences[0].Object)
	assert.Equal(t, 1, target.ledger["001_users"])
	assert.Equal(t, 1, rep.count("Migration reconciled against existing schema"))
}

func TestEngine_StrictModeDoesNotReconcile(t *testing.T) {
	engine, _ := newTestEngine()
	target := newFakeTarget()
	target.tables["users"] = true
	target.fail("stmt 001_users", errTableExists)

	opts := defaultOptions()
	opts.Strict = true

	summary, err := engine.Apply(context.Background(), target, migrations("001_users"), opts, &recordingReporter{})
	require.Error(t, err)

	assert.Equal(t, 0, summary.Reconciled)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, target.ledger)
}

func TestEngine_IncompatibleDriftFails(t *testing.T) {
	engine, _ := newTestEngine()
	target := newFakeTarget()
	// The table the error names is not actually there.
	target.fail("stmt 001_users", errTableExists)

	_, err := engine.Apply(context.Background(), target, migrations("001_users"), defaultOptions(), &recordingReporter{})
	require.Error(t, err)

	var migErr *MigrationError
	require.True(t, errors.As(err, &migErr))
	assert.Equal(t, AlreadyExists, migErr.Classification)
	assert.Empty(t, target.ledger)
}

func TestEngine_FatalStops(t *testing.T) {
	engine, sleeps := newTestEngine()
	target := newFakeTarget()
	target.fail("stmt 002_orders", errSyntax)

	summary, err := engine.Apply(context.Background(), target,
		migrations("001_users", "002_orders", "003_index"), defaultOptions(), &recordingReporter{})
	require.Error(t, err)

	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, *sleeps)
	assert.NotContains(t, target.execs, "stmt 003_index")
	assert.ErrorIs(t, err, errSyntax)
}

func TestEngine_DryRun(t *testing.T) {
	engine, _ := newTestEngine()
	target := newFakeTarget()
	target.tables["users"] = true

	set := []*Migration{
		{ID: "001_users", Statements: []string{"CREATE TABLE users (id int)"}},
		{ID: "002_orders", Statements: []string{"ALTER TABLE orders ADD COLUMN total int"}},
		{ID: "003_posts", Statements: []string{"CREATE TABLE posts (id int)"}},
	}

	opts := defaultOptions()
	opts.DryRun = true

	summary, err := engine.Apply(context.Background(), target, set, opts, &recordingReporter{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.SkippedDryRun)
	assert.Equal(t, 0, summary.Executed)
	assert.Empty(t, target.execs)
	assert.Empty(t, target.ledger)
	assert.Equal(t, 0, target.writes)

	require.Len(t, summary.Inspections, 3)
	assert.Equal(t, VerdictReconcile, summary.Inspections[0].Verdict)
	assert.Equal(t, VerdictFail, summary.Inspections[1].Verdict)
	assert.Equal(t, VerdictRun, summary.Inspections[2].Verdict)
}

func TestEngine_RunLoadsFromPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("select 2;"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("select 1;"), 0o600))

	target := newFakeTarget()
	engine, _ := newTestEngine()
	engine.resolver = staticResolver{target: target}

	summary, err := engine.Run(context.Background(), Options{Path: dir, MaxRetries: 3}, &recordingReporter{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Executed)
	assert.Equal(t, []string{"select 1", "select 2"}, target.execs)
}

type staticResolver struct {
	target Target
}

func (s staticResolver) Open(context.Context, string) (Target, error) {
	return s.target, nil
}
