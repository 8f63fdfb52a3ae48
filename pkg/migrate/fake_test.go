package migrate

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// fakeTarget is an in-memory Target whose Exec results are scripted per
// migration statement.
type fakeTarget struct {
	mu      sync.Mutex
	ledger  map[string]int
	writes  int
	execs   []string
	results map[string][]error

	tables      map[string]bool
	views       map[string]bool
	indexes     map[string]bool
	columns     map[string]bool
	constraints map[string]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		ledger:      make(map[string]int),
		results:     make(map[string][]error),
		tables:      make(map[string]bool),
		views:       make(map[string]bool),
		indexes:     make(map[string]bool),
		columns:     make(map[string]bool),
		constraints: make(map[string]bool),
	}
}

// fail scripts the errors returned for stmt; the last one repeats.
func (f *fakeTarget) fail(stmt string, errs ...error) {
	f.results[stmt] = errs
}

func (f *fakeTarget) Name() string         { return "fake" }
func (f *fakeTarget) Ledger() Ledger       { return f }
func (f *fakeTarget) Inspector() Inspector { return f }
func (f *fakeTarget) Close() error         { return nil }

func (f *fakeTarget) Exec(_ context.Context, statements []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, stmt := range statements {
		f.execs = append(f.execs, stmt)

		if errs := f.results[stmt]; len(errs) > 0 {
			err := errs[0]
			if len(errs) > 1 {
				f.results[stmt] = errs[1:]
			}

			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (f *fakeTarget) Applied(context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]struct{}, len(f.ledger))
	for id := range f.ledger {
		out[id] = struct{}{}
	}

	return out, nil
}

func (f *fakeTarget) Has(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.ledger[id]

	return ok, nil
}

func (f *fakeTarget) NextBatch(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	highest := 0
	for _, b := range f.ledger {
		if b > highest {
			highest = b
		}
	}

	return highest + 1, nil
}

func (f *fakeTarget) Log(_ context.Context, id string, batch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ledger[id] = batch
	f.writes++

	return nil
}

func (f *fakeTarget) HasTable(_ context.Context, name string) (bool, error) {
	return f.tables[name], nil
}

func (f *fakeTarget) HasView(_ context.Context, name string) (bool, error) {
	return f.views[name], nil
}

func (f *fakeTarget) HasIndex(_ context.Context, table, name string) (bool, error) {
	return f.indexes[table+"."+name] || f.indexes[name], nil
}

func (f *fakeTarget) HasColumn(_ context.Context, table, column string) (bool, error) {
	return f.columns[table+"."+column], nil
}

func (f *fakeTarget) HasConstraint(_ context.Context, table, name string) (bool, error) {
	return f.constraints[table+"."+name] || f.constraints[name], nil
}

type event struct {
	level  logrus.Level
	msg    string
	fields logrus.Fields
}

// recordingReporter keeps every event in memory.
type recordingReporter struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingReporter) add(level logrus.Level, msg string, fields logrus.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event{level: level, msg: msg, fields: fields})
}

func (r *recordingReporter) Info(_ context.Context, msg string, fields logrus.Fields) {
	r.add(logrus.InfoLevel, msg, fields)
}

func (r *recordingReporter) Warn(_ context.Context, msg string, fields logrus.Fields) {
	r.add(logrus.WarnLevel, msg, fields)
}

func (r *recordingReporter) Error(_ context.Context, msg string, fields logrus.Fields) {
	r.add(logrus.ErrorLevel, msg, fields)
}

func (r *recordingReporter) count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, e := range r.events {
		if e.msg == msg {
			n++
		}
	}

	return n
}
