package vcs

import (
	"context"
	"errors"
	"sync"
)

// FakeDriver is an in-memory Driver for tests of the packages that move
// code between revisions.
type FakeDriver struct {
	mu sync.Mutex

	revision string
	target   string
	ahead    int
	behind   int
	clean    bool

	updateErr   error
	rollbackErr error
	statusErr   error

	updates   int
	rollbacks []string
}

// Ensure interface compliance.
var _ Driver = (*FakeDriver)(nil)

// NewFakeDriver creates a clean checkout at revision whose update target
// is target, behind by one commit when they differ.
func NewFakeDriver(revision, target string) *FakeDriver {
	f := &FakeDriver{revision: revision, target: target, clean: true}
	if revision != target {
		f.behind = 1
	}

	return f
}

// SetDiverged makes the checkout carry n local commits.
func (f *FakeDriver) SetDiverged(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ahead = n
}

// SetClean sets the working tree state.
func (f *FakeDriver) SetClean(clean bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clean = clean
}

// FailUpdate makes Update return err.
func (f *FakeDriver) FailUpdate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateErr = err
}

// FailRollback makes Rollback return err.
func (f *FakeDriver) FailRollback(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rollbackErr = err
}

// FailStatus makes Status and Fetch return err.
func (f *FakeDriver) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusErr = err
}

// Updates returns how many times Update changed the checkout.
func (f *FakeDriver) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.updates
}

// Rollbacks returns the revisions passed to Rollback.
func (f *FakeDriver) Rollbacks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.rollbacks...)
}

func (f *FakeDriver) Fetch(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.statusErr
}

func (f *FakeDriver) CurrentRevision(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.revision, nil
}

func (f *FakeDriver) IsClean(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.clean, nil
}

func (f *FakeDriver) Status(context.Context) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return nil, f.statusErr
	}

	return &Status{
		Mode:           "fake",
		Revision:       f.revision,
		Target:         "origin/main",
		TargetRevision: f.target,
		Ahead:          f.ahead,
		Behind:         f.behind,
		HasUpdates:     f.behind > 0,
	}, nil
}

func (f *FakeDriver) Update(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return "", &UpdateError{Mode: "fake", Err: f.updateErr}
	}

	if f.ahead > 0 {
		return "", &UpdateError{Mode: "fake", Err: ErrDiverged}
	}

	if f.revision != f.target {
		f.revision = f.target
		f.behind = 0
		f.updates++
	}

	return f.revision, nil
}

func (f *FakeDriver) Rollback(_ context.Context, revision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rollbacks = append(f.rollbacks, revision)

	if f.rollbackErr != nil {
		return f.rollbackErr
	}

	if revision == "" {
		return errors.New("rollback requires a revision")
	}

	f.revision = revision

	return nil
}
