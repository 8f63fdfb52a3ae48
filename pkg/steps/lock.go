package steps

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/lock"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

// LockStep takes the "update in progress" lock. It is always first and is
// the only concurrency gate of a run.
type LockStep struct {
	deps *Deps
}

var _ pipeline.Step = (*LockStep)(nil)

// NewLockStep creates the lock step.
func NewLockStep(d *Deps) *LockStep {
	return &LockStep{deps: d}
}

func (s *LockStep) Name() string { return NameLock }

func (s *LockStep) ShouldRun(*pipeline.Context) bool { return true }

func (s *LockStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	cfg := s.deps.updater().Lock

	ok, err := s.deps.Lock.Acquire(ctx, cfg.Key, cfg.Timeout)
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", lock.ErrNotAcquired, cfg.Key)
	}

	rc.LockAcquired = true

	// Holding the lock proves that no run started before it was taken is
	// still alive. Runs created since then belong to callers still waiting
	// for the lock and are left to fail on their own.
	if s.deps.Store != nil {
		n, err := s.deps.Store.FailRunning(ctx, "interrupted", rc.RunID, s.deps.Lock.AcquiredAt())
		if err != nil {
			return err
		}

		if n > 0 {
			rc.Reporter().Warn(ctx, "Marked interrupted runs as failed", logrus.Fields{"runs": n})
		}
	}

	return nil
}

func (s *LockStep) Rollback(ctx context.Context, rc *pipeline.Context) error {
	if err := s.deps.Lock.Release(ctx); err != nil {
		return err
	}

	rc.LockAcquired = false

	return nil
}
