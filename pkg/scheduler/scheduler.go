// Package scheduler runs the unattended update loop used by serve.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/lock"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/updater"
)

// Kernel is the subset of the updater the scheduler drives.
type Kernel interface {
	Check(ctx context.Context, allowDirty bool) (*updater.CheckResult, error)
	Busy(ctx context.Context) (bool, error)
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Context, error)
}

// Scheduler periodically checks for updates and, when auto update is
// enabled, applies them.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	kernel   Kernel
	enabled  bool
	interval time.Duration
	opts     pipeline.Options
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. The configured run options are decoded up front
// so a bad auto_update.options block fails at startup.
func New(log logrus.FieldLogger, kernel Kernel, cfg config.AutoUpdateConfig) (Scheduler, error) {
	opts, err := pipeline.DecodeOptions(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("decoding auto_update.options: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		kernel:   kernel,
		enabled:  cfg.Enabled,
		interval: interval,
		opts:     opts,
		done:     make(chan struct{}),
	}, nil
}

// Start runs one pass immediately and then one per interval, in the
// background.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval":    s.interval.String(),
		"auto_update": s.enabled,
	}).Info("Starting scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to exit and waits for an in-flight pass.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *scheduler) runPass(ctx context.Context) {
	res, err := s.kernel.Check(ctx, s.opts.AllowDirty)
	if err != nil {
		s.log.WithError(err).Warn("Update check failed")

		return
	}

	log := s.log.WithFields(logrus.Fields{
		"revision": res.CurrentRevision,
		"target":   res.TargetRevision,
		"behind":   res.BehindBy,
	})

	if !res.CanUpdate {
		log.WithField("reason", res.Reason).Debug("No update to apply")

		return
	}

	if !s.enabled {
		log.Info("Update available")

		return
	}

	busy, err := s.kernel.Busy(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read update lock")

		return
	}

	if busy {
		log.Info("Update already in progress, skipping scheduled run")

		return
	}

	log.Info("Starting scheduled update")

	rc, err := s.kernel.Run(ctx, s.opts)

	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		log.Info("Update lock taken, skipping scheduled run")
	case err != nil:
		log.WithError(err).Error("Scheduled update failed")
	default:
		log.WithFields(logrus.Fields{
			"run_id": rc.RunID,
			"to":     rc.RevisionAfter,
		}).Info("Scheduled update finished")
	}
}
