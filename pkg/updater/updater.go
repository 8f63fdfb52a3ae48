// Package updater is the top-level façade over the update pipeline: it
// checks for updates, runs and rolls back updates and reports status.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/lock"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/reporter"
	"github.com/ethpandaops/upgradoor/pkg/store"
	"github.com/ethpandaops/upgradoor/pkg/vcs"
)

var (
	// ErrDisabled is returned by Run when updates are switched off.
	ErrDisabled = errors.New("updates are disabled")

	// ErrNothingToRollback is returned when no finished update run exists.
	ErrNothingToRollback = errors.New("no update run to roll back")
)

// Locker is the lock service shared by the kernel and the lock step.
type Locker interface {
	lock.Locker
	Holder(ctx context.Context, key string) (*lock.Record, error)
}

// Deps are the collaborators of the kernel.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	VCS      vcs.Driver
	Locks    Locker
	Pipeline *pipeline.Pipeline
	// Guards are handled before a manual rollback. Their rollbacks are part
	// of the pipeline's and undo them afterwards.
	Guards   []pipeline.Step
	Reporter *reporter.Reporter
}

// Updater is the kernel façade consumed by the CLI, the API and the
// scheduler.
type Updater struct {
	log  logrus.FieldLogger
	deps Deps
	now  func() time.Time
}

// New creates an Updater.
func New(log logrus.FieldLogger, deps Deps) *Updater {
	return &Updater{
		log:  log.WithField("component", "updater"),
		deps: deps,
		now:  time.Now,
	}
}

func (u *Updater) cfg() *config.UpdaterConfig {
	return &u.deps.Config.Updater
}

// CheckResult describes whether an update is available and allowed.
type CheckResult struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Mode            string `json:"mode" yaml:"mode"`
	Channel         string `json:"channel" yaml:"channel"`
	CurrentRevision string `json:"current_revision" yaml:"current_revision"`
	Target          string `json:"target" yaml:"target"`
	TargetRevision  string `json:"target_revision" yaml:"target_revision"`
	HasUpdates      bool   `json:"has_updates" yaml:"has_updates"`
	BehindBy        int    `json:"behind_by_commits" yaml:"behind_by_commits"`
	AheadBy         int    `json:"ahead_by_commits" yaml:"ahead_by_commits"`
	Clean           bool   `json:"clean" yaml:"clean"`
	CanUpdate       bool   `json:"can_update" yaml:"can_update"`
	Reason          string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Check compares the checkout with its update target. "No update
// available" is a normal result, not an error.
func (u *Updater) Check(ctx context.Context, allowDirty bool) (*CheckResult, error) {
	cfg := u.cfg()

	status, err := u.deps.VCS.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking for updates: %w", err)
	}

	clean, err := u.deps.VCS.IsClean(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking working tree: %w", err)
	}

	res := &CheckResult{
		Enabled:         cfg.IsEnabled(),
		Mode:            cfg.Git.Mode,
		Channel:         cfg.Channel,
		CurrentRevision: status.Revision,
		Target:          status.Target,
		TargetRevision:  status.TargetRevision,
		HasUpdates:      status.HasUpdates,
		BehindBy:        status.Behind,
		AheadBy:         status.Ahead,
		Clean:           clean,
	}

	switch {
	case !res.Enabled:
		res.Reason = ErrDisabled.Error()
	case !res.HasUpdates:
		res.Reason = "no updates available"
	case status.Diverged() && cfg.Git.Mode == config.ModeFastForward:
		res.Reason = vcs.ErrDiverged.Error()
	case !clean && !allowDirty:
		res.Reason = vcs.ErrDirtyWorkTree.Error()
	default:
		res.CanUpdate = true
	}

	return res, nil
}

// Run starts and executes an update, returning the final pipeline context.
// A failed pipeline has already been rolled back when Run returns.
func (u *Updater) Run(ctx context.Context, opts pipeline.Options) (*pipeline.Context, error) {
	run, err := u.Start(ctx, &opts)
	if err != nil {
		return nil, err
	}

	return u.Execute(ctx, run, opts)
}

// Start runs the preflight checks and creates the run record. Callers that
// need the run id before the update finishes call Start then Execute.
func (u *Updater) Start(ctx context.Context, opts *pipeline.Options) (*store.Run, error) {
	if !u.cfg().IsEnabled() {
		return nil, ErrDisabled
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.BackupType == "" {
		opts.BackupType = u.cfg().Backup.Type
	}

	if !opts.AllowDirty {
		clean, err := u.deps.VCS.IsClean(ctx)
		if err != nil {
			return nil, fmt.Errorf("checking working tree: %w", err)
		}

		if !clean {
			return nil, vcs.ErrDirtyWorkTree
		}
	}

	revision, err := u.deps.VCS.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding run options: %w", err)
	}

	run := &store.Run{
		Kind:           store.KindUpdate,
		RevisionBefore: revision,
		Options:        string(encoded),
	}

	if err := u.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	return run, nil
}

// Execute runs the pipeline for a run created by Start.
func (u *Updater) Execute(
	ctx context.Context, run *store.Run, opts pipeline.Options,
) (*pipeline.Context, error) {
	rep := u.deps.Reporter.ForRun(run.ID)

	rc := pipeline.NewContext(run.ID, opts, rep)
	rc.RevisionBefore = run.RevisionBefore

	rep.Info(ctx, "Update started", logrus.Fields{
		"revision": run.RevisionBefore,
		"mode":     u.cfg().Git.Mode,
		"dry_run":  opts.DryRun,
	})

	err := u.deps.Pipeline.Run(ctx, rc)

	u.finish(ctx, run, rc, err)

	if err != nil {
		rep.Error(ctx, "Update failed", logrus.Fields{
			"step":  rc.FailedStep,
			"error": err.Error(),
		})

		return rc, err
	}

	rep.Info(ctx, "Update finished", logrus.Fields{
		"from": rc.RevisionBefore,
		"to":   rc.RevisionAfter,
	})

	return rc, nil
}

// finish flushes the selected context fields into the run record.
func (u *Updater) finish(ctx context.Context, run *store.Run, rc *pipeline.Context, runErr error) {
	ctx = context.WithoutCancel(ctx)

	finished := u.now().UTC()
	run.FinishedAt = &finished
	run.BackupFile = rc.BackupFile
	run.SnapshotPath = rc.SnapshotPath
	run.RevisionAfter = rc.RevisionAfter
	run.Warnings = encodeWarnings(rc)

	if runErr != nil {
		run.Status = store.StatusFailed
		run.Error = runErr.Error()

		// The checkout may have been reset by rollback.
		if rev, err := u.deps.VCS.CurrentRevision(ctx); err == nil {
			run.RevisionAfter = rev
		}
	} else {
		run.Status = store.StatusSuccess
	}

	if err := u.deps.Store.UpdateRun(ctx, run); err != nil {
		u.log.WithError(err).WithField("run_id", run.ID).Error("Failed to record run result")
	}
}

func encodeWarnings(rc *pipeline.Context) string {
	warnings := rc.Warnings()
	for _, f := range rc.RollbackFailures {
		warnings = append(warnings, f.String())
	}

	if len(warnings) == 0 {
		return ""
	}

	data, err := json.Marshal(warnings)
	if err != nil {
		return ""
	}

	return string(data)
}

// RollbackRequest selects what a manual rollback restores. Empty fields
// are taken from the update run being rolled back.
type RollbackRequest struct {
	// RunID is the update run to undo; zero means the latest finished one.
	RunID        uint   `json:"run_id,omitempty" mapstructure:"run_id"`
	Revision     string `json:"revision,omitempty" mapstructure:"revision"`
	BackupFile   string `json:"backup_file,omitempty" mapstructure:"backup_file"`
	SnapshotPath string `json:"snapshot_path,omitempty" mapstructure:"snapshot_path"`
	SkipDatabase bool   `json:"skip_database,omitempty" mapstructure:"skip_database"`
	SkipSnapshot bool   `json:"skip_snapshot,omitempty" mapstructure:"skip_snapshot"`
}

// Rollback restores the state from before an update run. It is a new
// pipeline-level operation recorded as its own run. Compensation failures
// are reported on the returned context, not as an error.
func (u *Updater) Rollback(ctx context.Context, req RollbackRequest) (*pipeline.Context, error) {
	run, err := u.StartRollback(ctx, req)
	if err != nil {
		return nil, err
	}

	return u.ExecuteRollback(ctx, run, req)
}

// StartRollback resolves the update run to undo and creates the rollback
// run record.
func (u *Updater) StartRollback(ctx context.Context, req RollbackRequest) (*store.Run, error) {
	original, err := u.rollbackTarget(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	current, err := u.deps.VCS.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		Kind:           store.KindRollback,
		RevisionBefore: current,
		RollbackOf:     &original.ID,
	}

	if err := u.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	return run, nil
}

// ExecuteRollback runs the compensations for a run created by
// StartRollback.
func (u *Updater) ExecuteRollback(
	ctx context.Context, run *store.Run, req RollbackRequest,
) (*pipeline.Context, error) {
	rep := u.deps.Reporter.ForRun(run.ID)
	rc := pipeline.NewContext(run.ID, pipeline.Options{}, rep)

	if run.RollbackOf == nil {
		err := fmt.Errorf("run %d is not a rollback run", run.ID)
		u.finishRollback(ctx, run, rc, err)

		return rc, err
	}

	original, err := u.deps.Store.GetRun(ctx, *run.RollbackOf)
	if err != nil {
		u.finishRollback(ctx, run, rc, err)

		return rc, err
	}

	rc.RevisionBefore = firstNonEmpty(req.Revision, original.RevisionBefore)

	if !req.SkipDatabase {
		rc.BackupFile = firstNonEmpty(req.BackupFile, original.BackupFile)
	}

	if !req.SkipSnapshot {
		rc.SnapshotPath = firstNonEmpty(req.SnapshotPath, original.SnapshotPath)
	}

	rep.Info(ctx, "Rollback started", logrus.Fields{
		"rollback_of": original.ID,
		"revision":    rc.RevisionBefore,
		"backup":      rc.BackupFile,
		"snapshot":    rc.SnapshotPath,
	})

	for i, guard := range u.deps.Guards {
		if err := guard.Handle(ctx, rc); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := u.deps.Guards[j].Rollback(context.WithoutCancel(ctx), rc); rerr != nil {
					u.log.WithError(rerr).WithField("step", u.deps.Guards[j].Name()).Warn("Failed to undo rollback guard")
				}
			}

			perr := &pipeline.Error{Step: guard.Name(), Err: err}
			u.finishRollback(ctx, run, rc, perr)

			return rc, perr
		}
	}

	failures := u.deps.Pipeline.Rollback(ctx, rc)

	var result error
	if len(failures) > 0 {
		result = fmt.Errorf("%d rollback steps failed", len(failures))
	}

	u.finishRollback(ctx, run, rc, result)

	if result == nil {
		if err := u.deps.Store.MarkRolledBack(context.WithoutCancel(ctx), original.ID, u.now().UTC()); err != nil {
			u.log.WithError(err).Error("Failed to mark run as rolled back")
		}

		rep.Info(ctx, "Rollback finished", logrus.Fields{"rollback_of": original.ID})
	} else {
		rep.Error(ctx, "Rollback finished with failures", logrus.Fields{
			"rollback_of": original.ID,
			"failures":    len(failures),
		})
	}

	return rc, nil
}

func (u *Updater) finishRollback(ctx context.Context, run *store.Run, rc *pipeline.Context, runErr error) {
	// finish reads RevisionAfter from the context; after a rollback it is
	// whatever the checkout now points at.
	if rev, err := u.deps.VCS.CurrentRevision(context.WithoutCancel(ctx)); err == nil {
		rc.RevisionAfter = rev
	}

	u.finish(ctx, run, rc, runErr)
}

func (u *Updater) rollbackTarget(ctx context.Context, id uint) (*store.Run, error) {
	if id != 0 {
		run, err := u.deps.Store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}

		if run.Kind != store.KindUpdate {
			return nil, fmt.Errorf("run %d is a %s run, not an update", id, run.Kind)
		}

		if !run.Finished() {
			return nil, fmt.Errorf("run %d is still running", id)
		}

		return run, nil
	}

	runs, err := u.deps.Store.ListRuns(ctx, 100)
	if err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Kind == store.KindUpdate && runs[i].Finished() && runs[i].RolledBackAt == nil {
			return &runs[i], nil
		}
	}

	return nil, ErrNothingToRollback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// StatusResult is the kernel's summary for dashboards and the CLI.
type StatusResult struct {
	Enabled    bool         `json:"enabled" yaml:"enabled"`
	Mode       string       `json:"mode" yaml:"mode"`
	Channel    string       `json:"channel" yaml:"channel"`
	Revision   string       `json:"revision" yaml:"revision"`
	Locked     bool         `json:"locked" yaml:"locked"`
	LockHolder *lock.Record `json:"lock_holder,omitempty" yaml:"lock_holder,omitempty"`
	LastRun    *store.Run   `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

// Status reports configuration, the checked-out revision and the lock.
func (u *Updater) Status(ctx context.Context) (*StatusResult, error) {
	cfg := u.cfg()

	revision, err := u.deps.VCS.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}

	res := &StatusResult{
		Enabled:  cfg.IsEnabled(),
		Mode:     cfg.Git.Mode,
		Channel:  cfg.Channel,
		Revision: revision,
	}

	holder, err := u.deps.Locks.Holder(ctx, cfg.Lock.Key)
	if err != nil {
		return nil, fmt.Errorf("reading lock: %w", err)
	}

	if holder != nil {
		res.Locked = true
		res.LockHolder = holder
	}

	last, err := u.deps.Store.LatestRun(ctx)
	switch {
	case err == nil:
		res.LastRun = last
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	return res, nil
}

// Busy reports whether a live run holds the update lock. A stale holder
// does not count: the next run will clear it.
func (u *Updater) Busy(ctx context.Context) (bool, error) {
	cfg := u.cfg().Lock

	holder, err := u.deps.Locks.Holder(ctx, cfg.Key)
	if err != nil {
		return false, err
	}

	if holder == nil {
		return false, nil
	}

	return holder.Age(u.now()) <= lock.StaleAfter(cfg.Timeout), nil
}
