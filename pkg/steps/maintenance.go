package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/upgradoor/pkg/fsutil"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

// maintenance toggles the application's maintenance mode, either through
// configured commands or by writing a flag file the application checks.
type maintenance struct {
	deps *Deps
}

type maintenanceFlag struct {
	RunID   uint      `json:"run_id"`
	Since   time.Time `json:"since"`
	Message string    `json:"message"`
}

func newMaintenance(d *Deps) *maintenance {
	return &maintenance{deps: d}
}

func (m *maintenance) flagFile() string {
	return m.deps.Config.ResolvePath(m.deps.updater().Maintenance.FlagFile)
}

func (m *maintenance) Enable(ctx context.Context, runID uint) error {
	cfg := m.deps.updater().Maintenance

	if len(cfg.EnableCommands) > 0 {
		return m.deps.runLines(ctx, cfg.EnableCommands)
	}

	path := m.flagFile()

	if err := fsutil.MkdirAll(filepath.Dir(path), 0o755, m.deps.owner()); err != nil {
		return fmt.Errorf("creating maintenance flag directory: %w", err)
	}

	data, err := json.Marshal(&maintenanceFlag{
		RunID:   runID,
		Since:   m.deps.now().UTC(),
		Message: "Application update in progress",
	})
	if err != nil {
		return fmt.Errorf("encoding maintenance flag: %w", err)
	}

	if err := fsutil.WriteFile(path, data, 0o644, m.deps.owner()); err != nil {
		return fmt.Errorf("writing maintenance flag: %w", err)
	}

	return nil
}

// Disable is idempotent.
func (m *maintenance) Disable(ctx context.Context) error {
	cfg := m.deps.updater().Maintenance

	if len(cfg.DisableCommands) > 0 {
		return m.deps.runLines(ctx, cfg.DisableCommands)
	}

	if err := os.Remove(m.flagFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing maintenance flag: %w", err)
	}

	return nil
}

// MaintenanceOnStep puts the application into maintenance mode.
type MaintenanceOnStep struct {
	maint *maintenance
}

var _ pipeline.Step = (*MaintenanceOnStep)(nil)

// NewMaintenanceOnStep creates the maintenance-on step.
func NewMaintenanceOnStep(d *Deps, m *maintenance) *MaintenanceOnStep {
	if m == nil {
		m = newMaintenance(d)
	}

	return &MaintenanceOnStep{maint: m}
}

func (s *MaintenanceOnStep) Name() string { return NameMaintenanceOn }

func (s *MaintenanceOnStep) ShouldRun(*pipeline.Context) bool { return true }

func (s *MaintenanceOnStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	if err := s.maint.Enable(ctx, rc.RunID); err != nil {
		return fmt.Errorf("enabling maintenance mode: %w", err)
	}

	rc.MaintenanceEnabled = true

	return nil
}

func (s *MaintenanceOnStep) Rollback(ctx context.Context, rc *pipeline.Context) error {
	if err := s.maint.Disable(ctx); err != nil {
		return fmt.Errorf("disabling maintenance mode: %w", err)
	}

	rc.MaintenanceEnabled = false

	return nil
}

// MaintenanceOffStep brings the application back online and releases the
// lock. It is always last.
type MaintenanceOffStep struct {
	deps  *Deps
	maint *maintenance
}

var _ pipeline.Step = (*MaintenanceOffStep)(nil)

// NewMaintenanceOffStep creates the maintenance-off step.
func NewMaintenanceOffStep(d *Deps, m *maintenance) *MaintenanceOffStep {
	if m == nil {
		m = newMaintenance(d)
	}

	return &MaintenanceOffStep{deps: d, maint: m}
}

func (s *MaintenanceOffStep) Name() string { return NameMaintenanceOff }

func (s *MaintenanceOffStep) ShouldRun(*pipeline.Context) bool { return true }

func (s *MaintenanceOffStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	if err := s.maint.Disable(ctx); err != nil {
		return fmt.Errorf("disabling maintenance mode: %w", err)
	}

	rc.MaintenanceEnabled = false

	if err := s.deps.Lock.Release(ctx); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}

	rc.LockAcquired = false

	return nil
}

// Rollback is a no-op: the earlier steps' rollbacks disable maintenance and
// release the lock.
func (s *MaintenanceOffStep) Rollback(context.Context, *pipeline.Context) error {
	return nil
}
