package steps

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/migrate"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/store"
)

// ApplySQLPatchesStep applies ad-hoc SQL files once each, tracked by name
// and checksum in the patch ledger.
type ApplySQLPatchesStep struct {
	deps *Deps
}

var _ pipeline.Step = (*ApplySQLPatchesStep)(nil)

// NewApplySQLPatchesStep creates the apply-sql-patches step.
func NewApplySQLPatchesStep(d *Deps) *ApplySQLPatchesStep {
	return &ApplySQLPatchesStep{deps: d}
}

func (s *ApplySQLPatchesStep) Name() string { return NameApplySQLPatches }

func (s *ApplySQLPatchesStep) ShouldRun(*pipeline.Context) bool {
	return s.deps.updater().Patches.Path != "" && s.deps.Targets != nil
}

func (s *ApplySQLPatchesStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	rep := rc.Reporter()
	path := s.deps.Config.ResolvePath(s.deps.updater().Patches.Path)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		rep.Info(ctx, "No SQL patches found", logrus.Fields{"path": path})

		return nil
	}

	patches, err := migrate.Load(path)
	if err != nil {
		return fmt.Errorf("loading SQL patches: %w", err)
	}

	var target migrate.Target

	defer func() {
		if target != nil {
			_ = target.Close()
		}
	}()

	for _, patch := range patches {
		checksum := patch.Checksum()
		fields := logrus.Fields{"patch": patch.ID}

		existing, err := s.deps.Store.GetPatch(ctx, patch.ID)
		switch {
		case err == nil:
			if existing.Checksum != checksum {
				rc.AddWarning("patch %s changed after it was applied", patch.ID)
				rep.Warn(ctx, "Applied patch has changed, not reapplying", fields)
			}

			continue
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if rc.Options.DryRun {
			rep.Info(ctx, "Patch pending (dry run)", fields)

			continue
		}

		if target == nil {
			target, err = s.deps.Targets.Open(ctx, s.deps.updater().Patches.Database)
			if err != nil {
				return err
			}
		}

		if err := target.Exec(ctx, patch.Statements); err != nil {
			return fmt.Errorf("applying patch %s: %w", patch.ID, err)
		}

		runID := rc.RunID
		if err := s.deps.Store.RecordPatch(ctx, &store.PatchRecord{
			Name:     patch.ID,
			Checksum: checksum,
			RunID:    &runID,
		}); err != nil {
			return err
		}

		rc.PatchesApplied = append(rc.PatchesApplied, patch.ID)

		rep.Info(ctx, "Patch applied", fields)
	}

	return nil
}

// Rollback is a no-op; patched rows are undone by the database restore.
func (s *ApplySQLPatchesStep) Rollback(context.Context, *pipeline.Context) error {
	return nil
}
