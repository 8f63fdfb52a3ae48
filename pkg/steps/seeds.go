package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

// RunSeedsStep runs database seeders once each, tracked in the seed ledger.
type RunSeedsStep struct {
	deps *Deps
}

var _ pipeline.Step = (*RunSeedsStep)(nil)

// NewRunSeedsStep creates the run-seeds step.
func NewRunSeedsStep(d *Deps) *RunSeedsStep {
	return &RunSeedsStep{deps: d}
}

func (s *RunSeedsStep) Name() string { return NameRunSeeds }

func (s *RunSeedsStep) ShouldRun(rc *pipeline.Context) bool {
	return rc.Options.Seed || len(rc.Options.Seeders) > 0
}

func (s *RunSeedsStep) seeders(rc *pipeline.Context) []string {
	if len(rc.Options.Seeders) > 0 {
		return rc.Options.Seeders
	}

	return s.deps.updater().Seeds.Default
}

func (s *RunSeedsStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	rep := rc.Reporter()
	seeders := s.seeders(rc)

	if len(seeders) == 0 {
		rep.Info(ctx, "No seeders configured", nil)

		return nil
	}

	if rc.Options.DryRun {
		rep.Info(ctx, "Seeding skipped (dry run)", logrus.Fields{"seeders": seeders})

		return nil
	}

	tmpl := s.deps.updater().Seeds.Command

	for _, seeder := range seeders {
		if !rc.Options.ForceSeedReapply {
			applied, err := s.deps.Store.HasSeed(ctx, seeder)
			if err != nil {
				return err
			}

			if applied {
				rep.Info(ctx, "Seeder already applied", logrus.Fields{"seeder": seeder})

				continue
			}
		}

		if !pipeline.ValidSeeder(seeder) {
			return fmt.Errorf("invalid seeder %q", seeder)
		}

		// Valid names hold no single quotes, so quoting keeps namespace
		// backslashes away from the shell.
		line := strings.ReplaceAll(tmpl, "{seeder}", "'"+seeder+"'")
		if err := s.deps.runLines(ctx, []string{line}); err != nil {
			return fmt.Errorf("seeding %s: %w", seeder, err)
		}

		runID := rc.RunID
		if err := s.deps.Store.RecordSeed(ctx, seeder, &runID); err != nil {
			return err
		}

		rc.SeedsApplied = append(rc.SeedsApplied, seeder)

		rep.Info(ctx, "Seeder applied", logrus.Fields{"seeder": seeder})
	}

	return nil
}

// Rollback is a no-op; seeded rows are undone by the database restore.
func (s *RunSeedsStep) Rollback(context.Context, *pipeline.Context) error {
	return nil
}
