package steps

import (
	"context"

	"github.com/ethpandaops/upgradoor/pkg/migrate"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

// RunMigrationsStep applies pending schema migrations through the
// idempotent migration engine.
type RunMigrationsStep struct {
	deps *Deps
}

var _ pipeline.Step = (*RunMigrationsStep)(nil)

// NewRunMigrationsStep creates the run-migrations step.
func NewRunMigrationsStep(d *Deps) *RunMigrationsStep {
	return &RunMigrationsStep{deps: d}
}

func (s *RunMigrationsStep) Name() string { return NameRunMigrations }

func (s *RunMigrationsStep) ShouldRun(*pipeline.Context) bool {
	return s.deps.Migrator != nil
}

func (s *RunMigrationsStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	cfg := s.deps.Config.Migrations

	summary, err := s.deps.Migrator.Run(ctx, migrate.Options{
		Database:   cfg.Database,
		Path:       cfg.Path,
		Strict:     cfg.Strict,
		DryRun:     rc.Options.DryRun,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.Backoff,
	}, rc.Reporter())

	rc.Migrations = summary

	return err
}

// Rollback is a no-op. Schema changes are undone by restoring the database
// backup, since most engines cannot roll back DDL.
func (s *RunMigrationsStep) Rollback(context.Context, *pipeline.Context) error {
	return nil
}
