// Package steps implements the update pipeline steps. Each step is a thin
// adapter over one collaborator: the lock, the shell, the code driver, the
// migration engine or the state store.
package steps

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/fsutil"
	"github.com/ethpandaops/upgradoor/pkg/lock"
	"github.com/ethpandaops/upgradoor/pkg/migrate"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/shell"
	"github.com/ethpandaops/upgradoor/pkg/store"
	"github.com/ethpandaops/upgradoor/pkg/upload"
	"github.com/ethpandaops/upgradoor/pkg/vcs"
)

// Step names in canonical order.
const (
	NameLock              = "lock"
	NameMaintenanceOn     = "maintenance-on"
	NameBackupDatabase    = "backup-database"
	NameSnapshotCode      = "snapshot-code"
	NameCodeUpdate        = "code-update"
	NameDependencyInstall = "dependency-install"
	NameRunMigrations     = "run-migrations"
	NameRunSeeds          = "run-seeds"
	NameApplySQLPatches   = "apply-sql-patches"
	NameBuildAssets       = "build-assets"
	NameCacheRebuild      = "cache-rebuild"
	NameHealthCheck       = "health-check"
	NameMaintenanceOff    = "maintenance-off"
)

// Migrator runs the migration engine.
type Migrator interface {
	Run(ctx context.Context, opts migrate.Options, rep migrate.Reporter) (*migrate.Summary, error)
}

// Deps are the collaborators shared by the steps.
type Deps struct {
	Log      logrus.FieldLogger
	Config   *config.Config
	Runner   shell.Runner
	Lock     lock.Locker
	VCS      vcs.Driver
	Migrator Migrator
	Targets  migrate.Resolver
	Store    store.Store
	// Uploader is nil when off-site backup copies are disabled.
	Uploader upload.Uploader
	HTTP     *http.Client
	Now      func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}

	return time.Now()
}

// owner is the configured owner of files the steps create. The value was
// validated when the config was loaded.
func (d *Deps) owner() *fsutil.OwnerConfig {
	owner, _ := fsutil.ParseOwner(d.Config.Updater.Owner)

	return owner
}

func (d *Deps) updater() *config.UpdaterConfig {
	return &d.Config.Updater
}

func (d *Deps) appDir() string {
	return d.Config.Updater.AppDir
}

// runLines runs configured shell lines inside the application directory.
func (d *Deps) runLines(ctx context.Context, lines []string) error {
	return shell.RunLines(ctx, d.Runner, d.appDir(), lines, d.Config.Updater.CommandTimeout)
}

// Default returns the canonical step list.
func Default(d *Deps) []pipeline.Step {
	maint := newMaintenance(d)

	return []pipeline.Step{
		NewLockStep(d),
		NewMaintenanceOnStep(d, maint),
		NewBackupDatabaseStep(d),
		NewSnapshotCodeStep(d),
		NewCodeUpdateStep(d),
		NewDependencyInstallStep(d),
		NewRunMigrationsStep(d),
		NewRunSeedsStep(d),
		NewApplySQLPatchesStep(d),
		NewBuildAssetsStep(d),
		NewCacheRebuildStep(d),
		NewHealthCheckStep(d),
		NewMaintenanceOffStep(d, maint),
	}
}

// Guards returns the steps whose Handle brackets a manual rollback: the
// lock and maintenance mode. Their own rollbacks undo both afterwards.
func Guards(all []pipeline.Step) []pipeline.Step {
	var out []pipeline.Step

	for _, s := range all {
		switch s.Name() {
		case NameLock, NameMaintenanceOn:
			out = append(out, s)
		}
	}

	return out
}
