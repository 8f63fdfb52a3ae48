package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/fsutil"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/shell"
	"github.com/ethpandaops/upgradoor/pkg/store"
)

// BackupDatabaseStep dumps the application database before anything
// changes, and optionally copies the dump off-site. Rollback restores it.
type BackupDatabaseStep struct {
	deps *Deps
}

var _ pipeline.Step = (*BackupDatabaseStep)(nil)

// NewBackupDatabaseStep creates the backup-database step.
func NewBackupDatabaseStep(d *Deps) *BackupDatabaseStep {
	return &BackupDatabaseStep{deps: d}
}

func (s *BackupDatabaseStep) Name() string { return NameBackupDatabase }

func (s *BackupDatabaseStep) ShouldRun(rc *pipeline.Context) bool {
	return rc.Options.WantsDatabaseBackup()
}

func (s *BackupDatabaseStep) database() (*config.DatabaseConfig, error) {
	name := s.deps.updater().Backup.Database

	db, ok := s.deps.Config.Databases[name]
	if !ok {
		return nil, fmt.Errorf("backup database %q is not configured", name)
	}

	return &db, nil
}

func (s *BackupDatabaseStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	db, err := s.database()
	if err != nil {
		return err
	}

	dir := s.deps.Config.ResolvePath(s.deps.updater().Backup.Dir)
	if err := fsutil.MkdirAll(dir, 0o750, s.deps.owner()); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf(
		"backup-%d-%s.%s", rc.RunID, s.deps.now().UTC().Format("20060102T150405"), dumpExtension(db.Driver),
	))

	if err := s.dump(ctx, db, path); err != nil {
		_ = os.Remove(path)

		return fmt.Errorf("dumping %s database: %w", db.Driver, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat backup: %w", err)
	}

	fsutil.Chown(path, s.deps.owner())

	rc.BackupFile = path

	rep := rc.Reporter()
	rep.Info(ctx, "Database backup created", logrus.Fields{
		"path":  path,
		"bytes": info.Size(),
	})

	if err := s.deps.Store.AddArtifact(ctx, &store.Artifact{
		RunID:     rc.RunID,
		Kind:      store.ArtifactBackup,
		Path:      path,
		SizeBytes: info.Size(),
	}); err != nil {
		return err
	}

	s.upload(ctx, rc, path, info.Size())

	return nil
}

// upload copies the dump off-site. Failures become run warnings.
func (s *BackupDatabaseStep) upload(ctx context.Context, rc *pipeline.Context, path string, size int64) {
	if s.deps.Uploader == nil {
		return
	}

	rep := rc.Reporter()

	location, err := s.deps.Uploader.Upload(ctx, path, rc.RunID)
	if err != nil {
		rc.AddWarning("backup upload failed: %v", err)
		rep.Warn(ctx, "Backup upload failed", logrus.Fields{"error": err.Error()})

		return
	}

	if err := s.deps.Store.AddArtifact(ctx, &store.Artifact{
		RunID:     rc.RunID,
		Kind:      store.ArtifactUpload,
		Path:      path,
		SizeBytes: size,
		Location:  location,
	}); err != nil {
		rc.AddWarning("registering uploaded backup: %v", err)
	}

	rep.Info(ctx, "Backup uploaded", logrus.Fields{"location": location})
}

func (s *BackupDatabaseStep) Rollback(ctx context.Context, rc *pipeline.Context) error {
	if rc.BackupFile == "" {
		return nil
	}

	db, err := s.database()
	if err != nil {
		return err
	}

	if err := s.restore(ctx, db, rc.BackupFile); err != nil {
		return fmt.Errorf("restoring %s: %w", rc.BackupFile, err)
	}

	rc.Reporter().Info(ctx, "Database restored from backup", logrus.Fields{"path": rc.BackupFile})

	return nil
}

func dumpExtension(driver string) string {
	switch driver {
	case config.DriverPostgres:
		return "dump"
	case config.DriverSQLite:
		return "sqlite"
	default:
		return "sql"
	}
}

func (s *BackupDatabaseStep) dump(ctx context.Context, db *config.DatabaseConfig, path string) error {
	timeout := s.deps.updater().CommandTimeout

	switch db.Driver {
	case config.DriverSQLite:
		return fsutil.CopyFile(db.SQLite.Path, path, s.deps.owner())
	case config.DriverPostgres:
		pg := db.Postgres
		_, err := s.deps.Runner.Run(ctx, &shell.Command{
			Name: "pg_dump",
			Args: []string{
				"--format=custom",
				"--host", pg.Host,
				"--port", strconv.Itoa(pg.Port),
				"--username", pg.User,
				"--file", path,
				pg.Database,
			},
			Env:     []string{"PGPASSWORD=" + pg.Password},
			Timeout: timeout,
		})

		return err
	case config.DriverMySQL:
		my := db.MySQL
		_, err := s.deps.Runner.Run(ctx, &shell.Command{
			Name: "mysqldump",
			Args: []string{
				"--single-transaction",
				"--routines",
				"--host", my.Host,
				"--port", strconv.Itoa(my.Port),
				"--user", my.User,
				"--result-file", path,
				my.Database,
			},
			Env:     []string{"MYSQL_PWD=" + my.Password},
			Timeout: timeout,
		})

		return err
	default:
		return fmt.Errorf("unsupported database driver: %q", db.Driver)
	}
}

func (s *BackupDatabaseStep) restore(ctx context.Context, db *config.DatabaseConfig, path string) error {
	timeout := s.deps.updater().CommandTimeout

	switch db.Driver {
	case config.DriverSQLite:
		return fsutil.CopyFile(path, db.SQLite.Path, s.deps.owner())
	case config.DriverPostgres:
		pg := db.Postgres
		_, err := s.deps.Runner.Run(ctx, &shell.Command{
			Name: "pg_restore",
			Args: []string{
				"--clean",
				"--if-exists",
				"--host", pg.Host,
				"--port", strconv.Itoa(pg.Port),
				"--username", pg.User,
				"--dbname", pg.Database,
				path,
			},
			Env:     []string{"PGPASSWORD=" + pg.Password},
			Timeout: timeout,
		})

		return err
	case config.DriverMySQL:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening backup: %w", err)
		}
		defer func() { _ = f.Close() }()

		my := db.MySQL
		_, err = s.deps.Runner.Run(ctx, &shell.Command{
			Name: "mysql",
			Args: []string{
				"--host", my.Host,
				"--port", strconv.Itoa(my.Port),
				"--user", my.User,
				my.Database,
			},
			Env:     []string{"MYSQL_PWD=" + my.Password},
			Stdin:   f,
			Timeout: timeout,
		})

		return err
	default:
		return fmt.Errorf("unsupported database driver: %q", db.Driver)
	}
}
