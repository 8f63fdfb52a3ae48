package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/fsutil"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/shell"
	"github.com/ethpandaops/upgradoor/pkg/store"
)

// SnapshotCodeStep copies the application directory aside so rollback can
// restore files the code driver does not track, such as installed
// dependencies and built assets.
type SnapshotCodeStep struct {
	deps *Deps
}

var _ pipeline.Step = (*SnapshotCodeStep)(nil)

// NewSnapshotCodeStep creates the snapshot-code step.
func NewSnapshotCodeStep(d *Deps) *SnapshotCodeStep {
	return &SnapshotCodeStep{deps: d}
}

func (s *SnapshotCodeStep) Name() string { return NameSnapshotCode }

func (s *SnapshotCodeStep) ShouldRun(rc *pipeline.Context) bool {
	return rc.Options.WantsSnapshot()
}

func (s *SnapshotCodeStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	dir := filepath.Join(
		s.deps.Config.ResolvePath(s.deps.updater().Snapshot.Dir),
		fmt.Sprintf("run-%d", rc.RunID),
	)

	// Remove any stale snapshot from a previous attempt with the same id.
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing stale snapshot %q: %w", dir, err)
	}

	if err := fsutil.MkdirAll(dir, 0o750, s.deps.owner()); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	// Trailing slashes are significant for rsync: source/ copies contents,
	// not the directory itself.
	args := append([]string{"-a"}, s.excludes()...)
	args = append(args, s.deps.appDir()+"/", dir+"/")

	if _, err := s.deps.Runner.Run(ctx, &shell.Command{
		Name:    "rsync",
		Args:    args,
		Timeout: s.deps.updater().CommandTimeout,
	}); err != nil {
		_ = os.RemoveAll(dir)

		return fmt.Errorf("copying application to snapshot: %w", err)
	}

	rc.SnapshotPath = dir

	size := fsutil.DirSize(dir)

	rc.Reporter().Info(ctx, "Code snapshot created", logrus.Fields{
		"path":  dir,
		"bytes": size,
	})

	return s.deps.Store.AddArtifact(ctx, &store.Artifact{
		RunID:     rc.RunID,
		Kind:      store.ArtifactSnapshot,
		Path:      dir,
		SizeBytes: size,
	})
}

func (s *SnapshotCodeStep) Rollback(ctx context.Context, rc *pipeline.Context) error {
	if rc.SnapshotPath == "" {
		return nil
	}

	if _, err := os.Stat(rc.SnapshotPath); err != nil {
		return fmt.Errorf("snapshot %q unavailable: %w", rc.SnapshotPath, err)
	}

	args := append([]string{"-a", "--delete"}, s.excludes()...)
	args = append(args, rc.SnapshotPath+"/", s.deps.appDir()+"/")

	if _, err := s.deps.Runner.Run(ctx, &shell.Command{
		Name:    "rsync",
		Args:    args,
		Timeout: s.deps.updater().CommandTimeout,
	}); err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}

	rc.Reporter().Info(ctx, "Code restored from snapshot", logrus.Fields{"path": rc.SnapshotPath})

	return nil
}

// excludes keeps upgradoor's own state out of snapshots and restores:
// snapshots, backups, locks, the state store, the log file and the
// maintenance flag all live under the application directory by default.
func (s *SnapshotCodeStep) excludes() []string {
	cfg := s.deps.Config
	u := &cfg.Updater

	paths := []string{
		cfg.ResolvePath(u.Snapshot.Dir),
		cfg.ResolvePath(u.Backup.Dir),
		cfg.ResolvePath(u.Maintenance.FlagFile),
		cfg.ResolvePath(cfg.Global.LogFile.Path),
	}

	if u.Lock.Driver == config.LockDriverFile {
		paths = append(paths, cfg.ResolvePath(u.Lock.File.Dir))
	}

	if cfg.Store.Driver == config.DriverSQLite {
		paths = append(paths, cfg.ResolvePath(cfg.Store.SQLite.Path))
	}

	var args []string

	for _, p := range paths {
		if p == "" {
			continue
		}

		rel, err := filepath.Rel(s.deps.appDir(), p)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}

		args = append(args, "--exclude", "/"+filepath.ToSlash(rel))
	}

	return args
}
