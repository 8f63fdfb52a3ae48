package steps

import (
	"context"
	"fmt"

	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

// DependencyInstallStep runs the configured dependency installers.
type DependencyInstallStep struct {
	deps *Deps
}

var _ pipeline.Step = (*DependencyInstallStep)(nil)

// NewDependencyInstallStep creates the dependency-install step.
func NewDependencyInstallStep(d *Deps) *DependencyInstallStep {
	return &DependencyInstallStep{deps: d}
}

func (s *DependencyInstallStep) Name() string { return NameDependencyInstall }

func (s *DependencyInstallStep) ShouldRun(*pipeline.Context) bool {
	return len(s.deps.updater().Dependencies.Commands) > 0
}

func (s *DependencyInstallStep) Handle(ctx context.Context, _ *pipeline.Context) error {
	if err := s.deps.runLines(ctx, s.deps.updater().Dependencies.Commands); err != nil {
		return fmt.Errorf("installing dependencies: %w", err)
	}

	return nil
}

// Rollback is a no-op; the code snapshot restores installed dependencies.
func (s *DependencyInstallStep) Rollback(context.Context, *pipeline.Context) error {
	return nil
}

// BuildAssetsStep runs the configured asset build.
type BuildAssetsStep struct {
	deps *Deps
}

var _ pipeline.Step = (*BuildAssetsStep)(nil)

// NewBuildAssetsStep creates the build-assets step.
func NewBuildAssetsStep(d *Deps) *BuildAssetsStep {
	return &BuildAssetsStep{deps: d}
}

func (s *BuildAssetsStep) Name() string { return NameBuildAssets }

func (s *BuildAssetsStep) ShouldRun(rc *pipeline.Context) bool {
	return !rc.Options.NoBuild && len(s.deps.updater().Build.Commands) > 0
}

func (s *BuildAssetsStep) Handle(ctx context.Context, _ *pipeline.Context) error {
	if err := s.deps.runLines(ctx, s.deps.updater().Build.Commands); err != nil {
		return fmt.Errorf("building assets: %w", err)
	}

	return nil
}

func (s *BuildAssetsStep) Rollback(context.Context, *pipeline.Context) error {
	return nil
}

// CacheRebuildStep rebuilds caches and then runs post-update commands from
// the config followed by those passed in the run options.
type CacheRebuildStep struct {
	deps *Deps
}

var _ pipeline.Step = (*CacheRebuildStep)(nil)

// NewCacheRebuildStep creates the cache-rebuild step.
func NewCacheRebuildStep(d *Deps) *CacheRebuildStep {
	return &CacheRebuildStep{deps: d}
}

func (s *CacheRebuildStep) Name() string { return NameCacheRebuild }

func (s *CacheRebuildStep) commands(rc *pipeline.Context) []string {
	u := s.deps.updater()

	lines := make([]string, 0, len(u.Cache.RebuildCommands)+len(u.PostUpdateCommands)+len(rc.Options.PostUpdateCommands))
	lines = append(lines, u.Cache.RebuildCommands...)
	lines = append(lines, u.PostUpdateCommands...)
	lines = append(lines, rc.Options.PostUpdateCommands...)

	return lines
}

func (s *CacheRebuildStep) ShouldRun(rc *pipeline.Context) bool {
	return len(s.commands(rc)) > 0
}

func (s *CacheRebuildStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	if err := s.deps.runLines(ctx, s.commands(rc)); err != nil {
		return fmt.Errorf("rebuilding caches: %w", err)
	}

	return nil
}

// Rollback clears caches built against the new code.
func (s *CacheRebuildStep) Rollback(ctx context.Context, _ *pipeline.Context) error {
	if err := s.deps.runLines(ctx, s.deps.updater().Cache.ClearCommands); err != nil {
		return fmt.Errorf("clearing caches: %w", err)
	}

	return nil
}
