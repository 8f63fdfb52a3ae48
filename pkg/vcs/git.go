package vcs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/shell"
	"github.com/sirupsen/logrus"
)

const defaultGitTimeout = 5 * time.Minute

// GitDriver implements Driver by shelling out to the git binary.
type GitDriver struct {
	log    logrus.FieldLogger
	runner shell.Runner
	dir    string
	cfg    config.GitConfig
}

// Ensure interface compliance.
var _ Driver = (*GitDriver)(nil)

// NewGitDriver creates a git driver for the checkout at dir.
func NewGitDriver(
	log logrus.FieldLogger,
	runner shell.Runner,
	dir string,
	cfg config.GitConfig,
) *GitDriver {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}

	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}

	if cfg.Branch == "" {
		cfg.Branch = "main"
	}

	if cfg.Mode == "" {
		cfg.Mode = config.ModeFastForward
	}

	return &GitDriver{
		log:    log.WithField("component", "vcs"),
		runner: runner,
		dir:    dir,
		cfg:    cfg,
	}
}

func (g *GitDriver) git(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, &shell.Command{
		Name:    g.cfg.Binary,
		Args:    append([]string{"-C", g.dir}, args...),
		Timeout: defaultGitTimeout,
	})
}

func (g *GitDriver) remoteRef() string {
	return g.cfg.Remote + "/" + g.cfg.Branch
}

// Fetch updates remote-tracking refs and tags.
func (g *GitDriver) Fetch(ctx context.Context) error {
	if _, err := g.git(ctx, "fetch", "--tags", "--prune", g.cfg.Remote); err != nil {
		return fmt.Errorf("fetching %s: %w", g.cfg.Remote, err)
	}

	return nil
}

// CurrentRevision returns the full commit hash of HEAD.
func (g *GitDriver) CurrentRevision(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading current revision: %w", err)
	}

	return out, nil
}

// IsClean reports whether git status shows no changes.
func (g *GitDriver) IsClean(ctx context.Context) (bool, error) {
	out, err := g.git(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, fmt.Errorf("reading work tree status: %w", err)
	}

	return strings.TrimSpace(out) == "", nil
}

// Status fetches and compares HEAD with the configured target.
func (g *GitDriver) Status(ctx context.Context) (*Status, error) {
	if err := g.Fetch(ctx); err != nil {
		return nil, err
	}

	return g.compare(ctx)
}

func (g *GitDriver) compare(ctx context.Context) (*Status, error) {
	revision, err := g.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}

	target := g.remoteRef()

	if g.cfg.Mode == config.ModeTag {
		target, err = g.targetTag(ctx)
		if err != nil {
			return nil, err
		}
	}

	targetRevision, err := g.git(ctx, "rev-list", "-n", "1", target)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", target, err)
	}

	ahead, behind, err := g.aheadBehind(ctx, target)
	if err != nil {
		return nil, err
	}

	return &Status{
		Mode:           g.cfg.Mode,
		Revision:       revision,
		Target:         target,
		TargetRevision: targetRevision,
		Ahead:          ahead,
		Behind:         behind,
		HasUpdates:     revision != targetRevision && behind > 0,
	}, nil
}

func (g *GitDriver) aheadBehind(ctx context.Context, target string) (int, int, error) {
	out, err := g.git(ctx, "rev-list", "--left-right", "--count", "HEAD..."+target)
	if err != nil {
		return 0, 0, fmt.Errorf("comparing HEAD with %s: %w", target, err)
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}

	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing ahead count: %w", err)
	}

	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing behind count: %w", err)
	}

	return ahead, behind, nil
}

// targetTag returns the pinned tag, or the highest version tag.
func (g *GitDriver) targetTag(ctx context.Context) (string, error) {
	if g.cfg.Tag != "" {
		return g.cfg.Tag, nil
	}

	out, err := g.git(ctx, "tag", "--list", "--sort=-v:refname")
	if err != nil {
		return "", fmt.Errorf("listing tags: %w", err)
	}

	for _, line := range strings.Split(out, "\n") {
		if tag := strings.TrimSpace(line); tag != "" {
			return tag, nil
		}
	}

	return "", ErrNoTags
}

// Update fetches and moves the checkout according to the configured mode.
// In fast-forward mode a diverged branch is rejected before anything in the
// working tree is touched.
func (g *GitDriver) Update(ctx context.Context) (string, error) {
	if err := g.Fetch(ctx); err != nil {
		return "", &UpdateError{Mode: g.cfg.Mode, Err: err}
	}

	status, err := g.compare(ctx)
	if err != nil {
		return "", &UpdateError{Mode: g.cfg.Mode, Err: err}
	}

	log := g.log.WithFields(logrus.Fields{
		"mode":     g.cfg.Mode,
		"target":   status.Target,
		"revision": status.Revision,
		"ahead":    status.Ahead,
		"behind":   status.Behind,
	})

	switch g.cfg.Mode {
	case config.ModeFastForward:
		if status.Diverged() {
			return "", &UpdateError{
				Mode: g.cfg.Mode,
				Err:  fmt.Errorf("%w: %d local commit(s) not on %s", ErrDiverged, status.Ahead, status.Target),
			}
		}

		if status.Behind == 0 {
			log.Info("Already up to date")

			return status.Revision, nil
		}

		if _, err := g.git(ctx, "merge", "--ff-only", status.Target); err != nil {
			return "", &UpdateError{Mode: g.cfg.Mode, Err: err}
		}
	case config.ModeTag:
		if status.Revision == status.TargetRevision {
			log.Info("Already at target tag")

			return status.Revision, nil
		}

		if _, err := g.git(ctx, "checkout", "--detach", status.Target); err != nil {
			return "", &UpdateError{Mode: g.cfg.Mode, Err: err}
		}
	case config.ModeMerge:
		if status.Behind == 0 {
			log.Info("Already up to date")

			return status.Revision, nil
		}

		if _, err := g.git(ctx, "merge", "--no-edit", status.Target); err != nil {
			// Leave the tree as it was before the merge attempt.
			_, _ = g.git(ctx, "merge", "--abort")

			return "", &UpdateError{Mode: g.cfg.Mode, Err: err}
		}
	default:
		return "", &UpdateError{Mode: g.cfg.Mode, Err: fmt.Errorf("unknown mode %q", g.cfg.Mode)}
	}

	revision, err := g.CurrentRevision(ctx)
	if err != nil {
		return "", &UpdateError{Mode: g.cfg.Mode, Err: err}
	}

	log.WithField("new_revision", revision).Info("Code updated")

	return revision, nil
}

// Rollback discards local changes and resets to revision. A checkout that
// a tag update left detached is put back on the configured branch when the
// branch still points at revision, so later branch updates start from it.
func (g *GitDriver) Rollback(ctx context.Context, revision string) error {
	if revision == "" {
		return errors.New("rollback revision is empty")
	}

	if err := g.reattach(ctx, revision); err != nil {
		return err
	}

	if _, err := g.git(ctx, "reset", "--hard", revision); err != nil {
		return fmt.Errorf("resetting to %s: %w", revision, err)
	}

	g.log.WithField("revision", revision).Info("Code rolled back")

	return nil
}

func (g *GitDriver) reattach(ctx context.Context, revision string) error {
	// symbolic-ref fails only on a detached HEAD.
	if _, err := g.git(ctx, "symbolic-ref", "-q", "HEAD"); err == nil {
		return nil
	}

	target, err := g.git(ctx, "rev-parse", "--verify", "-q", revision+"^{commit}")
	if err != nil {
		return fmt.Errorf("resolving %s: %w", revision, err)
	}

	tip, err := g.git(ctx, "rev-parse", "--verify", "-q", "refs/heads/"+g.cfg.Branch)
	if err != nil || tip != target {
		// HEAD was already detached before the update.
		return nil
	}

	if _, err := g.git(ctx, "checkout", "-f", g.cfg.Branch); err != nil {
		return fmt.Errorf("checking out %s: %w", g.cfg.Branch, err)
	}

	g.log.WithField("branch", g.cfg.Branch).Info("Reattached detached checkout")

	return nil
}
