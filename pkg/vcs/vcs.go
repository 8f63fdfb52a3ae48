// Package vcs wraps the version-control operations used to move an
// application checkout between revisions.
package vcs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDiverged is returned by a fast-forward-only update when the local
	// branch has commits the remote does not.
	ErrDiverged = errors.New("local branch has diverged from remote")

	// ErrDirtyWorkTree is returned by preflight checks when the checkout has
	// uncommitted changes.
	ErrDirtyWorkTree = errors.New("working tree has uncommitted changes")

	// ErrNoTags is returned by tag mode when no release tag can be found.
	ErrNoTags = errors.New("no tags found")
)

// UpdateError is returned when Update fails. The working tree is left at
// the revision it had before the call unless Err says otherwise.
type UpdateError struct {
	Mode string
	Err  error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("%s update failed: %v", e.Mode, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Status compares the local checkout with its update target.
type Status struct {
	Mode           string `json:"mode"`
	Revision       string `json:"revision"`
	Target         string `json:"target"`
	TargetRevision string `json:"target_revision"`
	Ahead          int    `json:"ahead"`
	Behind         int    `json:"behind"`
	HasUpdates     bool   `json:"has_updates"`
}

// Diverged reports whether the local side has commits the target lacks.
func (s *Status) Diverged() bool {
	return s.Ahead > 0
}

// Driver is a code update driver.
type Driver interface {
	// Fetch refreshes remote refs and tags.
	Fetch(ctx context.Context) error
	// CurrentRevision returns the checked-out commit id.
	CurrentRevision(ctx context.Context) (string, error)
	// Status fetches and compares the checkout against the update target.
	Status(ctx context.Context) (*Status, error)
	// IsClean reports whether the working tree has no uncommitted changes.
	IsClean(ctx context.Context) (bool, error)
	// Update moves the checkout to the update target and returns the
	// resulting revision.
	Update(ctx context.Context) (string, error)
	// Rollback hard-resets the checkout to revision.
	Rollback(ctx context.Context, revision string) error
}
