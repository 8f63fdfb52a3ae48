// Package upload ships backup artifacts off the host.
package upload

import "context"

// Uploader copies backup artifacts to remote storage.
type Uploader interface {
	// Preflight fails fast when the destination is unreachable or read-only.
	Preflight(ctx context.Context) error

	// Upload stores the file at localPath for the given run and returns
	// its remote location.
	Upload(ctx context.Context, localPath string, runID uint) (string, error)
}
