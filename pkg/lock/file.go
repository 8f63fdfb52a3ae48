package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileBackend stores each lock as a file created with O_EXCL. The file body
// is the JSON-encoded Record, so the primitive and its metadata are one
// object on disk.
type FileBackend struct {
	dir string
	now func() time.Time
}

// Ensure interface compliance.
var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	return &FileBackend{dir: dir, now: time.Now}, nil
}

func (f *FileBackend) path(key string) string {
	name := strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(key)

	return filepath.Join(f.dir, name+".lock")
}

// TryLock ignores ttl when the lock file is fresh. An expired file (when a
// ttl was recorded) is replaced.
func (f *FileBackend) TryLock(
	ctx context.Context, rec *Record, ttl time.Duration,
) (bool, error) {
	path := f.path(rec.Key)

	data, err := json.Marshal(fileRecord{Record: *rec, TTL: ttl})
	if err != nil {
		return false, fmt.Errorf("encoding lock record: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		//nolint:gosec // Path is derived from configuration.
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := fh.Write(data); werr != nil {
				_ = fh.Close()
				_ = os.Remove(path)

				return false, fmt.Errorf("writing lock file: %w", werr)
			}

			if cerr := fh.Close(); cerr != nil {
				return false, fmt.Errorf("closing lock file: %w", cerr)
			}

			return true, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return false, fmt.Errorf("creating lock file: %w", err)
		}

		existing, rerr := f.read(path)
		if rerr != nil || existing == nil || !existing.expired(f.now()) {
			return false, nil
		}

		if err := f.Unlock(ctx, rec.Key, existing.Token); err != nil {
			return false, fmt.Errorf("removing expired lock file: %w", err)
		}
	}

	return false, nil
}

// Unlock moves the lock file aside before checking its token, so a file
// written by a new holder in the meantime is never removed. A file that
// turns out to belong to someone else is linked back in place.
func (f *FileBackend) Unlock(_ context.Context, key, token string) error {
	path := f.path(key)

	existing, err := f.read(path)
	if err != nil {
		return err
	}

	if existing == nil || existing.Token != token {
		return nil
	}

	aside := path + "." + uuid.NewString() + ".release"

	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("moving lock file aside: %w", err)
	}

	defer func() { _ = os.Remove(aside) }()

	moved, err := f.read(aside)
	if err != nil {
		return err
	}

	if moved != nil && moved.Token == token {
		return nil
	}

	if err := os.Link(aside, path); err != nil {
		return fmt.Errorf("restoring lock file of another holder: %w", err)
	}

	return nil
}

func (f *FileBackend) Metadata(_ context.Context, key string) (*Record, error) {
	existing, err := f.read(f.path(key))
	if err != nil || existing == nil {
		return nil, err
	}

	return &existing.Record, nil
}

type fileRecord struct {
	Record
	TTL time.Duration `json:"ttl,omitempty"`
}

func (r *fileRecord) expired(now time.Time) bool {
	return r.TTL > 0 && now.After(r.AcquiredAt.Add(r.TTL))
}

// read returns nil when the file is missing. A file that exists but cannot
// be decoded yields a record with a zero AcquiredAt, which any stale check
// treats as ancient.
func (f *FileBackend) read(path string) (*fileRecord, error) {
	//nolint:gosec // Path is derived from configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading lock file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return &fileRecord{}, nil
	}

	return &rec, nil
}
