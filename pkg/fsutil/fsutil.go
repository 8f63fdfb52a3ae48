// Package fsutil holds the file helpers shared by the backup, snapshot and
// maintenance steps.
package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OwnerConfig holds parsed UID/GID for file ownership.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(owner, ":")
	if !ok {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates directory and sets ownership of the leaf.
func MkdirAll(path string, perm os.FileMode, owner *OwnerConfig) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// WriteFile writes data through a temporary file in the same directory,
// so readers never observe a partial file.
func WriteFile(path string, data []byte, perm os.FileMode, owner *OwnerConfig) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}

	Chown(tmp, owner)

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return err
	}

	return nil
}

// CopyFile copies src to dst through a temporary file so dst is never
// left half written.
func CopyFile(src, dst string, owner *OwnerConfig) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)

		return fmt.Errorf("copying %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("closing %s: %w", tmp, err)
	}

	Chown(tmp, owner)

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replacing %s: %w", dst, err)
	}

	return nil
}

// DirSize sums the sizes of the regular files under dir. Unreadable
// entries are skipped.
func DirSize(dir string) int64 {
	var total int64

	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // Best-effort size.
		}

		if info, err := d.Info(); err == nil {
			total += info.Size()
		}

		return nil
	})

	return total
}
