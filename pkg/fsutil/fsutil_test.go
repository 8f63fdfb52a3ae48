package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		input   string
		want    *OwnerConfig
		wantErr bool
	}{
		{input: "", want: nil},
		{input: "33:33", want: &OwnerConfig{UID: 33, GID: 33}},
		{input: "1000:100", want: &OwnerConfig{UID: 1000, GID: 100}},
		{input: "www-data", wantErr: true},
		{input: "a:1", wantErr: true},
		{input: "1:-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "app.db")
	dst := filepath.Join(dir, "backup.sqlite")

	require.NoError(t, os.WriteFile(src, []byte("SQLite format 3"), 0o600))
	require.NoError(t, os.WriteFile(dst, []byte("stale and longer content"), 0o600))

	require.NoError(t, CopyFile(src, dst, nil))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3", string(data))
	assert.NoFileExists(t, dst+".tmp")

	require.Error(t, CopyFile(filepath.Join(dir, "missing.db"), dst, nil))
}

func TestWriteFileAndDirSize(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "storage", "framework")

	require.NoError(t, MkdirAll(nested, 0o755, nil))
	require.NoError(t, WriteFile(filepath.Join(nested, "down"), []byte(`{"run_id":1}`), 0o644, nil))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12345"), 0o600))

	assert.NoFileExists(t, filepath.Join(nested, "down.tmp"))
	assert.Equal(t, int64(len(`{"run_id":1}`)+5), DirSize(dir))
	assert.Equal(t, int64(0), DirSize(filepath.Join(dir, "missing")))
}
