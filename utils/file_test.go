package utils

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a", "deep")
	b := filepath.Join(base, "b")
	require.NoError(t, EnsureDirs(a, b))
	assert.DirExists(t, a)
	assert.DirExists(t, b)

	// Existing dirs are fine.
	require.NoError(t, EnsureDirs(a))
}

func TestValidFile(t *testing.T) {
	dir := t.TempDir()

	assert.False(t, ValidFile(filepath.Join(dir, "missing")))
	assert.False(t, ValidFile(dir), "directories are not valid files")

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	assert.False(t, ValidFile(empty), "empty files are not valid")

	full := filepath.Join(dir, "full")
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o600))
	assert.True(t, ValidFile(full))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("rootfs image"), 0o644))

	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "rootfs image", string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, CopyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "dst")))
}

func TestScanSubdirs(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "vm-1"), 0o750))
	require.NoError(t, os.Mkdir(filepath.Join(base, "vm-2"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(base, "stray-file"), []byte("x"), 0o600))

	names := ScanSubdirs(base)
	assert.ElementsMatch(t, []string{"vm-1", "vm-2"}, names)

	assert.Empty(t, ScanSubdirs(filepath.Join(base, "missing")))
}

func TestRemoveMatching(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "keep"), 0o750))
	require.NoError(t, os.Mkdir(filepath.Join(base, "drop"), 0o750))

	errs := RemoveMatching(context.Background(), base, func(e os.DirEntry) bool {
		return e.Name() == "drop"
	})
	assert.Empty(t, errs)
	assert.DirExists(t, filepath.Join(base, "keep"))
	assert.NoDirExists(t, filepath.Join(base, "drop"))

	assert.Empty(t, RemoveMatching(context.Background(), filepath.Join(base, "missing"), func(os.DirEntry) bool { return true }))
}
