// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddttom/invisible-users-sub000/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		store, err := local.New(local.Config{BaseDir: tempDir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.Equal(t, tempDir, store.BaseDir())
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "cache")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp(t.TempDir(), "testfile")
		require.NoError(t, err)
		require.NoError(t, tempFile.Close())

		_, err = local.New(local.Config{BaseDir: tempFile.Name()})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))

		_, err := local.New(local.Config{BaseDir: tempDir})
		assert.Error(t, err)

		// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
		require.NoError(t, os.Chmod(tempDir, 0o700))
	})
}

func TestPutGetDelete(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidPut", func(t *testing.T) {
		path := "served/abc.html"
		data := []byte("<html></html>")
		uri, err := store.PutObject(ctx, path, data)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		got, err := store.GetObject(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		info, err := os.Stat(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("OverwriteLeavesNoTempFiles", func(t *testing.T) {
		path := "entry.json"
		_, err := store.PutObject(ctx, path, []byte(`{"v":1}`))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, path, []byte(`{"v":2}`))
		require.NoError(t, err)

		got, err := store.GetObject(ctx, path)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))

		matches, err := filepath.Glob(filepath.Join(tempDir, ".*.tmp"))
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("MissingIsNotFound", func(t *testing.T) {
		_, err := store.GetObject(ctx, "nope.json")
		require.ErrorIs(t, err, local.ErrNotFound)
	})

	t.Run("DeleteIgnoresMissing", func(t *testing.T) {
		_, err := store.PutObject(ctx, "gone.json", []byte("x"))
		require.NoError(t, err)
		require.NoError(t, store.DeleteObject(ctx, "gone.json"))
		require.NoError(t, store.DeleteObject(ctx, "gone.json"))
		_, err = store.GetObject(ctx, "gone.json")
		require.ErrorIs(t, err, local.ErrNotFound)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.txt", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.PutObject(canceled, "x.json", []byte("data"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
