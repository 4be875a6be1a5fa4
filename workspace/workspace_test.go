package workspace

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/cratebox/errdefs"
)

func TestOpen(t *testing.T) {
	t.Run("CreatesLayout", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "ws")
		ws, err := Open(root, WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)

		for _, dir := range []string{ws.ToolchainsDir(), ws.CacheDir(), ws.BuildsDir()} {
			info, err := os.Stat(dir)
			require.NoError(t, err)
			assert.True(t, info.IsDir())
		}
		assert.FileExists(t, ws.LockPath())
	})

	t.Run("Idempotent", func(t *testing.T) {
		root := t.TempDir()
		_, err := Open(root)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(root, CacheDirName, "keep"), []byte("x"), FilePermission))

		_, err = Open(root)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(root, CacheDirName, "keep"))
	})

	t.Run("EmptyRoot", func(t *testing.T) {
		_, err := Open("")
		assert.True(t, errdefs.Is(err, errdefs.KindIO))
	})

	t.Run("RootIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, nil, FilePermission))
		_, err := Open(file)
		assert.True(t, errdefs.Is(err, errdefs.KindIO))
	})
}

func TestPurge(t *testing.T) {
	ws := openTestWorkspace(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(ws.CacheDir(), "registry", "serde"), DirPermission))
	require.NoError(t, os.MkdirAll(filepath.Join(ws.ToolchainsDir(), "stable"), DirPermission))

	require.NoError(t, ws.PurgeCaches(ctx))
	entries, err := os.ReadDir(ws.CacheDir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, ws.PurgeToolchains(ctx))
	entries, err = os.ReadDir(ws.ToolchainsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Purging twice leaves the same state.
	require.NoError(t, ws.PurgeCaches(ctx))
	require.NoError(t, ws.PurgeToolchains(ctx))
	assert.DirExists(t, ws.CacheDir())
	assert.DirExists(t, ws.ToolchainsDir())
}

func TestPurgeStaleBuilds(t *testing.T) {
	ws := openTestWorkspace(t)

	stale, err := ws.NewBuildDir()
	require.NoError(t, err)
	kept, err := ws.NewBuildDir()
	require.NoError(t, err)
	kept.Persist()

	removed, err := ws.PurgeStaleBuilds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale.Path())
	assert.DirExists(t, kept.Path())

	// The stale directory is already gone; Close must still succeed.
	assert.NoError(t, stale.Close())
}

func TestPurgeReadOnlyTree(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory permissions differ on windows")
	}
	ws := openTestWorkspace(t)

	dir := filepath.Join(ws.CacheDir(), "git", "abc", "src")
	require.NoError(t, os.MkdirAll(dir, DirPermission))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.rs"), []byte("fn main() {}"), FilePermission))
	require.NoError(t, os.Chmod(dir, 0o555))

	require.NoError(t, ws.PurgeCaches(context.Background()))
	assert.NoDirExists(t, filepath.Join(ws.CacheDir(), "git"))
}
