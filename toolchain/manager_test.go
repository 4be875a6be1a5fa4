package toolchain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/workspace"
)

// MockInstaller implements Installer for testing
type MockInstaller struct {
	mu          sync.Mutex
	installErr  error
	installs    []Spec
	uninstalls  []Spec
	installHook func(dir string)
}

func (m *MockInstaller) Install(_ context.Context, spec Spec, dir string) error {
	m.mu.Lock()
	m.installs = append(m.installs, spec)
	m.mu.Unlock()
	if m.installHook != nil {
		m.installHook(dir)
	}
	if m.installErr != nil {
		return m.installErr
	}
	return os.WriteFile(filepath.Join(dir, "rustc"), []byte("binary"), 0o755)
}

func (m *MockInstaller) Uninstall(_ context.Context, spec Spec, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uninstalls = append(m.uninstalls, spec)
	return nil
}

func (m *MockInstaller) Environment(_ Spec, dir string) Environment {
	return Environment{PathEntries: []string{joinPath(dir, "bin")}}
}

func (m *MockInstaller) installCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.installs)
}

func newTestManager(t *testing.T, installer Installer) (*Manager, *workspace.Workspace) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ws, err := workspace.Open(t.TempDir(), workspace.WithLogger(logger), workspace.WithLockPollInterval(time.Millisecond))
	require.NoError(t, err)
	return NewManager(ws, installer, WithLogger(logger)), ws
}

func TestManagerInstall(t *testing.T) {
	ctx := context.Background()

	t.Run("InstallsOnce", func(t *testing.T) {
		installer := &MockInstaller{}
		manager, ws := newTestManager(t, installer)

		require.NoError(t, manager.Install(ctx, Dist("stable")))
		require.NoError(t, manager.Install(ctx, Dist("stable")))
		assert.Equal(t, 1, installer.installCount())

		dir := filepath.Join(ws.ToolchainsDir(), "dist-stable")
		assert.FileExists(t, filepath.Join(dir, "rustc"))
		assert.FileExists(t, filepath.Join(dir, manifestName))

		installed, err := manager.IsInstalled(Dist("stable"))
		require.NoError(t, err)
		assert.True(t, installed)
	})

	t.Run("ConcurrentInstallsRunOnce", func(t *testing.T) {
		installer := &MockInstaller{}
		manager, _ := newTestManager(t, installer)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, manager.Install(ctx, Dist("1.79.0")))
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, installer.installCount())
	})

	t.Run("FailureLeavesNothing", func(t *testing.T) {
		installer := &MockInstaller{
			installErr: errdefs.New(errdefs.KindToolchainUnavailable, "toolchain.rustup.install", "toolchain nope is not available"),
		}
		manager, ws := newTestManager(t, installer)

		err := manager.Install(ctx, Dist("nope"))
		assert.True(t, errdefs.Is(err, errdefs.KindToolchainUnavailable))

		entries, err := os.ReadDir(ws.ToolchainsDir())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("StaleStagingRemoved", func(t *testing.T) {
		installer := &MockInstaller{}
		manager, ws := newTestManager(t, installer)
		stale := filepath.Join(ws.ToolchainsDir(), stagingPrefix+"dist-stable-deadbeef")
		require.NoError(t, os.MkdirAll(stale, 0o755))

		require.NoError(t, manager.Install(ctx, Dist("beta")))
		assert.NoDirExists(t, stale)
	})

	t.Run("LocalPath", func(t *testing.T) {
		installer := &MockInstaller{}
		manager, ws := newTestManager(t, installer)

		local := t.TempDir()
		require.NoError(t, manager.Install(ctx, LocalPath("custom", local)))
		assert.Zero(t, installer.installCount())

		entries, err := os.ReadDir(ws.ToolchainsDir())
		require.NoError(t, err)
		assert.Empty(t, entries)

		err = manager.Install(ctx, LocalPath("missing", filepath.Join(local, "missing")))
		assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
	})

	t.Run("Cancelled", func(t *testing.T) {
		manager, ws := newTestManager(t, &MockInstaller{})
		lease, err := ws.AcquireShared(ctx)
		require.NoError(t, err)
		defer lease.Release()

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err = manager.Install(cctx, Dist("stable"))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("InstalledNeedsOnlySharedLock", func(t *testing.T) {
		installer := &MockInstaller{}
		manager, ws := newTestManager(t, installer)
		require.NoError(t, manager.Install(ctx, Dist("stable")))

		lease, err := ws.AcquireShared(ctx)
		require.NoError(t, err)
		defer lease.Release()

		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, manager.Install(cctx, Dist("stable")))
		assert.Equal(t, 1, installer.installCount())
	})
}

func TestManagerUninstall(t *testing.T) {
	ctx := context.Background()
	installer := &MockInstaller{}
	manager, ws := newTestManager(t, installer)

	err := manager.Uninstall(ctx, Dist("stable"))
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))

	require.NoError(t, manager.Install(ctx, Dist("stable")))
	require.NoError(t, manager.Uninstall(ctx, Dist("stable")))
	assert.NoDirExists(t, filepath.Join(ws.ToolchainsDir(), "dist-stable"))
	assert.Len(t, installer.uninstalls, 1)

	err = manager.Uninstall(ctx, Dist("stable"))
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

// UpdatingInstaller is a MockInstaller that can also update.
type UpdatingInstaller struct {
	MockInstaller
	updates []string
}

func (u *UpdatingInstaller) Update(_ context.Context, _ Spec, dir string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, dir)
	return nil
}

func TestManagerUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("UpdatesInstalled", func(t *testing.T) {
		installer := &UpdatingInstaller{}
		manager, ws := newTestManager(t, installer)

		err := manager.Update(ctx, Dist("stable"))
		assert.True(t, errdefs.Is(err, errdefs.KindNotFound), "got %v", err)

		require.NoError(t, manager.Install(ctx, Dist("stable")))
		require.NoError(t, manager.Update(ctx, Dist("stable")))
		assert.Equal(t, []string{filepath.Join(ws.ToolchainsDir(), "dist-stable")}, installer.updates)

		installed, err := manager.ListInstalled(ctx)
		require.NoError(t, err)
		require.Len(t, installed, 1)
		assert.False(t, installed[0].UpdatedAt.IsZero())
		assert.False(t, installed[0].InstalledAt.After(installed[0].UpdatedAt))
	})

	t.Run("InstallerWithoutUpdate", func(t *testing.T) {
		manager, _ := newTestManager(t, &MockInstaller{})
		require.NoError(t, manager.Install(ctx, Dist("stable")))

		err := manager.Update(ctx, Dist("stable"))
		assert.True(t, errdefs.Is(err, errdefs.KindConfig), "got %v", err)
	})

	t.Run("LocalRejected", func(t *testing.T) {
		manager, _ := newTestManager(t, &UpdatingInstaller{})
		err := manager.Update(ctx, LocalPath("custom", t.TempDir()))
		assert.True(t, errdefs.Is(err, errdefs.KindConfig), "got %v", err)
	})
}

func TestManagerListInstalled(t *testing.T) {
	ctx := context.Background()
	manager, ws := newTestManager(t, &MockInstaller{})

	list, err := manager.ListInstalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, manager.Install(ctx, Dist("stable")))
	require.NoError(t, manager.Install(ctx, Dist("1.79.0")))
	// Directories without a manifest are not installed toolchains.
	require.NoError(t, os.MkdirAll(filepath.Join(ws.ToolchainsDir(), "dist-broken"), 0o755))

	list, err = manager.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, Dist("1.79.0"), list[0].Spec)
	assert.Equal(t, Dist("stable"), list[1].Spec)
	assert.False(t, list[1].InstalledAt.IsZero())
	assert.Equal(t, filepath.Join(ws.ToolchainsDir(), "dist-stable"), list[1].Dir)
}

func TestManagerResolve(t *testing.T) {
	ctx := context.Background()
	manager, ws := newTestManager(t, &MockInstaller{})

	_, err := manager.Resolve(Dist("stable"))
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))

	require.NoError(t, manager.Install(ctx, Dist("stable")))
	tc, err := manager.Resolve(Dist("stable"))
	require.NoError(t, err)

	dir := filepath.Join(ws.ToolchainsDir(), "dist-stable")
	assert.Equal(t, dir, tc.Dir())
	assert.Equal(t, []string{filepath.Join(dir, "bin")}, tc.Environment().PathEntries)
	assert.Equal(t, []string{"/opt/cratebox/toolchain/bin"}, tc.EnvironmentAt("/opt/cratebox/toolchain").PathEntries)
}
