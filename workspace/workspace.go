package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/metrics"
)

// Directory layout under the workspace root.
const (
	ToolchainsDirName = "toolchains"
	CacheDirName      = "cache"
	BuildsDirName     = "builds"
	LockFileName      = "workspace.lock"
)

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

const defaultLockPollInterval = 25 * time.Millisecond

// Workspace is an opened workspace root. It is safe for concurrent use.
type Workspace struct {
	root             string
	logger           *zap.Logger
	metrics          *metrics.Metrics
	lockPollInterval time.Duration
}

// Option defines a functional option for Open
type Option func(*Workspace)

// WithLogger sets the logger used for lock contention and cleanup messages
func WithLogger(logger *zap.Logger) Option {
	return func(w *Workspace) {
		w.logger = logger
	}
}

// WithMetrics records lock wait times
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workspace) {
		w.metrics = m
	}
}

// WithLockPollInterval sets how often a contended lock is retried.
func WithLockPollInterval(d time.Duration) Option {
	return func(w *Workspace) {
		if d > 0 {
			w.lockPollInterval = d
		}
	}
}

// Open creates the workspace directory structure if absent and returns a handle
// to it. Opening an existing workspace is a no-op apart from the returned handle.
func Open(root string, opts ...Option) (*Workspace, error) {
	if root == "" {
		return nil, errdefs.New(errdefs.KindIO, "workspace.open", "workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindIO, "workspace.open")
	}

	w := &Workspace{
		root:             abs,
		logger:           zap.NewNop(),
		lockPollInterval: defaultLockPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, dir := range []string{w.root, w.ToolchainsDir(), w.CacheDir(), w.BuildsDir()} {
		if err := os.MkdirAll(dir, DirPermission); err != nil {
			return nil, errdefs.Wrapf(err, errdefs.KindIO, "workspace.open", "create %s", dir)
		}
	}

	lockFile, err := os.OpenFile(w.LockPath(), os.O_RDWR|os.O_CREATE, FilePermission)
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindIO, "workspace.open", "create lock file")
	}
	_ = lockFile.Close()

	w.logger.Debug("workspace opened", zap.String("root", w.root))
	return w, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// ToolchainsDir returns the directory holding one entry per installed toolchain.
func (w *Workspace) ToolchainsDir() string { return filepath.Join(w.root, ToolchainsDirName) }

// CacheDir returns the crate cache directory.
func (w *Workspace) CacheDir() string { return filepath.Join(w.root, CacheDirName) }

// BuildsDir returns the parent of all build directories.
func (w *Workspace) BuildsDir() string { return filepath.Join(w.root, BuildsDirName) }

// LockPath returns the path of the workspace lock file.
func (w *Workspace) LockPath() string { return filepath.Join(w.root, LockFileName) }

// Logger returns the workspace logger.
func (w *Workspace) Logger() *zap.Logger { return w.logger }

// WithShared runs fn while holding the shared lock. The lock is released on
// every exit path, including panics.
func (w *Workspace) WithShared(ctx context.Context, fn func(ctx context.Context) error) error {
	lease, err := w.AcquireShared(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}

// WithExclusive runs fn while holding the exclusive lock.
func (w *Workspace) WithExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	lease, err := w.AcquireExclusive(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}

// PurgeCaches removes every cached crate source.
func (w *Workspace) PurgeCaches(ctx context.Context) error {
	return w.WithExclusive(ctx, func(context.Context) error {
		w.logger.Info("purging crate cache", zap.String("dir", w.CacheDir()))
		return resetDir(w.CacheDir(), "workspace.purge_caches")
	})
}

// PurgeToolchains removes every installed toolchain.
func (w *Workspace) PurgeToolchains(ctx context.Context) error {
	return w.WithExclusive(ctx, func(context.Context) error {
		w.logger.Info("purging toolchains", zap.String("dir", w.ToolchainsDir()))
		return resetDir(w.ToolchainsDir(), "workspace.purge_toolchains")
	})
}

// PurgeStaleBuilds removes build directories left behind by crashed processes.
// Persisted build directories are kept. Builds in progress are safe because they
// hold the shared lock for their whole lifetime.
func (w *Workspace) PurgeStaleBuilds(ctx context.Context) (int, error) {
	removed := 0
	err := w.WithExclusive(ctx, func(context.Context) error {
		entries, err := os.ReadDir(w.BuildsDir())
		if err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "workspace.purge_builds")
		}
		for _, entry := range entries {
			path := filepath.Join(w.BuildsDir(), entry.Name())
			if _, err := os.Stat(filepath.Join(path, persistMarker)); err == nil {
				continue
			}
			if err := removeTree(path); err != nil {
				return errdefs.Wrapf(err, errdefs.KindIO, "workspace.purge_builds", "remove %s", path)
			}
			removed++
		}
		return nil
	})
	if removed > 0 {
		w.logger.Info("removed stale build directories", zap.Int("count", removed))
	}
	return removed, err
}

func resetDir(dir, op string) error {
	if err := removeTree(dir); err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, op, "remove %s", dir)
	}
	if err := os.MkdirAll(dir, DirPermission); err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, op, "recreate %s", dir)
	}
	return nil
}

// removeTree is os.RemoveAll that also copes with read-only directories left
// behind by builds (cargo marks some extracted sources read-only).
func removeTree(path string) error {
	err := os.RemoveAll(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // best effort permission fix-up
		}
		if d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
