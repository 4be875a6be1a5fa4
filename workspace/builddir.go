package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/errdefs"
)

// Subdirectories of every build directory.
const (
	SourceDirName = "source"
	TargetDirName = "target"
	LogsDirName   = "logs"

	persistMarker = ".persist"
)

// buildSeq makes build directory names unique within the process; the random
// suffix makes them unique across processes sharing the workspace.
var buildSeq atomic.Uint64

// BuildDir is a uniquely named directory under builds/ owned by one build
// attempt. It is removed by Close unless Persist was called first.
type BuildDir struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	persisted bool
	closed    bool
}

// NewBuildDir creates a fresh build directory with source, target and logs
// subdirectories. Callers are expected to hold the shared workspace lock for as
// long as the directory is in use so that PurgeStaleBuilds leaves it alone.
func (w *Workspace) NewBuildDir() (*BuildDir, error) {
	seq := buildSeq.Add(1)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name := fmt.Sprintf("%06d-%s", seq, random)
	path := filepath.Join(w.BuildsDir(), name)

	// Mkdir rather than MkdirAll: an existing directory is a collision, not a reuse.
	if err := os.Mkdir(path, DirPermission); err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindIO, "workspace.new_build_dir", "create %s", path)
	}
	for _, sub := range []string{SourceDirName, TargetDirName, LogsDirName} {
		if err := os.Mkdir(filepath.Join(path, sub), DirPermission); err != nil {
			_ = removeTree(path)
			return nil, errdefs.Wrapf(err, errdefs.KindIO, "workspace.new_build_dir", "create %s", sub)
		}
	}

	w.logger.Debug("build directory created", zap.String("path", path))
	return &BuildDir{path: path, logger: w.logger}, nil
}

// WithBuildDir creates a build directory, runs fn with it and removes it
// afterwards (unless fn persisted it). fn's error takes precedence over a
// cleanup failure.
func (w *Workspace) WithBuildDir(ctx context.Context, fn func(ctx context.Context, dir *BuildDir) error) (err error) {
	dir, err := w.NewBuildDir()
	if err != nil {
		return err
	}
	defer func() {
		closeErr := dir.Close()
		if closeErr == nil {
			return
		}
		if err == nil {
			err = closeErr
			return
		}
		w.logger.Warn("failed to remove build directory", zap.String("path", dir.Path()), zap.Error(closeErr))
	}()
	return fn(ctx, dir)
}

// Path returns the root of the build directory.
func (b *BuildDir) Path() string { return b.path }

// SourceDir is where crate sources are materialized and the build runs.
func (b *BuildDir) SourceDir() string { return filepath.Join(b.path, SourceDirName) }

// TargetDir receives compiler output (CARGO_TARGET_DIR).
func (b *BuildDir) TargetDir() string { return filepath.Join(b.path, TargetDirName) }

// LogsDir holds per-build log files.
func (b *BuildDir) LogsDir() string { return filepath.Join(b.path, LogsDirName) }

// Persist disables cleanup and returns the directory path. The marker file it
// writes also protects the directory from PurgeStaleBuilds.
func (b *BuildDir) Persist() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.persisted && !b.closed {
		if err := os.WriteFile(filepath.Join(b.path, persistMarker), nil, FilePermission); err != nil {
			b.logger.Warn("failed to write persist marker", zap.String("path", b.path), zap.Error(err))
		}
	}
	b.persisted = true
	return b.path
}

// Persisted reports whether Persist has been called.
func (b *BuildDir) Persisted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.persisted
}

// Close removes the directory tree unless it was persisted. Calling Close more
// than once is a no-op.
func (b *BuildDir) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.persisted {
		b.logger.Info("keeping persisted build directory", zap.String("path", b.path))
		return nil
	}
	if err := removeTree(b.path); err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, "workspace.build_dir.close", "remove %s", b.path)
	}
	b.logger.Debug("build directory removed", zap.String("path", b.path))
	return nil
}

// Size returns the apparent size in bytes of all regular files in the build
// directory. Files disappearing during the walk are ignored, and directories
// the build made unreadable are given back owner access so they are counted.
func (b *BuildDir) Size() (int64, error) {
	total, err := treeSize(b.path, true)
	if err != nil {
		return total, errdefs.Wrap(err, errdefs.KindIO, "workspace.build_dir.size")
	}
	return total, nil
}

// treeSize adds up the regular files under root. With fix set, a directory
// that cannot be read is made accessible to its owner and measured again.
func treeSize(root string, fix bool) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			switch {
			case errors.Is(err, fs.ErrNotExist):
				return nil
			case fix && d != nil && d.IsDir() && errors.Is(err, fs.ErrPermission):
				if chmodErr := os.Chmod(path, 0o700); chmodErr != nil {
					return err
				}
				n, subErr := treeSize(path, false)
				total += n
				if subErr != nil {
					return subErr
				}
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
