package workspace

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/cratebox/errdefs"
)

// LockMode selects shared or exclusive access to the workspace.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Lease is a held workspace lock. Release it exactly once; extra calls are no-ops.
// If the process dies the operating system drops the lock with the descriptor.
type Lease struct {
	mode LockMode
	file *os.File
	once sync.Once
}

// Mode returns the mode the lease was acquired with.
func (l *Lease) Mode() LockMode { return l.mode }

// Release unlocks and closes the lock file descriptor.
func (l *Lease) Release() {
	l.once.Do(func() {
		_ = unlockFile(l.file)
		_ = l.file.Close()
	})
}

// AcquireShared blocks until no exclusive holder remains, then returns a shared lease.
func (w *Workspace) AcquireShared(ctx context.Context) (*Lease, error) {
	return w.acquire(ctx, Shared)
}

// AcquireExclusive blocks until no other holder remains, then returns an exclusive lease.
func (w *Workspace) AcquireExclusive(ctx context.Context) (*Lease, error) {
	return w.acquire(ctx, Exclusive)
}

func (w *Workspace) acquire(ctx context.Context, mode LockMode) (*Lease, error) {
	// Each lease gets its own open file description so that locks taken by
	// goroutines of this process conflict with each other like separate processes.
	file, err := os.OpenFile(w.LockPath(), os.O_RDWR|os.O_CREATE, FilePermission)
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindIO, "workspace.lock", "open lock file")
	}

	start := time.Now()
	warned := false
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		locked, err := tryLockFile(file, mode == Exclusive)
		if err != nil {
			_ = file.Close()
			return nil, errdefs.Wrapf(err, errdefs.KindIO, "workspace.lock", "lock %s", w.LockPath())
		}
		if locked {
			break
		}

		if !warned {
			w.logger.Warn("blocking on other processes finishing with the workspace",
				zap.String("mode", mode.String()),
				zap.String("lock", w.LockPath()))
			warned = true
		}

		if timer == nil {
			timer = time.NewTimer(w.lockPollInterval)
		} else {
			timer.Reset(w.lockPollInterval)
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, fmt.Errorf("acquire %s workspace lock: %w", mode, ctx.Err())
		case <-timer.C:
		}
	}

	waited := time.Since(start)
	w.metrics.ObserveLockWait(mode.String(), waited)
	if warned {
		w.logger.Info("workspace lock acquired",
			zap.String("mode", mode.String()),
			zap.Duration("waited", waited))
	}
	return &Lease{mode: mode, file: file}, nil
}
