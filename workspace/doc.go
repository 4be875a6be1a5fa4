// Package workspace manages the on-disk root shared by every build.
//
// A Workspace owns three directories under its root (toolchains, cache and
// builds) plus a single lock file. The lock is a host-wide advisory file lock
// with shared and exclusive modes: independent cratebox processes pointed at the
// same root coordinate through it exactly like goroutines inside one process,
// because every acquisition opens its own file description.
//
// Mutating operations (toolchain install/uninstall, cache purges) take the
// exclusive lock; builds take the shared lock for as long as they use the
// toolchain directory and the crate cache.
//
// Usage:
//
//	ws, err := workspace.Open("/var/lib/cratebox", workspace.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	err = ws.WithShared(ctx, func(ctx context.Context) error {
//	    return ws.WithBuildDir(ctx, func(ctx context.Context, dir *workspace.BuildDir) error {
//	        // fetch sources into dir.SourceDir() and run the build
//	        return nil
//	    })
//	})
package workspace
