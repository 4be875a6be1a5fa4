// Package build runs one crate build end to end.
//
// A Service composes the workspace, the toolchain manager, the crate fetcher
// and the sandbox runner: it makes sure the toolchain is installed, then,
// holding the shared workspace lock, creates a build directory, fetches the
// crate source into it and runs the requested command in the sandbox.
//
// Usage:
//
//	svc := build.NewService(ws, toolchains, fetcher, runner, build.WithLogger(logger))
//	result, err := svc.Build(ctx, build.Request{
//	    Toolchain: toolchain.Dist("stable"),
//	    Source:    crates.Registry("serde", "1.0.200"),
//	    Command:   []string{"cargo", "check"},
//	    Timeout:   10 * time.Minute,
//	})
package build
