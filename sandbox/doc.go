// Package sandbox runs build commands under isolation and supervises them.
//
// A Config describes the isolation: memory, CPU and disk limits, network
// access, environment overrides and extra mounts. A Backend turns a command
// into a prepared process: HostBackend runs it directly in its own process
// group, ContainerBackend inside a docker or podman container.
//
// The Runner starts the process, streams its output line by line into a
// LogSink and races its exit against the timeout, cancellation and the disk
// quota. Every process ends in exactly one terminal State:
//
//	outcome, err := runner.Run(ctx, sandbox.Request{
//	    Toolchain: tc,
//	    BuildDir:  dir,
//	    Config:    cfg,
//	    Command:   []string{"cargo", "check"},
//	    Timeout:   time.Minute,
//	    Sink:      sink,
//	})
//
// err is only set when the process could not be run at all. A failing build
// is a Completed outcome with a non-zero exit code.
package sandbox
