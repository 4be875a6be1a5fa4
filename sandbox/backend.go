package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/toolchain"
	"github.com/isdmx/cratebox/workspace"
)

// Backend names
const (
	BackendHost   = "host"
	BackendDocker = "docker"
	BackendPodman = "podman"
)

// Launch is everything a backend needs to prepare a build process.
type Launch struct {
	Command   []string
	Toolchain toolchain.Toolchain
	BuildDir  *workspace.BuildDir
	Config    Config
}

// Invocation is a prepared, not yet started, build process together with the
// hooks the runner drives it through. Hooks may be nil.
type Invocation struct {
	Cmd *exec.Cmd

	// OnStart runs right after Cmd started.
	OnStart func(pid int) error
	// Kill terminates the process and everything it spawned. It is called
	// on timeout, cancellation or quota violation, and once more after the
	// process exited to reap orphans, so it must tolerate a dead process.
	Kill func() error
	// OOMKilled reports, after exit, whether the memory limit killed the process.
	OOMKilled func() bool
	// Cleanup releases backend resources (cgroups, containers).
	Cleanup func(ctx context.Context) error
	// StartError classifies an error from starting Cmd. Returning nil
	// leaves the default classification (an IO error).
	StartError func(err error) error
}

// Backend turns a Launch into an Invocation.
type Backend interface {
	Name() string
	Prepare(ctx context.Context, launch Launch) (*Invocation, error)
}

// BackendConfig selects and configures a backend
type BackendConfig struct {
	Kind         string // host, docker or podman
	Image        string // container image, container backends only
	EngineBinary string // docker/podman binary, defaults to the backend name
	CgroupRoot   string // delegated cgroup v2 directory, host backend only
}

// NewBackend creates the backend named by cfg.Kind.
func NewBackend(logger *zap.Logger, cfg BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case BackendHost, "":
		return NewHostBackend(logger, WithCgroupRoot(cfg.CgroupRoot)), nil
	case BackendDocker:
		return NewDockerBackend(logger, WithImage(cfg.Image), WithEngineBinary(cfg.EngineBinary)), nil
	case BackendPodman:
		return NewPodmanBackend(logger, WithImage(cfg.Image), WithEngineBinary(cfg.EngineBinary)), nil
	default:
		return nil, errdefs.Newf(errdefs.KindConfig, "sandbox.backend", "unsupported backend: %s", cfg.Kind)
	}
}

// ParseCommand splits a shell-style command line into arguments without
// invoking a shell.
func ParseCommand(s string) ([]string, error) {
	args, err := shlex.Split(s)
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindConfig, "sandbox.parse_command", "invalid command %q", s)
	}
	if len(args) == 0 {
		return nil, errdefs.New(errdefs.KindConfig, "sandbox.parse_command", "empty command")
	}
	return args, nil
}

// buildEnv assembles the build environment as KEY=VALUE pairs: base first,
// then the toolchain variables, the cargo directories, and finally the
// sandbox overrides. PATH is the toolchain entries followed by the override
// PATH, or basePath when there is none. The final PATH is returned as well.
func buildEnv(base map[string]string, tc toolchain.Environment, buildRoot, pathSep, basePath string, cfg Config) ([]string, string) {
	env := make(map[string]string, len(base)+len(tc.Vars)+4)
	for k, v := range base {
		env[k] = v
	}
	for k, v := range tc.Vars {
		env[k] = v
	}
	target := joinTarget(buildRoot, pathSep, workspace.TargetDirName)
	env["CARGO_TARGET_DIR"] = target
	env["CARGO_HOME"] = joinTarget(target, pathSep, "cargo-home")

	overrides := cfg.Env()
	pathValue := basePath
	if p, ok := overrides["PATH"]; ok {
		pathValue = p
		delete(overrides, "PATH")
	}
	for k, v := range overrides {
		env[k] = v
	}

	entries := append([]string(nil), tc.PathEntries...)
	if pathValue != "" {
		entries = append(entries, pathValue)
	}
	env["PATH"] = strings.Join(entries, pathListSeparator(pathSep))

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out, env["PATH"]
}

func joinTarget(dir, sep string, elem ...string) string {
	return strings.Join(append([]string{strings.TrimSuffix(dir, sep)}, elem...), sep)
}

// pathListSeparator returns the PATH list separator matching a path separator.
func pathListSeparator(sep string) string {
	if sep == `\` {
		return ";"
	}
	return ":"
}
