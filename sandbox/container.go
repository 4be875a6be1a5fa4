package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/cmdexec"
	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/workspace"
)

// Container defaults
const (
	DefaultContainerImage = "docker.io/library/buildpack-deps:bookworm"
	DefaultPIDsLimit      = 4096
	containerPath         = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	containerCommandWait  = 30 * time.Second
)

// ContainerBackend runs builds in a docker or podman container. The build
// directory is mounted read-write at BuildMountTarget, the toolchain
// read-only at ToolchainMountTarget. Containers run with all capabilities
// dropped, no new privileges and the caller's uid.
type ContainerBackend struct {
	logger        *zap.Logger
	engine        string
	binary        string
	image         string
	pidsLimit     int
	commandRunner cmdexec.CommandRunner
}

// ContainerOption configures a ContainerBackend
type ContainerOption func(*ContainerBackend)

// WithImage sets the container image
func WithImage(image string) ContainerOption {
	return func(c *ContainerBackend) {
		if image != "" {
			c.image = image
		}
	}
}

// WithEngineBinary sets the docker or podman binary
func WithEngineBinary(binary string) ContainerOption {
	return func(c *ContainerBackend) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithPIDsLimit sets --pids-limit
func WithPIDsLimit(n int) ContainerOption {
	return func(c *ContainerBackend) {
		c.pidsLimit = n
	}
}

// WithContainerCommandRunner sets the runner used for kill, inspect and rm (for tests)
func WithContainerCommandRunner(runner cmdexec.CommandRunner) ContainerOption {
	return func(c *ContainerBackend) {
		c.commandRunner = runner
	}
}

// NewDockerBackend creates a container backend driving docker
func NewDockerBackend(logger *zap.Logger, opts ...ContainerOption) *ContainerBackend {
	return newContainerBackend(logger, BackendDocker, opts...)
}

// NewPodmanBackend creates a container backend driving podman
func NewPodmanBackend(logger *zap.Logger, opts ...ContainerOption) *ContainerBackend {
	return newContainerBackend(logger, BackendPodman, opts...)
}

func newContainerBackend(logger *zap.Logger, engine string, opts ...ContainerOption) *ContainerBackend {
	c := &ContainerBackend{
		logger:        logger,
		engine:        engine,
		binary:        engine,
		image:         DefaultContainerImage,
		pidsLimit:     DefaultPIDsLimit,
		commandRunner: cmdexec.RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ContainerBackend) Name() string { return c.engine }

// Prepare builds the "<engine> run" command line.
func (c *ContainerBackend) Prepare(_ context.Context, launch Launch) (*Invocation, error) {
	cfg := launch.Config
	name := "cratebox-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	tcEnv := launch.Toolchain.EnvironmentAt(ToolchainMountTarget)
	if launch.Toolchain.Dir() == "" {
		tcEnv = launch.Toolchain.Environment()
	}
	env, _ := buildEnv(nil, tcEnv, BuildMountTarget, "/", containerPath, cfg)

	args := []string{
		c.binary, "run",
		"--name", name,
		"--init",
		"--workdir", path.Join(BuildMountTarget, workspace.SourceDirName),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"-v", mountArg(launch.BuildDir.Path(), BuildMountTarget, false),
	}
	if dir := launch.Toolchain.Dir(); dir != "" {
		args = append(args, "-v", mountArg(dir, ToolchainMountTarget, true))
	}
	for _, m := range cfg.Mounts() {
		args = append(args, "-v", mountArg(m.HostPath, m.Target, m.ReadOnly))
	}
	args = append(args, c.userArgs()...)
	if c.pidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(c.pidsLimit))
	}
	if mem := cfg.MemoryLimit(); mem > 0 {
		limit := strconv.FormatInt(mem, 10)
		args = append(args, "--memory", limit, "--memory-swap", limit)
	}
	if cpus := cfg.CPULimit(); cpus > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cpus, 'f', -1, 64))
	}
	if cfg.NetworkEnabled() {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, c.image)
	args = append(args, launch.Command...)

	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // Arguments are built by cratebox
	cmd.Dir = launch.BuildDir.Path()
	tree := newProcessTree(cmd)

	inv := &Invocation{Cmd: cmd}
	inv.OnStart = tree.attach
	inv.Kill = func() error {
		// The client going away does not stop the container.
		err := c.engineCommand("kill", name)
		if err != nil {
			c.logger.Debug("container kill failed", zap.String("container", name), zap.Error(err))
		}
		return tree.kill()
	}
	inv.OOMKilled = func() bool {
		out, err := c.engineOutput("inspect", "--format", "{{.State.OOMKilled}}", name)
		return err == nil && strings.TrimSpace(out) == "true"
	}
	inv.Cleanup = func(ctx context.Context) error {
		tree.close()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), containerCommandWait)
		defer cancel()
		_, err := cmdexec.Run(ctx, c.commandRunner, cmdexec.Command{Args: []string{c.binary, "rm", "--force", name}})
		if err != nil {
			return errdefs.Wrapf(err, errdefs.KindIO, "sandbox.container", "remove container %s", name)
		}
		return nil
	}
	inv.StartError = func(err error) error {
		if errors.Is(err, exec.ErrNotFound) {
			return errdefs.Wrapf(err, errdefs.KindSandboxUnsupported, "sandbox.container", "%s is not installed", c.engine)
		}
		return nil
	}

	c.logger.Debug("prepared container",
		zap.String("engine", c.engine),
		zap.String("container", name),
		zap.String("image", c.image))
	return inv, nil
}

// userArgs keeps files in the build directory owned by the caller.
func (c *ContainerBackend) userArgs() []string {
	if c.engine == BackendPodman {
		return []string{"--userns", "keep-id"}
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	return []string{"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())}
}

func (c *ContainerBackend) engineCommand(args ...string) error {
	_, err := c.engineOutput(args...)
	return err
}

func (c *ContainerBackend) engineOutput(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), containerCommandWait)
	defer cancel()
	return cmdexec.Run(ctx, c.commandRunner, cmdexec.Command{Args: append([]string{c.binary}, args...)})
}

func mountArg(host, target string, readOnly bool) string {
	arg := host + ":" + target
	if readOnly {
		arg += ":ro"
	}
	return arg
}
