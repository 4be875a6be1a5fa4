package sandbox

import (
	"context"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/cratebox/cmdexec"
	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/toolchain"
	"github.com/isdmx/cratebox/workspace"
)

// MockCommandRunner records engine commands and answers inspect calls.
type MockCommandRunner struct {
	mu        sync.Mutex
	calls     [][]string
	oomKilled string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, cmd cmdexec.Command) (string, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, cmd.Args)
	if len(cmd.Args) > 1 && cmd.Args[1] == "inspect" {
		return m.oomKilled + "\n", "", 0, nil
	}
	return "", "", 0, nil
}

func (m *MockCommandRunner) subcommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, strings.Join(c[1:], " "))
	}
	return out
}

func newTestBuildDir(t *testing.T) *workspace.BuildDir {
	t.Helper()
	ws, err := workspace.Open(t.TempDir(), workspace.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	dir, err := ws.NewBuildDir()
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	return dir
}

// flagValue returns the value following the first occurrence of flag.
func flagValue(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func flagValues(args []string, flag string) []string {
	var out []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			out = append(out, args[i+1])
		}
	}
	return out
}

func TestContainerPrepare(t *testing.T) {
	dir := newTestBuildDir(t)
	mock := &MockCommandRunner{}
	backend := NewDockerBackend(zaptest.NewLogger(t),
		WithImage("rust:1-slim"),
		WithContainerCommandRunner(mock))

	cfg, err := NewConfig(
		WithMemoryLimit(1<<30),
		WithCPULimit(1.5),
		WithEnv("RUSTFLAGS", "-Dwarnings"),
		WithMount("/srv/registry", "/registry", true),
	)
	require.NoError(t, err)

	inv, err := backend.Prepare(context.Background(), Launch{
		Command:   []string{"cargo", "build", "--release"},
		Toolchain: toolchain.Toolchain{},
		BuildDir:  dir,
		Config:    cfg,
	})
	require.NoError(t, err)
	args := inv.Cmd.Args

	assert.Equal(t, "docker", args[0])
	assert.Equal(t, "run", args[1])
	assert.True(t, strings.HasPrefix(flagValue(args, "--name"), "cratebox-"))
	assert.Equal(t, BuildMountTarget+"/source", flagValue(args, "--workdir"))
	assert.Equal(t, "ALL", flagValue(args, "--cap-drop"))
	assert.Equal(t, "none", flagValue(args, "--network"))
	assert.Equal(t, "1073741824", flagValue(args, "--memory"))
	assert.Equal(t, "1073741824", flagValue(args, "--memory-swap"))
	assert.Equal(t, "1.5", flagValue(args, "--cpus"))
	assert.Equal(t, "4096", flagValue(args, "--pids-limit"))

	volumes := flagValues(args, "-v")
	assert.Equal(t, []string{
		dir.Path() + ":" + BuildMountTarget,
		"/srv/registry:/registry:ro",
	}, volumes)

	env := envMap(flagValues(args, "-e"))
	assert.Equal(t, BuildMountTarget+"/target", env["CARGO_TARGET_DIR"])
	assert.Equal(t, BuildMountTarget+"/target/cargo-home", env["CARGO_HOME"])
	assert.Equal(t, "-Dwarnings", env["RUSTFLAGS"])
	assert.Equal(t, containerPath, env["PATH"])

	assert.Equal(t, []string{"rust:1-slim", "cargo", "build", "--release"}, args[len(args)-4:])
	assert.Equal(t, dir.Path(), inv.Cmd.Dir)
}

func TestContainerNetworkEnabled(t *testing.T) {
	dir := newTestBuildDir(t)
	backend := NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(&MockCommandRunner{}))
	cfg, err := NewConfig(WithNetwork(true))
	require.NoError(t, err)

	inv, err := backend.Prepare(context.Background(), Launch{Command: []string{"cargo", "fetch"}, BuildDir: dir, Config: cfg})
	require.NoError(t, err)

	assert.Equal(t, "bridge", flagValue(inv.Cmd.Args, "--network"))
	assert.NotContains(t, inv.Cmd.Args, "--memory")
	assert.NotContains(t, inv.Cmd.Args, "--cpus")
	assert.Contains(t, inv.Cmd.Args, DefaultContainerImage)
}

func TestPodmanKeepsUserNamespace(t *testing.T) {
	dir := newTestBuildDir(t)
	backend := NewPodmanBackend(zaptest.NewLogger(t),
		WithEngineBinary("/usr/local/bin/podman"),
		WithPIDsLimit(0),
		WithContainerCommandRunner(&MockCommandRunner{}))

	inv, err := backend.Prepare(context.Background(), Launch{Command: []string{"cargo", "test"}, BuildDir: dir})
	require.NoError(t, err)

	assert.Equal(t, "podman", backend.Name())
	assert.Equal(t, "/usr/local/bin/podman", inv.Cmd.Args[0])
	assert.Equal(t, "keep-id", flagValue(inv.Cmd.Args, "--userns"))
	assert.NotContains(t, inv.Cmd.Args, "--user")
	assert.NotContains(t, inv.Cmd.Args, "--pids-limit")
}

func TestContainerHooks(t *testing.T) {
	dir := newTestBuildDir(t)
	mock := &MockCommandRunner{oomKilled: "true"}
	backend := NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(mock))

	inv, err := backend.Prepare(context.Background(), Launch{Command: []string{"cargo", "build"}, BuildDir: dir})
	require.NoError(t, err)
	name := flagValue(inv.Cmd.Args, "--name")

	t.Run("OOMKilled", func(t *testing.T) {
		assert.True(t, inv.OOMKilled())
		mock.oomKilled = "false"
		assert.False(t, inv.OOMKilled())
	})

	t.Run("Cleanup", func(t *testing.T) {
		require.NoError(t, inv.Cleanup(context.Background()))
		assert.Contains(t, mock.subcommands(), "rm --force "+name)
	})

	t.Run("StartError", func(t *testing.T) {
		err := inv.StartError(&exec.Error{Name: "docker", Err: exec.ErrNotFound})
		assert.True(t, errdefs.Is(err, errdefs.KindSandboxUnsupported))
		assert.Nil(t, inv.StartError(assert.AnError))
	})
}
