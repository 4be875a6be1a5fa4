//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/metrics"
)

func newTestRunner(t *testing.T, opts ...RunnerOption) *Runner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	logger := zaptest.NewLogger(t)
	base := []RunnerOption{WithLogger(logger), WithBackend(NewHostBackend(logger)), WithMetrics(metrics.New())}
	return NewRunner(append(base, opts...)...)
}

// networkConfig enables the network so tests do not depend on user namespaces.
func networkConfig(t *testing.T, opts ...Option) Config {
	t.Helper()
	cfg, err := NewConfig(append([]Option{WithNetwork(true)}, opts...)...)
	require.NoError(t, err)
	return cfg
}

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

// processAlive treats zombies as dead: they are gone as far as the build is
// concerned and only wait for a reaper.
func processAlive(pid int) bool {
	if runtime.GOOS == "linux" {
		stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
		if err != nil {
			return false
		}
		i := bytes.LastIndexByte(stat, ')')
		if i < 0 || i+2 >= len(stat) {
			return false
		}
		return stat[i+2] != 'Z'
	}
	return unix.Kill(pid, 0) == nil
}

func TestRunCompleted(t *testing.T) {
	runner := newTestRunner(t)
	dir := newTestBuildDir(t)
	sink := &Collector{}

	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: dir,
		Config:   networkConfig(t),
		Command:  shell("echo one; echo two >&2; printf 'three\\r\\n'; printf 'four'"),
		Timeout:  10 * time.Second,
		Sink:     sink,
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Zero(t, outcome.ExitCode)
	assert.True(t, outcome.Success())
	assert.Equal(t, []string{"one", "three", "four"}, sink.Text(Stdout))
	assert.Equal(t, []string{"two"}, sink.Text(Stderr))

	log, err := os.ReadFile(filepath.Join(dir.LogsDir(), OutputLogName))
	require.NoError(t, err)
	assert.Contains(t, string(log), " stdout one\n")
	assert.Contains(t, string(log), " stderr two\n")
}

func TestRunExitCode(t *testing.T) {
	runner := newTestRunner(t)

	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: newTestBuildDir(t),
		Config:   networkConfig(t),
		Command:  shell("exit 3"),
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 3, outcome.ExitCode)
	assert.False(t, outcome.Success())
}

func TestRunEnvironment(t *testing.T) {
	runner := newTestRunner(t)
	dir := newTestBuildDir(t)
	sink := &Collector{}

	_, err := runner.Run(context.Background(), Request{
		BuildDir: dir,
		Config:   networkConfig(t, WithEnv("CRATEBOX_TEST", "yes")),
		Command:  shell(`pwd -P; echo "$CARGO_TARGET_DIR"; echo "$CRATEBOX_TEST"`),
		Sink:     sink,
	})
	require.NoError(t, err)

	source, err := filepath.EvalSymlinks(dir.SourceDir())
	require.NoError(t, err)
	assert.Equal(t, []string{source, dir.TargetDir(), "yes"}, sink.Text(Stdout))
}

func TestRunTimeoutKillsTree(t *testing.T) {
	runner := newTestRunner(t)
	dir := newTestBuildDir(t)

	started := time.Now()
	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: dir,
		Config:   networkConfig(t),
		Command:  shell("sleep 30 & echo $! > child.pid; wait"),
		Timeout:  300 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, StateTimedOut, outcome.State)
	assert.Contains(t, outcome.Message, "timed out")
	assert.Less(t, time.Since(started), 10*time.Second)

	raw, err := os.ReadFile(filepath.Join(dir.SourceDir(), "child.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond)
}

func TestRunCancelled(t *testing.T) {
	runner := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := runner.Start(ctx, Request{
		BuildDir: newTestBuildDir(t),
		Config:   networkConfig(t),
		Command:  shell("sleep 30"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, proc.State())
	assert.Positive(t, proc.Pid())

	cancel()
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not killed")
	}

	outcome, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateKilled, outcome.State)
	assert.Equal(t, ReasonCancelled, outcome.Reason)
	assert.Equal(t, StateKilled, proc.State())
}

func TestRunDiskQuota(t *testing.T) {
	runner := newTestRunner(t, WithDiskSampleInterval(10*time.Millisecond))

	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: newTestBuildDir(t),
		Config:   networkConfig(t, WithDiskQuota(1<<20)),
		Command: shell(`i=0; while [ $i -lt 20 ]; do
			head -c 1048576 /dev/zero > "f$i"; i=$((i+1)); sleep 0.1
		done`),
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, StateKilled, outcome.State)
	assert.Equal(t, ReasonDiskQuotaExceeded, outcome.Reason)
	assert.Contains(t, outcome.Message, "quota is 1.0 MiB")
}

func TestRunDiskQuotaUnreadableDirectory(t *testing.T) {
	runner := newTestRunner(t, WithDiskSampleInterval(10*time.Millisecond))

	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: newTestBuildDir(t),
		Config:   networkConfig(t, WithDiskQuota(1<<20)),
		Command:  shell(`mkdir hidden && head -c 4194304 /dev/zero > hidden/big && chmod 0 hidden && sleep 30`),
		Timeout:  30 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, StateKilled, outcome.State)
	assert.Equal(t, ReasonDiskQuotaExceeded, outcome.Reason)
	assert.Less(t, outcome.Duration, 20*time.Second)
}

func TestRunSignalled(t *testing.T) {
	runner := newTestRunner(t)

	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: newTestBuildDir(t),
		Config:   networkConfig(t),
		Command:  shell("kill -TERM $$"),
	})
	require.NoError(t, err)

	assert.Equal(t, StateKilled, outcome.State)
	assert.Equal(t, ReasonSignal, outcome.Reason)
	assert.Equal(t, "SIGTERM", outcome.Signal)
}

func TestRunSpawnFailure(t *testing.T) {
	runner := newTestRunner(t)

	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: newTestBuildDir(t),
		Config:   networkConfig(t),
		Command:  []string{"/nonexistent/cratebox-test-binary"},
	})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindIO))
	assert.Equal(t, StateFailed, outcome.State)
}

func TestRunInvalidRequest(t *testing.T) {
	runner := newTestRunner(t)

	_, err := runner.Run(context.Background(), Request{BuildDir: newTestBuildDir(t), Config: networkConfig(t)})
	assert.True(t, errdefs.Is(err, errdefs.KindConfig))

	_, err = runner.Run(context.Background(), Request{Command: shell("true")})
	assert.True(t, errdefs.Is(err, errdefs.KindConfig))
}

func TestRunWithoutNetwork(t *testing.T) {
	runner := newTestRunner(t)
	cfg, err := NewConfig()
	require.NoError(t, err)

	outcome, err := runner.Run(context.Background(), Request{
		BuildDir: newTestBuildDir(t),
		Config:   cfg,
		Command:  shell("exit 0"),
	})
	if errdefs.Is(err, errdefs.KindSandboxUnsupported) {
		t.Skipf("network isolation unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.True(t, outcome.Success())
}
