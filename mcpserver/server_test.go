package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/cratebox/build"
	"github.com/isdmx/cratebox/config"
	"github.com/isdmx/cratebox/crates"
	"github.com/isdmx/cratebox/sandbox"
	"github.com/isdmx/cratebox/toolchain"
	"github.com/isdmx/cratebox/workspace"
)

// MockInstaller implements toolchain.Installer for testing
type MockInstaller struct {
	installErr error
}

func (m *MockInstaller) Install(_ context.Context, _ toolchain.Spec, dir string) error {
	if m.installErr != nil {
		return m.installErr
	}
	return os.WriteFile(filepath.Join(dir, "rustc"), []byte("binary"), 0o755)
}

func (m *MockInstaller) Uninstall(context.Context, toolchain.Spec, string) error { return nil }

func (m *MockInstaller) Environment(_ toolchain.Spec, dir string) toolchain.Environment {
	return toolchain.Environment{PathEntries: []string{filepath.Join(dir, "bin")}}
}

// UpdatingInstaller also implements toolchain.Updater
type UpdatingInstaller struct {
	MockInstaller
	updates int
}

func (u *UpdatingInstaller) Update(context.Context, toolchain.Spec, string) error {
	u.updates++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox:   config.SandboxConfig{Backend: "host", Timeout: time.Minute, NetworkEnabled: true},
		Toolchain: config.ToolchainConfig{Default: "stable"},
		Logging:   config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func newTestServer(t *testing.T, installer toolchain.Installer, mutators ...func(*config.Config)) *MCPServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ws, err := workspace.Open(t.TempDir(), workspace.WithLogger(logger), workspace.WithLockPollInterval(time.Millisecond))
	require.NoError(t, err)

	builds := build.NewService(ws,
		toolchain.NewManager(ws, installer, toolchain.WithLogger(logger)),
		crates.NewFetcher(ws, crates.WithLogger(logger)),
		sandbox.NewRunner(sandbox.WithLogger(logger)),
		build.WithLogger(logger))

	cfg := testConfig()
	cfg.Workspace.Root = ws.Root()
	for _, mutate := range mutators {
		mutate(cfg)
	}
	s, err := New(cfg, logger, builds)
	require.NoError(t, err)
	return s
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", result.Content[0])
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	s := newTestServer(t, &MockInstaller{})
	assert.NotNil(t, s.GetMCPServer())
	assert.Equal(t, DefaultOutputLines, s.outputLines)
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestToolchainTools(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, &MockInstaller{})

	result, err := s.handleListToolchains(ctx, callRequest("list_toolchains", nil))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", resultText(t, result))

	result, err = s.handleInstallToolchain(ctx, callRequest("install_toolchain", map[string]any{"toolchain": "1.79.0"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "toolchain 1.79.0 is installed", resultText(t, result))

	result, err = s.handleListToolchains(ctx, callRequest("list_toolchains", nil))
	require.NoError(t, err)
	var installed []toolchain.Installed
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &installed))
	require.Len(t, installed, 1)
	assert.Equal(t, toolchain.Dist("1.79.0"), installed[0].Spec)

	result, err = s.handleUninstallToolchain(ctx, callRequest("uninstall_toolchain", map[string]any{"toolchain": "1.79.0"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleUninstallToolchain(ctx, callRequest("uninstall_toolchain", map[string]any{"toolchain": "1.79.0"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "[not_found]")
}

func TestToolchainToolErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Unavailable", func(t *testing.T) {
		s := newTestServer(t, &MockInstaller{installErr: assert.AnError})
		result, err := s.handleInstallToolchain(ctx, callRequest("install_toolchain", map[string]any{"toolchain": "stable"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "toolchain install failed")
	})

	t.Run("InvalidName", func(t *testing.T) {
		s := newTestServer(t, &MockInstaller{})
		result, err := s.handleInstallToolchain(ctx, callRequest("install_toolchain", map[string]any{"toolchain": "../stable"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "invalid toolchain")
	})

	t.Run("MissingArgument", func(t *testing.T) {
		s := newTestServer(t, &MockInstaller{})
		result, err := s.handleInstallToolchain(ctx, callRequest("install_toolchain", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestUpdateToolchainTool(t *testing.T) {
	ctx := context.Background()

	t.Run("Installed", func(t *testing.T) {
		installer := &UpdatingInstaller{}
		s := newTestServer(t, installer)

		result, err := s.handleUpdateToolchain(ctx, callRequest("update_toolchain", map[string]any{"toolchain": "stable"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "toolchain update failed [not_found]")

		result, err = s.handleInstallToolchain(ctx, callRequest("install_toolchain", map[string]any{"toolchain": "stable"}))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))

		result, err = s.handleUpdateToolchain(ctx, callRequest("update_toolchain", map[string]any{"toolchain": "stable"}))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))
		assert.Equal(t, "toolchain stable is up to date", resultText(t, result))
		assert.Equal(t, 1, installer.updates)
	})

	t.Run("InstallerCannotUpdate", func(t *testing.T) {
		s := newTestServer(t, &MockInstaller{})
		result, err := s.handleUpdateToolchain(ctx, callRequest("update_toolchain", map[string]any{"toolchain": "stable"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "[config]")
	})
}

func TestRunCrateBuildArguments(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, &MockInstaller{})

	t.Run("MissingSource", func(t *testing.T) {
		_, err := s.handleRunCrateBuild(ctx, callRequest("run_crate_build", map[string]any{}))
		require.Error(t, err)
	})

	t.Run("InvalidSource", func(t *testing.T) {
		result, err := s.handleRunCrateBuild(ctx, callRequest("run_crate_build", map[string]any{"source": "ftp:serde"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "invalid source [config]")
	})

	t.Run("InvalidCommand", func(t *testing.T) {
		result, err := s.handleRunCrateBuild(ctx, callRequest("run_crate_build", map[string]any{
			"source":  "registry:serde@1.0.200",
			"command": `cargo "unterminated`,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "invalid command")
	})

	t.Run("MissingLocalSource", func(t *testing.T) {
		result, err := s.handleRunCrateBuild(ctx, callRequest("run_crate_build", map[string]any{
			"source":    "local:" + filepath.Join(t.TempDir(), "missing"),
			"toolchain": "path:" + t.TempDir(),
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "build failed [not_found]")
	})
}

func TestPrefetchCrate(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, &MockInstaller{})

	result, err := s.handlePrefetchCrate(ctx, callRequest("prefetch_crate", map[string]any{"source": "local:" + t.TempDir()}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "is cached")

	result, err = s.handlePrefetchCrate(ctx, callRequest("prefetch_crate", map[string]any{"source": "local:/nonexistent/crate"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTailSink(t *testing.T) {
	sink := newTailSink(2)
	for _, text := range []string{"a", "b", "c"} {
		sink.Line(sandbox.LogLine{Stream: sandbox.Stdout, Text: text})
	}
	sink.Line(sandbox.LogLine{Stream: sandbox.Stderr, Text: "warning"})

	stdout, stderr, dropped := sink.snapshot()
	assert.Equal(t, []string{"b", "c"}, stdout)
	assert.Equal(t, []string{"warning"}, stderr)
	assert.Equal(t, 1, dropped)
}
