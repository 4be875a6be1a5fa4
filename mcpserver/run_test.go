//go:build unix

package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/cratebox/sandbox"
)

func TestRunCrateBuild(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	crate := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(crate, "Cargo.toml"), []byte("[package]\nname = \"demo\"\n"), 0o644))
	s := newTestServer(t, &MockInstaller{})

	result, err := s.handleRunCrateBuild(context.Background(), callRequest("run_crate_build", map[string]any{
		"source":      "local:" + crate,
		"toolchain":   "path:" + t.TempDir(),
		"command":     `sh -c "cat Cargo.toml; echo oops >&2; exit 2"`,
		"timeout_sec": float64(30),
		"persist":     true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var body BuildResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &body))
	assert.Equal(t, sandbox.StateCompleted, body.Outcome.State)
	assert.Equal(t, 2, body.Outcome.ExitCode)
	assert.Equal(t, []string{"[package]", `name = "demo"`}, body.Stdout)
	assert.Equal(t, []string{"oops"}, body.Stderr)
	assert.Equal(t, "local:"+crate, body.Source)
	assert.DirExists(t, body.BuildDir)
}
