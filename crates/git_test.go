package crates

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/cratebox/cmdexec"
	"github.com/isdmx/cratebox/errdefs"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner answers git subcommands with canned results.
type MockCommandRunner struct {
	results map[string]commandResult
	calls   []cmdexec.Command
}

func (m *MockCommandRunner) RunCommand(_ context.Context, cmd cmdexec.Command) (stdout, stderr string, exitCode int, err error) {
	m.calls = append(m.calls, cmd)
	res := m.results[gitSubcommand(cmd.Args)]
	return res.stdout, res.stderr, res.exitCode, res.err
}

func gitSubcommand(args []string) string {
	for i := 1; i < len(args); i++ {
		if args[i] == "-C" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

const (
	commitMain = "1111111111111111111111111111111111111111"
	commitTag  = "2222222222222222222222222222222222222222"
	commitAnn  = "3333333333333333333333333333333333333333"
)

func TestGitResolveRevision(t *testing.T) {
	ctx := context.Background()
	url := "https://example.com/repo.git"

	t.Run("FullCommitSkipsRemote", func(t *testing.T) {
		runner := &MockCommandRunner{}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		commit, err := g.ResolveRevision(ctx, url, commitMain)
		require.NoError(t, err)
		assert.Equal(t, commitMain, commit)
		assert.Empty(t, runner.calls)
	})

	t.Run("Head", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {stdout: commitMain + "\tHEAD\n"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner), WithGitBinary("/usr/bin/git"))

		commit, err := g.ResolveRevision(ctx, url, "")
		require.NoError(t, err)
		assert.Equal(t, commitMain, commit)

		require.Len(t, runner.calls, 1)
		assert.Equal(t, []string{"/usr/bin/git", "ls-remote", "--exit-code", "--", url, "HEAD"}, runner.calls[0].Args)
		assert.Equal(t, "0", runner.calls[0].Env["GIT_TERMINAL_PROMPT"])
	})

	t.Run("BranchWinsOverTag", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {stdout: commitTag + "\trefs/tags/v1\n" + commitMain + "\trefs/heads/v1\n"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		commit, err := g.ResolveRevision(ctx, url, "v1")
		require.NoError(t, err)
		assert.Equal(t, commitMain, commit)
	})

	t.Run("AnnotatedTagPeeled", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {stdout: commitTag + "\trefs/tags/v2\n" + commitAnn + "\trefs/tags/v2^{}\n"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		commit, err := g.ResolveRevision(ctx, url, "v2")
		require.NoError(t, err)
		assert.Equal(t, commitAnn, commit)
	})

	t.Run("UnknownRevision", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {exitCode: 2},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.ResolveRevision(ctx, url, "no-such-branch")
		assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
	})

	t.Run("AbbreviatedCommitDeferred", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {exitCode: 2},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		commit, err := g.ResolveRevision(ctx, url, "abc1234")
		require.NoError(t, err)
		assert.Empty(t, commit)
	})

	t.Run("NetworkFailure", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {exitCode: 128, stderr: "fatal: unable to access 'https://example.com/repo.git/': Could not resolve host: example.com"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.ResolveRevision(ctx, url, "main")
		assert.True(t, errdefs.Is(err, errdefs.KindNetwork))
		assert.True(t, errdefs.IsTransient(err))
	})

	t.Run("MissingRepository", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {exitCode: 128, stderr: "remote: Repository not found.\nfatal: repository 'https://example.com/repo.git/' not found"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.ResolveRevision(ctx, url, "main")
		assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
	})

	t.Run("Cancelled", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"ls-remote": {exitCode: -1, err: context.Canceled},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.ResolveRevision(ctx, url, "main")
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, errdefs.IsTransient(err))
	})
}

func TestGitCheckout(t *testing.T) {
	ctx := context.Background()
	url := "https://example.com/repo.git"

	t.Run("Success", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"rev-parse": {stdout: commitMain + "\n"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		commit, err := g.Checkout(ctx, url, "abc1234", "/tmp/checkout")
		require.NoError(t, err)
		assert.Equal(t, commitMain, commit)

		require.Len(t, runner.calls, 3)
		assert.Equal(t, []string{"git", "clone", "--quiet", "--no-checkout", "--", url, "/tmp/checkout"}, runner.calls[0].Args)
		assert.Equal(t, []string{"git", "-C", "/tmp/checkout", "checkout", "--quiet", "--detach", "abc1234"}, runner.calls[1].Args)
		assert.Equal(t, []string{"git", "-C", "/tmp/checkout", "rev-parse", "HEAD"}, runner.calls[2].Args)
	})

	t.Run("HeadWhenNoRevision", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"rev-parse": {stdout: commitMain},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.Checkout(ctx, url, "", "/tmp/checkout")
		require.NoError(t, err)
		assert.Equal(t, "HEAD", runner.calls[1].Args[len(runner.calls[1].Args)-1])
	})

	t.Run("CloneNetworkFailure", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"clone": {exitCode: 128, stderr: "fatal: the remote end hung up unexpectedly"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.Checkout(ctx, url, "main", "/tmp/checkout")
		assert.True(t, errdefs.Is(err, errdefs.KindNetwork))
		assert.Len(t, runner.calls, 1)
	})

	t.Run("UnknownRevision", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"checkout": {exitCode: 1, stderr: "error: pathspec 'deadbee' did not match any file(s) known to git"},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.Checkout(ctx, url, "deadbee", "/tmp/checkout")
		assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
		assert.True(t, strings.Contains(err.Error(), "deadbee"))
	})

	t.Run("GitMissing", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"clone": {err: errors.New(`exec: "git": executable file not found in $PATH`)},
		}}
		g := NewGitCLI(zaptest.NewLogger(t), WithGitCommandRunner(runner))

		_, err := g.Checkout(ctx, url, "main", "/tmp/checkout")
		assert.True(t, errdefs.Is(err, errdefs.KindIO))
	})
}
