package crates

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/cratebox/cmdexec"
	"github.com/isdmx/cratebox/errdefs"
)

// GitClient is the git collaborator of the fetcher.
type GitClient interface {
	// ResolveRevision maps rev (branch, tag, commit or "" for HEAD) to a
	// full commit id without cloning. It returns "" when rev can only be
	// resolved after cloning (an abbreviated commit id).
	ResolveRevision(ctx context.Context, url, rev string) (string, error)
	// Checkout clones url into dir, checks rev out detached and returns the
	// full commit id of HEAD.
	Checkout(ctx context.Context, url, rev, dir string) (string, error)
}

// Messages git prints when the remote repository does not exist.
var gitNotFoundMarkers = []string{
	"repository not found",
	"does not exist",
	"not found",
	"does not appear to be a git repository",
}

// Messages git prints when the transport failed.
var gitNetworkMarkers = []string{
	"could not resolve host",
	"connection timed out",
	"connection refused",
	"connection reset",
	"early eof",
	"the remote end hung up",
	"operation timed out",
	"unable to access",
}

// GitCLI implements GitClient with the git binary.
type GitCLI struct {
	logger        *zap.Logger
	commandRunner cmdexec.CommandRunner
	binary        string
}

// GitOption configures a GitCLI
type GitOption func(*GitCLI)

// WithGitCommandRunner sets a custom command runner (for tests)
func WithGitCommandRunner(runner cmdexec.CommandRunner) GitOption {
	return func(g *GitCLI) {
		g.commandRunner = runner
	}
}

// WithGitBinary sets the git binary
func WithGitBinary(binary string) GitOption {
	return func(g *GitCLI) {
		if binary != "" {
			g.binary = binary
		}
	}
}

// NewGitCLI creates a new GitCLI
func NewGitCLI(logger *zap.Logger, opts ...GitOption) *GitCLI {
	g := &GitCLI{
		logger:        logger,
		commandRunner: cmdexec.RealCommandRunner{},
		binary:        "git",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResolveRevision runs "git ls-remote". Branches win over tags, and annotated
// tags resolve to the commit they point at.
func (g *GitCLI) ResolveRevision(ctx context.Context, url, rev string) (string, error) {
	if fullCommitPattern.MatchString(rev) {
		return rev, nil
	}
	pattern := rev
	if pattern == "" {
		pattern = "HEAD"
	}

	out, err := g.run(ctx, "", "ls-remote", "--exit-code", "--", url, pattern)
	if err != nil {
		var exitErr *cmdexec.ExitError
		// Exit code 2: the remote exists but has no matching ref.
		if errors.As(err, &exitErr) && exitErr.ExitCode == 2 {
			if isHex(rev) && len(rev) >= 7 {
				return "", nil
			}
			return "", errdefs.Newf(errdefs.KindNotFound, "crates.git.resolve", "revision %q not found in %s", rev, url)
		}
		return "", classifyGitError(err, "crates.git.resolve")
	}

	refs := make(map[string]string)
	var first string
	for _, line := range strings.Split(out, "\n") {
		commit, ref, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok {
			continue
		}
		if first == "" {
			first = commit
		}
		refs[ref] = commit
	}

	for _, ref := range []string{
		"HEAD",
		"refs/heads/" + rev,
		"refs/tags/" + rev + "^{}",
		"refs/tags/" + rev,
	} {
		if pattern != "HEAD" && ref == "HEAD" {
			continue
		}
		if commit, ok := refs[ref]; ok {
			return commit, nil
		}
	}
	if first == "" {
		return "", errdefs.Newf(errdefs.KindNotFound, "crates.git.resolve", "revision %q not found in %s", rev, url)
	}
	return first, nil
}

// Checkout clones without checking out, then checks rev out detached.
func (g *GitCLI) Checkout(ctx context.Context, url, rev, dir string) (string, error) {
	g.logger.Info("cloning git repository", zap.String("url", url), zap.String("rev", rev))

	if _, err := g.run(ctx, "", "clone", "--quiet", "--no-checkout", "--", url, dir); err != nil {
		return "", classifyGitError(err, "crates.git.clone")
	}
	target := rev
	if target == "" {
		target = "HEAD"
	}
	if _, err := g.run(ctx, dir, "checkout", "--quiet", "--detach", target); err != nil {
		return "", errdefs.Wrapf(err, errdefs.KindNotFound, "crates.git.checkout", "cannot check out %q", rev)
	}
	out, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.KindIO, "crates.git.checkout")
	}
	return strings.TrimSpace(out), nil
}

func (g *GitCLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	return cmdexec.Run(ctx, g.commandRunner, cmdexec.Command{
		Args: append([]string{g.binary}, args...),
		// Never wait for credentials on a terminal nobody is watching.
		Env: map[string]string{"GIT_TERMINAL_PROMPT": "0", "GIT_ASKPASS": "true"},
	})
}

func classifyGitError(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var exitErr *cmdexec.ExitError
	if !errors.As(err, &exitErr) {
		return errdefs.Wrap(err, errdefs.KindIO, op)
	}
	stderr := strings.ToLower(exitErr.Stderr)
	for _, marker := range gitNetworkMarkers {
		if strings.Contains(stderr, marker) {
			return errdefs.Wrap(err, errdefs.KindNetwork, op)
		}
	}
	for _, marker := range gitNotFoundMarkers {
		if strings.Contains(stderr, marker) {
			return errdefs.Wrap(err, errdefs.KindNotFound, op)
		}
	}
	return errdefs.Wrap(err, errdefs.KindIO, op)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
