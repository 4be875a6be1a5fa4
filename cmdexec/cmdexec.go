// Package cmdexec runs short-lived helper commands (installers, git, container
// cleanup) to completion and returns their captured output.
//
// Builds never go through this package: the sandbox runner streams and
// supervises build processes itself. cmdexec exists so every external tool the
// engine shells out to sits behind one seam that tests can replace.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external command invocation.
type Command struct {
	Args []string          // Program followed by its arguments
	Dir  string            // Working directory, empty for the current one
	Env  map[string]string // Variables added on top of the inherited environment
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command. A non-zero exit code is reported through
// exitCode with a nil error; err is only set when the command could not run.
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (stdout, stderr string, exitCode int, err error) {
	if len(c.Args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // Arguments are built by cratebox, not users
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range c.Env {
			cmd.Env = append(cmd.Env, key+"="+value)
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) && ctx.Err() == nil {
			return stdoutBuf.String(), stderrBuf.String(), exitError.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
		}
		return "", "", 0, err
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// Run executes cmd and converts a non-zero exit code into an error that
// carries the trimmed stderr.
func Run(ctx context.Context, runner CommandRunner, cmd Command) (string, error) {
	stdout, stderr, exitCode, err := runner.RunCommand(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	if exitCode != 0 {
		return stdout, &ExitError{Command: cmd.String(), ExitCode: exitCode, Stderr: strings.TrimSpace(stderr)}
	}
	return stdout, nil
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d (stderr: %s)", e.Command, e.ExitCode, e.Stderr)
}
