//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// processTree is the process group a build process leads.
type processTree struct {
	pid int
}

// newProcessTree makes cmd the leader of a new process group.
func newProcessTree(cmd *exec.Cmd) *processTree {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	return &processTree{}
}

func (t *processTree) attach(pid int) error {
	t.pid = pid
	return nil
}

// kill sends SIGKILL to the whole group. A group that is already gone is not an error.
func (t *processTree) kill() error {
	if t.pid <= 0 {
		return nil
	}
	err := unix.Kill(-t.pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (*processTree) close() {}

// signalOf returns the name of the signal that terminated the process.
func signalOf(state *os.ProcessState) (string, bool) {
	if state == nil {
		return "", false
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return "", false
	}
	return unix.SignalName(status.Signal()), true
}
