//go:build !linux

package sandbox

import (
	"errors"
	"syscall"

	"github.com/isdmx/cratebox/errdefs"
)

func isolateNetwork(*syscall.SysProcAttr) error {
	return errdefs.New(errdefs.KindSandboxUnsupported, "sandbox.host",
		"the host backend cannot disable the network on this platform; use a container backend")
}

func isolationStartError(error) bool { return false }

func setParentDeathSignal(*syscall.SysProcAttr) {}

func setMemoryRlimit(int, int64) error { return errors.ErrUnsupported }

type cgroup struct{}

func newCgroup(_, _ string) (*cgroup, error) {
	return nil, errdefs.New(errdefs.KindSandboxUnsupported, "sandbox.cgroup", "cgroups are only available on linux")
}

func (*cgroup) apply(int64, float64) error { return nil }
func (*cgroup) add(int) error              { return nil }
func (*cgroup) kill() error                { return nil }
func (*cgroup) oomKilled() bool            { return false }
func (*cgroup) remove() error              { return nil }
