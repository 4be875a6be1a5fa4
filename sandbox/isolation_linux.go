//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/isdmx/cratebox/errdefs"
)

const cpuPeriod = 100000

// isolateNetwork runs the process in a fresh network namespace that only has
// a loopback device. Unprivileged callers get a user namespace mapping their
// own uid and gid so the kernel allows the network namespace.
func isolateNetwork(attr *syscall.SysProcAttr) error {
	if os.Geteuid() == 0 {
		attr.Cloneflags |= syscall.CLONE_NEWNET
		return nil
	}
	if !userNamespacesAllowed() {
		return errdefs.New(errdefs.KindSandboxUnsupported, "sandbox.host",
			"network isolation needs unprivileged user namespaces, which this host disables")
	}
	attr.Cloneflags |= syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}}
	return nil
}

func userNamespacesAllowed() bool {
	if v, err := readSysctl("/proc/sys/user/max_user_namespaces"); err == nil && v == "0" {
		return false
	}
	if v, err := readSysctl("/proc/sys/kernel/unprivileged_userns_clone"); err == nil && v == "0" {
		return false
	}
	return true
}

func readSysctl(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// isolationStartError reports whether a failed start was the kernel refusing
// the namespaces rather than a missing program.
func isolationStartError(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSPC)
}

// setParentDeathSignal kills the build process if the supervising thread dies.
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}

// setMemoryRlimit caps the data segment of an already started process.
// Children forked before the call keep the old limit.
func setMemoryRlimit(pid int, bytes int64) error {
	limit := &unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	return unix.Prlimit(pid, unix.RLIMIT_DATA, limit, nil)
}

// cgroup is a cgroup v2 directory created for one build.
type cgroup struct {
	path string
}

func newCgroup(root, name string) (*cgroup, error) {
	path := filepath.Join(root, name)
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, errdefs.Wrapf(err, errdefs.KindSandboxUnsupported, "sandbox.cgroup", "create cgroup %s", path)
	}
	return &cgroup{path: path}, nil
}

func (c *cgroup) apply(memory int64, cpus float64) error {
	if memory > 0 {
		if err := c.write("memory.max", strconv.FormatInt(memory, 10)); err != nil {
			return err
		}
		// No swap controller is fine; the limit still holds for RAM.
		_ = c.write("memory.swap.max", "0")
	}
	if cpus > 0 {
		quota := int64(cpus * cpuPeriod)
		if err := c.write("cpu.max", fmt.Sprintf("%d %d", max(quota, 1000), cpuPeriod)); err != nil {
			return err
		}
	}
	return nil
}

func (c *cgroup) add(pid int) error {
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// kill kills every process in the cgroup, including ones that left the
// process group.
func (c *cgroup) kill() error {
	err := c.write("cgroup.kill", "1")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *cgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

// remove deletes the cgroup once its processes are gone. Killed processes
// take a moment to leave, so EBUSY is retried briefly.
func (c *cgroup) remove() error {
	var err error
	for range 20 {
		err = os.Remove(c.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

func (c *cgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640)
}
