package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/cratebox/errdefs"
)

// DefaultInheritEnv lists the host variables a host build inherits. PATH is
// always inherited, behind the toolchain entries.
var DefaultInheritEnv = []string{
	"HOME", "USER", "LOGNAME", "LANG", "LC_ALL", "TMPDIR", "TEMP", "TMP",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "WINDIR",
}

// HostBackend runs builds as plain processes on the host, each leading its
// own process group (a job object on windows).
//
// Memory and CPU limits use a cgroup v2 directory under the configured root
// when there is one; otherwise memory falls back to an rlimit and CPU is not
// limited. A disabled network means a private network namespace. The host
// filesystem is shared, so extra mounts are not applied.
type HostBackend struct {
	logger     *zap.Logger
	cgroupRoot string
	inheritEnv []string
}

// HostOption configures a HostBackend
type HostOption func(*HostBackend)

// WithCgroupRoot sets a delegated cgroup v2 directory builds get their own
// child cgroup in.
func WithCgroupRoot(root string) HostOption {
	return func(h *HostBackend) {
		h.cgroupRoot = root
	}
}

// WithInheritEnv replaces the list of inherited host variables
func WithInheritEnv(keys []string) HostOption {
	return func(h *HostBackend) {
		h.inheritEnv = append([]string(nil), keys...)
	}
}

// NewHostBackend creates a new HostBackend
func NewHostBackend(logger *zap.Logger, opts ...HostOption) *HostBackend {
	h := &HostBackend{
		logger:     logger,
		inheritEnv: DefaultInheritEnv,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (*HostBackend) Name() string { return BackendHost }

// Prepare builds the command with the build's environment. It fails with a
// sandbox unsupported error when the network cannot be disabled.
func (h *HostBackend) Prepare(_ context.Context, launch Launch) (*Invocation, error) {
	cfg := launch.Config
	base := make(map[string]string, len(h.inheritEnv))
	for _, key := range h.inheritEnv {
		if v, ok := os.LookupEnv(key); ok {
			base[key] = v
		}
	}
	env, pathValue := buildEnv(base, launch.Toolchain.Environment(), launch.BuildDir.Path(),
		string(filepath.Separator), os.Getenv("PATH"), cfg)

	cmd := exec.Command(launch.Command[0], launch.Command[1:]...) //nolint:gosec // Running the build command is the point
	if p := lookPathIn(launch.Command[0], pathValue); p != "" {
		cmd.Path = p
		cmd.Err = nil
	}
	cmd.Dir = launch.BuildDir.SourceDir()
	cmd.Env = env

	tree := newProcessTree(cmd)
	setParentDeathSignal(cmd.SysProcAttr)
	if !cfg.NetworkEnabled() {
		if err := isolateNetwork(cmd.SysProcAttr); err != nil {
			return nil, err
		}
	}
	if len(cfg.Mounts()) > 0 {
		h.logger.Warn("host backend shares the host filesystem, extra mounts are not applied",
			zap.Int("mounts", len(cfg.Mounts())))
	}

	var cg *cgroup
	limited := cfg.MemoryLimit() > 0 || cfg.CPULimit() > 0
	switch {
	case limited && h.cgroupRoot != "":
		var err error
		cg, err = newCgroup(h.cgroupRoot, "cratebox-"+filepath.Base(launch.BuildDir.Path()))
		if err != nil {
			return nil, err
		}
		if err := cg.apply(cfg.MemoryLimit(), cfg.CPULimit()); err != nil {
			_ = cg.remove()
			return nil, errdefs.Wrapf(err, errdefs.KindSandboxUnsupported, "sandbox.host", "apply cgroup limits")
		}
	case cfg.CPULimit() > 0:
		h.logger.Warn("cpu limit needs a cgroup root, running without it", zap.Float64("cpus", cfg.CPULimit()))
	}

	inv := &Invocation{Cmd: cmd}
	inv.OnStart = func(pid int) error {
		if err := tree.attach(pid); err != nil {
			return err
		}
		if cg != nil {
			return cg.add(pid)
		}
		if mem := cfg.MemoryLimit(); mem > 0 {
			if err := setMemoryRlimit(pid, mem); err != nil {
				if !errors.Is(err, errors.ErrUnsupported) {
					return err
				}
				h.logger.Warn("memory limit is not supported by the host backend on this platform")
			}
		}
		return nil
	}
	inv.Kill = func() error {
		var errs []error
		if cg != nil {
			errs = append(errs, cg.kill())
		}
		errs = append(errs, tree.kill())
		return errors.Join(errs...)
	}
	inv.OOMKilled = func() bool {
		return cg != nil && cg.oomKilled()
	}
	inv.Cleanup = func(context.Context) error {
		tree.close()
		if cg != nil {
			return cg.remove()
		}
		return nil
	}
	inv.StartError = func(err error) error {
		if !cfg.NetworkEnabled() && isolationStartError(err) {
			return errdefs.Wrapf(err, errdefs.KindSandboxUnsupported, "sandbox.host", "the kernel refused the network namespace")
		}
		return nil
	}
	return inv, nil
}

// lookPathIn finds an executable in a PATH list other than the current
// process's. It returns "" when file is not found or already has a directory.
func lookPathIn(file, pathList string) string {
	if strings.ContainsAny(file, `/\`) {
		return ""
	}
	names := []string{file}
	if runtime.GOOS == "windows" && filepath.Ext(file) == "" {
		names = append(names, file+".exe")
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		for _, name := range names {
			p := filepath.Join(dir, name)
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				continue
			}
			if runtime.GOOS == "windows" || info.Mode()&0o111 != 0 {
				return p
			}
		}
	}
	return ""
}
