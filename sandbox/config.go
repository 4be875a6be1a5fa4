package sandbox

import (
	"path"
	"path/filepath"
	"sort"

	"github.com/isdmx/cratebox/errdefs"
)

// Mount targets the runner always sets up. User mounts may not reuse them.
const (
	BuildMountTarget     = "/opt/cratebox/build"
	ToolchainMountTarget = "/opt/cratebox/toolchain"
)

// Mount maps a host path into the sandbox.
type Mount struct {
	HostPath string `json:"host_path"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Config describes the isolation a build runs under. The zero value (and
// NewConfig without options) means: no network, no memory, CPU or disk limit.
// A Config is immutable once built; accessors return copies.
type Config struct {
	memoryLimit int64
	cpuLimit    float64
	diskQuota   int64
	network     bool
	env         map[string]string
	mounts      []Mount
}

// Option configures a Config
type Option func(*Config) error

// WithMemoryLimit caps memory in bytes. Zero or less means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(c *Config) error {
		c.memoryLimit = max(bytes, 0)
		return nil
	}
}

// WithCPULimit caps CPU usage to a number of cores, e.g. 1.5. Zero or less means unlimited.
func WithCPULimit(cpus float64) Option {
	return func(c *Config) error {
		c.cpuLimit = max(cpus, 0)
		return nil
	}
}

// WithDiskQuota caps the size of the build directory in bytes. Zero or less means unlimited.
func WithDiskQuota(bytes int64) Option {
	return func(c *Config) error {
		c.diskQuota = max(bytes, 0)
		return nil
	}
}

// WithNetwork enables or disables network access
func WithNetwork(enabled bool) Option {
	return func(c *Config) error {
		c.network = enabled
		return nil
	}
}

// WithEnv sets an environment variable. Later calls for the same key win.
func WithEnv(key, value string) Option {
	return func(c *Config) error {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
		return nil
	}
}

// WithMount adds a host path at target. Mounting a different host path or
// mode at a target already in use is a config error; an identical mount is
// merged.
func WithMount(hostPath, target string, readOnly bool) Option {
	return func(c *Config) error {
		m := Mount{HostPath: hostPath, Target: path.Clean("/" + filepath.ToSlash(target)), ReadOnly: readOnly}
		if abs, err := filepath.Abs(hostPath); err == nil {
			m.HostPath = abs
		}
		if m.Target == BuildMountTarget || m.Target == ToolchainMountTarget {
			return errdefs.Newf(errdefs.KindConfig, "sandbox.config", "mount target %s is reserved", m.Target).
				WithDetail("host_path", m.HostPath)
		}
		for _, existing := range c.mounts {
			if existing.Target != m.Target {
				continue
			}
			if existing == m {
				return nil
			}
			return errdefs.Newf(errdefs.KindConfig, "sandbox.config", "conflicting mounts for %s", m.Target).
				WithDetail("first", existing.HostPath).
				WithDetail("second", m.HostPath)
		}
		c.mounts = append(c.mounts, m)
		return nil
	}
}

// NewConfig builds a Config. The only possible failure is a mount conflict.
func NewConfig(opts ...Option) (Config, error) {
	var c Config
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Config{}, err
		}
	}
	sort.Slice(c.mounts, func(i, j int) bool { return c.mounts[i].Target < c.mounts[j].Target })
	return c, nil
}

// MemoryLimit returns the memory cap in bytes, 0 when unlimited.
func (c Config) MemoryLimit() int64 { return c.memoryLimit }

// CPULimit returns the CPU cap in cores, 0 when unlimited.
func (c Config) CPULimit() float64 { return c.cpuLimit }

// DiskQuota returns the build directory quota in bytes, 0 when unlimited.
func (c Config) DiskQuota() int64 { return c.diskQuota }

// NetworkEnabled reports whether the build may use the network.
func (c Config) NetworkEnabled() bool { return c.network }

// Env returns a copy of the environment overrides.
func (c Config) Env() map[string]string {
	env := make(map[string]string, len(c.env))
	for k, v := range c.env {
		env[k] = v
	}
	return env
}

// Mounts returns a copy of the extra mounts, sorted by target.
func (c Config) Mounts() []Mount {
	return append([]Mount(nil), c.mounts...)
}
