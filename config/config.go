package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CRATEBOX_SANDBOX_BACKEND.
const EnvPrefix = "CRATEBOX"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Toolchain ToolchainConfig `mapstructure:"toolchain"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Git       GitConfig       `mapstructure:"git"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
	// LocalRoots limits the local: sources MCP clients may build to these
	// directories. Empty allows any path the server can read.
	LocalRoots []string `mapstructure:"local_roots"`
	// AllowNetworkOverride lets MCP clients enable network access for a build
	// when sandbox.network_enabled is false. Clients may always disable it.
	AllowNetworkOverride bool `mapstructure:"allow_network_override"`
}

// WorkspaceConfig holds workspace and local source configuration
type WorkspaceConfig struct {
	Root             string        `mapstructure:"root"`
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval"`
	LocalExcludes    []string      `mapstructure:"local_excludes"`
	// HardLinkLocal links read-only files of local sources instead of copying
	// them. Linked files share an inode with the original, so a build that
	// makes one writable and rewrites it also changes the source tree.
	HardLinkLocal bool `mapstructure:"hard_link_local"`
}

// MountConfig is an extra mount for every build
type MountConfig struct {
	Host     string `mapstructure:"host"`
	Target   string `mapstructure:"target"`
	ReadOnly bool   `mapstructure:"read_only"`
}

// SandboxConfig holds the backend and the default limits of every build
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	Image              string        `mapstructure:"image"`
	EngineBinary       string        `mapstructure:"engine_binary"`
	CgroupRoot         string        `mapstructure:"cgroup_root"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Memory             string        `mapstructure:"memory"`
	CPUs               float64       `mapstructure:"cpus"`
	DiskQuota          string        `mapstructure:"disk_quota"`
	DiskSampleInterval time.Duration `mapstructure:"disk_sample_interval"`
	NetworkEnabled     bool          `mapstructure:"network_enabled"`
	// Env entries are KEY=VALUE; a map would have its keys lowercased.
	Env    []string      `mapstructure:"env"`
	Mounts []MountConfig `mapstructure:"mounts"`
}

// ToolchainConfig holds toolchain installation settings
type ToolchainConfig struct {
	Default      string `mapstructure:"default"`
	RustupBinary string `mapstructure:"rustup_binary"`
	Profile      string `mapstructure:"profile"`
	// Bootstrap downloads rustup-init from DistURL when no rustup is on PATH.
	Bootstrap bool   `mapstructure:"bootstrap"`
	DistURL   string `mapstructure:"dist_url"`
}

// RegistryConfig holds crate registry settings
type RegistryConfig struct {
	DownloadURL   string        `mapstructure:"download_url"`
	IndexURL      string        `mapstructure:"index_url"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// GitConfig holds git settings
type GitConfig struct {
	Binary string `mapstructure:"binary"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
	// Output is stderr, stdout or a file path. The stdio transport owns stdout.
	Output string `mapstructure:"output"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// New loads and validates the configuration from config.yaml in . or
// ./config, if there is one.
func New() (*Config, error) {
	return Load("")
}

// Load loads and validates the configuration. An empty path searches the
// default locations and tolerates a missing file; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.local_roots", []string{})
	v.SetDefault("server.allow_network_override", false)

	v.SetDefault("workspace.root", defaultRoot())
	v.SetDefault("workspace.lock_poll_interval", 25*time.Millisecond)
	v.SetDefault("workspace.local_excludes", []string{"/target/"})
	v.SetDefault("workspace.hard_link_local", false)

	v.SetDefault("sandbox.backend", "host")
	v.SetDefault("sandbox.image", "")
	v.SetDefault("sandbox.engine_binary", "")
	v.SetDefault("sandbox.cgroup_root", "")
	v.SetDefault("sandbox.timeout", 15*time.Minute)
	v.SetDefault("sandbox.memory", "2GiB")
	v.SetDefault("sandbox.cpus", 0)
	v.SetDefault("sandbox.disk_quota", "4GiB")
	v.SetDefault("sandbox.disk_sample_interval", 250*time.Millisecond)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.env", []string{})
	v.SetDefault("sandbox.mounts", []MountConfig{})

	v.SetDefault("toolchain.default", "stable")
	v.SetDefault("toolchain.rustup_binary", "rustup")
	v.SetDefault("toolchain.profile", "minimal")
	v.SetDefault("toolchain.bootstrap", true)
	v.SetDefault("toolchain.dist_url", "https://static.rust-lang.org/rustup/dist")

	v.SetDefault("registry.download_url", "https://static.crates.io/crates")
	v.SetDefault("registry.index_url", "https://index.crates.io")
	v.SetDefault("registry.user_agent", "")
	v.SetDefault("registry.timeout", 5*time.Minute)
	v.SetDefault("registry.max_retries", 3)
	v.SetDefault("registry.retry_interval", 500*time.Millisecond)

	v.SetDefault("git.binary", "git")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}

func defaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "cratebox")
	}
	return ".cratebox"
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}
	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	for _, root := range c.Server.LocalRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("server.local_roots entry %q must be an absolute path", root)
		}
	}

	if c.Workspace.Root == "" {
		return errors.New("workspace.root must be set")
	}

	switch c.Sandbox.Backend {
	case "host", "docker", "podman":
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s, must be 'host', 'docker' or 'podman'", c.Sandbox.Backend)
	}
	if c.Sandbox.Timeout < 0 {
		return fmt.Errorf("sandbox.timeout must not be negative, got: %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative, got: %g", c.Sandbox.CPUs)
	}
	if _, err := c.MemoryLimit(); err != nil {
		return err
	}
	if _, err := c.DiskQuota(); err != nil {
		return err
	}
	if _, err := c.SandboxEnv(); err != nil {
		return err
	}
	for i, m := range c.Sandbox.Mounts {
		if m.Host == "" || m.Target == "" {
			return fmt.Errorf("sandbox.mounts[%d] needs both host and target", i)
		}
	}

	if c.Toolchain.Default == "" {
		return errors.New("toolchain.default must be set")
	}
	if c.Toolchain.Bootstrap && c.Toolchain.DistURL == "" {
		return errors.New("toolchain.dist_url must be set when bootstrap is enabled")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}
	if c.Server.Transport == "stdio" && c.Logging.Output == "stdout" {
		return errors.New("logging.output cannot be stdout with the stdio transport")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address must be set when metrics are enabled")
	}
	return nil
}

// MemoryLimit returns sandbox.memory in bytes. Zero means unlimited.
func (c *Config) MemoryLimit() (int64, error) {
	return parseSize("sandbox.memory", c.Sandbox.Memory)
}

// DiskQuota returns sandbox.disk_quota in bytes. Zero means unlimited.
func (c *Config) DiskQuota() (int64, error) {
	return parseSize("sandbox.disk_quota", c.Sandbox.DiskQuota)
}

// SandboxEnv returns sandbox.env as a map.
func (c *Config) SandboxEnv() (map[string]string, error) {
	env := make(map[string]string, len(c.Sandbox.Env))
	for _, kv := range c.Sandbox.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid sandbox.env entry %q, must be KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

func parseSize(key, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s %q is too large", key, s)
	}
	return int64(n), nil
}
