package main

import (
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/build"
	"github.com/isdmx/cratebox/config"
	"github.com/isdmx/cratebox/crates"
	"github.com/isdmx/cratebox/logger"
	"github.com/isdmx/cratebox/metrics"
	"github.com/isdmx/cratebox/sandbox"
	"github.com/isdmx/cratebox/toolchain"
	"github.com/isdmx/cratebox/workspace"
)

// engineModule provides the build engine from the configuration.
var engineModule = fx.Options(
	fx.Provide(
		loadConfig,
		logger.NewFromConfig,
		metrics.New,
		newWorkspace,
		newToolchainManager,
		newFetcher,
		newRunner,
		newBuildService,
	),
)

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newWorkspace(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*workspace.Workspace, error) {
	return workspace.Open(cfg.Workspace.Root,
		workspace.WithLogger(log),
		workspace.WithMetrics(m),
		workspace.WithLockPollInterval(cfg.Workspace.LockPollInterval))
}

func newToolchainManager(cfg *config.Config, log *zap.Logger, ws *workspace.Workspace, m *metrics.Metrics) *toolchain.Manager {
	installer := toolchain.NewRustupInstaller(log,
		toolchain.WithRustupBinary(cfg.Toolchain.RustupBinary),
		toolchain.WithProfile(cfg.Toolchain.Profile),
		toolchain.WithBootstrap(cfg.Toolchain.Bootstrap),
		toolchain.WithRustupDistURL(cfg.Toolchain.DistURL),
		toolchain.WithHTTPClient(&http.Client{Timeout: cfg.Registry.Timeout}),
		toolchain.WithDownloadRetry(cfg.Registry.MaxRetries, cfg.Registry.RetryInterval))
	return toolchain.NewManager(ws, installer, toolchain.WithLogger(log), toolchain.WithMetrics(m))
}

func newFetcher(cfg *config.Config, log *zap.Logger, ws *workspace.Workspace, m *metrics.Metrics) *crates.Fetcher {
	registry := crates.NewHTTPRegistryClient(log,
		crates.WithHTTPClient(&http.Client{Timeout: cfg.Registry.Timeout}),
		crates.WithDownloadURL(cfg.Registry.DownloadURL),
		crates.WithIndexURL(cfg.Registry.IndexURL),
		crates.WithUserAgent(cfg.Registry.UserAgent))
	git := crates.NewGitCLI(log, crates.WithGitBinary(cfg.Git.Binary))

	return crates.NewFetcher(ws,
		crates.WithRegistryClient(registry),
		crates.WithGitClient(git),
		crates.WithLogger(log),
		crates.WithMetrics(m),
		crates.WithLocalExcludes(cfg.Workspace.LocalExcludes),
		crates.WithHardLinks(cfg.Workspace.HardLinkLocal),
		crates.WithRetry(cfg.Registry.MaxRetries, cfg.Registry.RetryInterval))
}

func newRunner(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*sandbox.Runner, error) {
	backend, err := sandbox.NewBackend(log, sandbox.BackendConfig{
		Kind:         cfg.Sandbox.Backend,
		Image:        cfg.Sandbox.Image,
		EngineBinary: cfg.Sandbox.EngineBinary,
		CgroupRoot:   cfg.Sandbox.CgroupRoot,
	})
	if err != nil {
		return nil, err
	}
	return sandbox.NewRunner(
		sandbox.WithBackend(backend),
		sandbox.WithLogger(log),
		sandbox.WithMetrics(m),
		sandbox.WithDiskSampleInterval(cfg.Sandbox.DiskSampleInterval)), nil
}

func newBuildService(cfg *config.Config, log *zap.Logger, ws *workspace.Workspace,
	toolchains *toolchain.Manager, fetcher *crates.Fetcher, runner *sandbox.Runner,
) (*build.Service, error) {
	defaults, err := sandboxDefaults(cfg)
	if err != nil {
		return nil, err
	}
	return build.NewService(ws, toolchains, fetcher, runner,
		build.WithLogger(log),
		build.WithSandboxDefaults(defaults...),
		build.WithDefaultTimeout(cfg.Sandbox.Timeout)), nil
}

// sandboxDefaults turns the sandbox section into the options every build starts from.
func sandboxDefaults(cfg *config.Config) ([]sandbox.Option, error) {
	memory, err := cfg.MemoryLimit()
	if err != nil {
		return nil, err
	}
	quota, err := cfg.DiskQuota()
	if err != nil {
		return nil, err
	}
	env, err := cfg.SandboxEnv()
	if err != nil {
		return nil, err
	}

	opts := []sandbox.Option{
		sandbox.WithMemoryLimit(memory),
		sandbox.WithCPULimit(cfg.Sandbox.CPUs),
		sandbox.WithDiskQuota(quota),
		sandbox.WithNetwork(cfg.Sandbox.NetworkEnabled),
	}
	for k, v := range env {
		opts = append(opts, sandbox.WithEnv(k, v))
	}
	for _, m := range cfg.Sandbox.Mounts {
		opts = append(opts, sandbox.WithMount(m.Host, m.Target, m.ReadOnly))
	}
	// Conflicting mounts are reported at startup.
	if _, err := sandbox.NewConfig(opts...); err != nil {
		return nil, err
	}
	return opts, nil
}

// engine is what one-shot commands work with.
type engine struct {
	cfg    *config.Config
	builds *build.Service
	log    *zap.Logger
}

// withEngine builds the engine for a one-shot command and runs fn with it.
func withEngine(fn func(e engine) error) error {
	var e engine
	app := fx.New(engineModule, fx.Populate(&e.cfg, &e.builds, &e.log), fx.NopLogger)
	if err := app.Err(); err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()
	return fn(e)
}
