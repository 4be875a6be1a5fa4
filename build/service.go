package build

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/cratebox/crates"
	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/sandbox"
	"github.com/isdmx/cratebox/toolchain"
	"github.com/isdmx/cratebox/workspace"
)

// Request describes one build.
type Request struct {
	Toolchain toolchain.Spec
	Source    crates.Source
	Command   []string
	// Sandbox options are applied after the service defaults.
	Sandbox []sandbox.Option
	// Timeout overrides the service default. Zero keeps the default.
	Timeout time.Duration
	Sink    sandbox.LogSink
	// Persist keeps the build directory after the build, including failed ones.
	Persist bool
}

// Result is what a build produced.
type Result struct {
	Outcome   sandbox.Outcome `json:"outcome"`
	Toolchain string          `json:"toolchain"`
	Source    string          `json:"source"`
	Commit    string          `json:"commit,omitempty"`
	BuildDir  string          `json:"build_dir,omitempty"`
}

// Service runs builds against a workspace.
type Service struct {
	ws         *workspace.Workspace
	toolchains *toolchain.Manager
	fetcher    *crates.Fetcher
	runner     *sandbox.Runner
	logger     *zap.Logger

	defaults       []sandbox.Option
	defaultTimeout time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSandboxDefaults sets the sandbox options every build starts from
func WithSandboxDefaults(opts ...sandbox.Option) Option {
	return func(s *Service) {
		s.defaults = append([]sandbox.Option(nil), opts...)
	}
}

// WithDefaultTimeout sets the timeout of builds that do not ask for one
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.defaultTimeout = d
	}
}

// NewService creates a new Service
func NewService(ws *workspace.Workspace, toolchains *toolchain.Manager, fetcher *crates.Fetcher,
	runner *sandbox.Runner, opts ...Option,
) *Service {
	s := &Service{
		ws:         ws,
		toolchains: toolchains,
		fetcher:    fetcher,
		runner:     runner,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Workspace returns the workspace builds run in.
func (s *Service) Workspace() *workspace.Workspace { return s.ws }

// Toolchains returns the toolchain manager.
func (s *Service) Toolchains() *toolchain.Manager { return s.toolchains }

// Fetcher returns the crate fetcher.
func (s *Service) Fetcher() *crates.Fetcher { return s.fetcher }

// Build installs the toolchain if needed, fetches the source into a fresh
// build directory and runs the command there. The returned error is set
// when the build could not run; how the command ended is in the Outcome.
func (s *Service) Build(ctx context.Context, req Request) (Result, error) {
	res := Result{
		Toolchain: req.Toolchain.String(),
		Source:    req.Source.String(),
		Outcome:   sandbox.Outcome{State: sandbox.StatePending},
	}
	if len(req.Command) == 0 {
		return res, errdefs.New(errdefs.KindConfig, "build", "empty command")
	}
	if err := req.Source.Validate(); err != nil {
		return res, err
	}
	cfg, err := sandbox.NewConfig(append(append([]sandbox.Option(nil), s.defaults...), req.Sandbox...)...)
	if err != nil {
		return res, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	logger := s.logger.With(zap.String("toolchain", res.Toolchain), zap.String("source", res.Source))
	logger.Info("build requested", zap.Strings("command", req.Command), zap.Duration("timeout", timeout))

	// Installing takes the exclusive lock, so it must happen before the
	// shared lock is held for the rest of the build.
	if err := s.toolchains.Install(ctx, req.Toolchain); err != nil {
		return res, err
	}

	err = s.ws.WithShared(ctx, func(ctx context.Context) error {
		tc, err := s.toolchains.Resolve(req.Toolchain)
		if err != nil {
			return err
		}
		return s.ws.WithBuildDir(ctx, func(ctx context.Context, dir *workspace.BuildDir) error {
			if req.Persist {
				res.BuildDir = dir.Persist()
			}
			if err := s.fetcher.Fetch(ctx, req.Source, dir); err != nil {
				return err
			}
			if commit, ok := s.fetcher.GitCommit(req.Source); ok {
				res.Commit = commit
			}

			outcome, err := s.runner.Run(ctx, sandbox.Request{
				Toolchain: tc,
				BuildDir:  dir,
				Config:    cfg,
				Command:   req.Command,
				Timeout:   timeout,
				Sink:      req.Sink,
			})
			res.Outcome = outcome
			return err
		})
	})
	if err != nil {
		logger.Warn("build failed", zap.Error(err))
		return res, err
	}
	logger.Info("build finished", zap.Stringer("outcome", res.Outcome), zap.String("commit", res.Commit))
	return res, nil
}
