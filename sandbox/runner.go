package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/metrics"
	"github.com/isdmx/cratebox/toolchain"
	"github.com/isdmx/cratebox/workspace"
)

// Runner defaults
const (
	DefaultDiskSampleInterval = 250 * time.Millisecond
	OutputLogName             = "output.log"

	drainGrace     = 5 * time.Second
	cleanupTimeout = 30 * time.Second
	readBufferSize = 64 * 1024

	// maxMeasureFailures consecutive failed samples count as a quota violation.
	maxMeasureFailures = 3
)

// Request describes one build process.
type Request struct {
	Toolchain toolchain.Toolchain
	BuildDir  *workspace.BuildDir
	Config    Config
	Command   []string
	Timeout   time.Duration // Zero means no timeout
	Sink      LogSink       // May be nil; output always goes to the build's logs directory
}

// Runner spawns build processes through a Backend and supervises them until
// they reach a terminal state.
type Runner struct {
	backend        Backend
	logger         *zap.Logger
	metrics        *metrics.Metrics
	sampleInterval time.Duration
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithBackend sets the backend processes are spawned through
func WithBackend(b Backend) RunnerOption {
	return func(r *Runner) {
		r.backend = b
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMetrics records build counts and durations
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithDiskSampleInterval sets how often the build directory size is checked
// against the disk quota. A writer can overshoot the quota by whatever it
// writes within one interval.
func WithDiskSampleInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.sampleInterval = d
		}
	}
}

// NewRunner creates a Runner. Without WithBackend processes run on the host.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:         zap.NewNop(),
		sampleInterval: DefaultDiskSampleInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.backend == nil {
		r.backend = NewHostBackend(r.logger)
	}
	return r
}

// Backend returns the backend in use.
func (r *Runner) Backend() Backend { return r.backend }

// Process is a started build process.
type Process struct {
	pid  int
	done chan struct{}

	mu      sync.Mutex
	state   State
	outcome Outcome
	err     error
}

// Pid returns the process id of the spawned process (the container client
// for container backends).
func (p *Process) Pid() int { return p.pid }

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the process reached a terminal state and everything
// it left behind was cleaned up.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process reached a terminal state. The error is only
// set for the Failed state.
func (p *Process) Wait() (Outcome, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.err
}

// Run starts the process and waits for it.
func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	p, err := r.Start(ctx, req)
	if err != nil {
		return Outcome{State: StateFailed, ExitCode: -1, Message: err.Error()}, err
	}
	return p.Wait()
}

// Start spawns the process and returns once it is running. Output is
// streamed to req.Sink while the process runs. Cancelling ctx kills the
// process tree; the Process then ends as Killed{cancelled}.
func (r *Runner) Start(ctx context.Context, req Request) (*Process, error) {
	if len(req.Command) == 0 {
		return nil, errdefs.New(errdefs.KindConfig, "sandbox.run", "empty command")
	}
	if req.BuildDir == nil {
		return nil, errdefs.New(errdefs.KindConfig, "sandbox.run", "build directory is required")
	}

	finish := r.metrics.BuildStarted()
	inv, err := r.backend.Prepare(ctx, Launch{
		Command:   req.Command,
		Toolchain: req.Toolchain,
		BuildDir:  req.BuildDir,
		Config:    req.Config,
	})
	if err != nil {
		finish(string(StateFailed))
		return nil, err
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		r.cleanup(ctx, inv)
		finish(string(StateFailed))
		return nil, errdefs.Wrap(err, errdefs.KindIO, "sandbox.run")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		r.cleanup(ctx, inv)
		finish(string(StateFailed))
		return nil, errdefs.Wrap(err, errdefs.KindIO, "sandbox.run")
	}
	inv.Cmd.Stdout = stdoutW
	inv.Cmd.Stderr = stderrW

	start := time.Now()
	if err := inv.Cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		r.cleanup(ctx, inv)
		finish(string(StateFailed))
		return nil, startError(inv, err)
	}
	// The child holds its own copies; ours would keep the readers from seeing EOF.
	closeAll(stdoutW, stderrW)

	pid := inv.Cmd.Process.Pid
	if inv.OnStart != nil {
		if err := inv.OnStart(pid); err != nil {
			r.kill(inv)
			_ = inv.Cmd.Wait()
			closeAll(stdoutR, stderrR)
			r.cleanup(ctx, inv)
			finish(string(StateFailed))
			return nil, errdefs.Wrapf(err, errdefs.KindIO, "sandbox.run", "set up process %d", pid)
		}
	}

	r.logger.Info("build process started",
		zap.String("backend", r.backend.Name()),
		zap.Int("pid", pid),
		zap.Strings("command", req.Command),
		zap.Duration("timeout", req.Timeout))

	out := &lineSink{sink: req.Sink}
	logFile, err := os.OpenFile(filepath.Join(req.BuildDir.LogsDir(), OutputLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.logger.Warn("cannot write build log", zap.Error(err))
	} else {
		out.file = logFile
	}

	var drains errgroup.Group
	drains.Go(func() error { return drain(stdoutR, Stdout, out) })
	drains.Go(func() error { return drain(stderrR, Stderr, out) })

	p := &Process{pid: pid, state: StateRunning, done: make(chan struct{})}
	go func() {
		outcome, err := r.supervise(ctx, inv, req, &drains, start, stdoutR, stderrR)
		if logFile != nil {
			_ = logFile.Close()
		}
		finish(string(outcome.State))

		p.mu.Lock()
		p.state = outcome.State
		p.outcome = outcome
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type stopCause int

const (
	stopNone stopCause = iota
	stopTimeout
	stopCancel
	stopQuota
)

// supervise races process exit against the timeout, cancellation and the
// disk quota sampler, then kills whatever is left of the process tree,
// waits for the output to drain and releases the backend resources.
func (r *Runner) supervise(ctx context.Context, inv *Invocation, req Request, drains *errgroup.Group,
	start time.Time, readers ...*os.File,
) (Outcome, error) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- inv.Cmd.Wait() }()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	quota := req.Config.DiskQuota()
	var tick <-chan time.Time
	if quota > 0 {
		ticker := time.NewTicker(r.sampleInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	cancelled := ctx.Done()

	var (
		cause    stopCause
		message  string
		waitErr  error
		failures int
	)
	stop := func(c stopCause) {
		cause = c
		timeout, tick, cancelled = nil, nil, nil
		r.kill(inv)
	}

wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-timeout:
			message = fmt.Sprintf("timed out after %s", req.Timeout)
			stop(stopTimeout)
		case <-cancelled:
			message = "cancelled"
			stop(stopCancel)
		case <-tick:
			size, err := req.BuildDir.Size()
			if err != nil {
				failures++
				r.logger.Warn("failed to measure build directory", zap.Int("failures", failures), zap.Error(err))
				if failures >= maxMeasureFailures {
					message = fmt.Sprintf("build directory could not be measured against the %s quota: %v",
						humanize.IBytes(uint64(quota)), err)
					stop(stopQuota)
				}
				continue
			}
			failures = 0
			if size > quota {
				message = fmt.Sprintf("build directory grew to %s, quota is %s",
					humanize.IBytes(uint64(size)), humanize.IBytes(uint64(quota)))
				stop(stopQuota)
			}
		}
	}

	// Reap anything the process left running in its group.
	r.kill(inv)

	drained := make(chan error, 1)
	go func() { drained <- drains.Wait() }()
	select {
	case err := <-drained:
		if err != nil {
			r.logger.Warn("reading build output failed", zap.Error(err))
		}
	case <-time.After(drainGrace):
		r.logger.Warn("build output still open after exit, closing it")
		closeAll(readers...)
		<-drained
	}
	closeAll(readers...)

	oom := cause == stopNone && inv.OOMKilled != nil && inv.OOMKilled()
	r.cleanup(ctx, inv)

	outcome := Outcome{Duration: time.Since(start), Message: message, ExitCode: -1}
	state := inv.Cmd.ProcessState
	if state != nil {
		outcome.ExitCode = state.ExitCode()
	}
	var err error
	switch {
	case cause == stopTimeout:
		outcome.State = StateTimedOut
	case cause == stopCancel:
		outcome.State = StateKilled
		outcome.Reason = ReasonCancelled
	case cause == stopQuota:
		outcome.State = StateKilled
		outcome.Reason = ReasonDiskQuotaExceeded
	case oom:
		outcome.State = StateKilled
		outcome.Reason = ReasonMemoryLimitExceeded
		outcome.Message = fmt.Sprintf("memory limit of %s exceeded", humanize.IBytes(uint64(req.Config.MemoryLimit())))
	case state == nil:
		outcome.State = StateFailed
		err = errdefs.Wrap(waitErr, errdefs.KindIO, "sandbox.run")
		outcome.Message = err.Error()
	default:
		if sig, ok := signalOf(state); ok {
			outcome.State = StateKilled
			outcome.Reason = ReasonSignal
			outcome.Signal = sig
		} else {
			outcome.State = StateCompleted
		}
	}

	r.logger.Info("build process finished",
		zap.String("outcome", outcome.String()),
		zap.Duration("took", outcome.Duration))
	return outcome, err
}

func (r *Runner) kill(inv *Invocation) {
	if inv.Kill == nil {
		return
	}
	if err := inv.Kill(); err != nil {
		r.logger.Warn("failed to kill build process tree", zap.Error(err))
	}
}

// cleanup runs the backend cleanup even when ctx is already cancelled.
func (r *Runner) cleanup(ctx context.Context, inv *Invocation) {
	if inv.Cleanup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := inv.Cleanup(ctx); err != nil {
		r.logger.Warn("sandbox cleanup failed", zap.Error(err))
	}
}

func startError(inv *Invocation, err error) error {
	if inv.StartError != nil {
		if classified := inv.StartError(err); classified != nil {
			return classified
		}
	}
	return errdefs.Wrapf(err, errdefs.KindIO, "sandbox.start", "start %s", inv.Cmd.Path)
}

// lineSink serializes lines from both streams into the caller's sink and the
// build log file.
type lineSink struct {
	mu   sync.Mutex
	sink LogSink
	file io.Writer
}

func (s *lineSink) emit(l LogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		s.sink.Line(l)
	}
	if s.file != nil {
		fmt.Fprintf(s.file, "%s %s %s\n", l.Time.Format(time.RFC3339Nano), l.Stream, l.Text)
	}
}

// drain turns a stream into lines. Lines longer than the read buffer are
// split. It returns nil at EOF or when the reader was closed under it.
func drain(r io.Reader, stream Stream, out *lineSink) error {
	br := bufio.NewReaderSize(r, readBufferSize)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			text := strings.TrimSuffix(strings.TrimSuffix(string(chunk), "\n"), "\r")
			out.emit(LogLine{Stream: stream, Time: time.Now(), Text: text})
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
