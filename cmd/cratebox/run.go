package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/build"
	"github.com/isdmx/cratebox/crates"
	"github.com/isdmx/cratebox/sandbox"
	"github.com/isdmx/cratebox/toolchain"
)

var (
	runToolchain string
	runTimeout   time.Duration
	runMemory    string
	runCPUs      float64
	runDiskQuota string
	runNetwork   bool
	runPersist   bool
	runEnv       []string
	runMounts    []string
)

var runCmd = &cobra.Command{
	Use:   "run <source> [-- command...]",
	Short: "Build a crate once and stream its output",
	Long: `Fetch a crate into a fresh build directory and run a command on it in the
sandbox. The command defaults to "cargo build". Output is streamed as it is
produced; the exit code of the command becomes the exit code of cratebox.

Sources:
  registry:<name>@<version>   e.g. registry:serde@1.0.200
  git:<url>[#<rev>]           e.g. git:https://github.com/serde-rs/json#v1.0.117
  local:<path>                e.g. local:./my-crate

Examples:
  cratebox run registry:serde@1.0.200
  cratebox run git:https://github.com/serde-rs/json -- cargo test --lib
  cratebox run local:. --toolchain nightly --network --memory 4GiB -- cargo check`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runToolchain, "toolchain", "t", "", "toolchain (default from configuration)")
	f.DurationVar(&runTimeout, "timeout", 0, "build timeout (default from configuration)")
	f.StringVar(&runMemory, "memory", "", "memory limit, e.g. 2GiB")
	f.Float64Var(&runCPUs, "cpus", 0, "CPU limit in cores")
	f.StringVar(&runDiskQuota, "disk-quota", "", "build directory quota, e.g. 10GiB")
	f.BoolVar(&runNetwork, "network", false, "allow network access during the build")
	f.BoolVar(&runPersist, "persist", false, "keep the build directory")
	f.StringArrayVarP(&runEnv, "env", "e", nil, "extra environment variable KEY=VALUE (repeatable)")
	f.StringArrayVar(&runMounts, "mount", nil, "extra mount host:target[:ro] (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	src, err := crates.ParseSource(args[0])
	if err != nil {
		return err
	}
	command := args[1:]
	if len(command) == 0 {
		command = []string{"cargo", "build"}
	}
	overrides, err := runSandboxOptions(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withEngine(func(e engine) error {
		name := runToolchain
		if name == "" {
			name = e.cfg.Toolchain.Default
		}
		spec, err := toolchain.ParseSpec(name)
		if err != nil {
			return err
		}

		res, err := e.builds.Build(ctx, build.Request{
			Toolchain: spec,
			Source:    src,
			Command:   command,
			Sandbox:   overrides,
			Timeout:   runTimeout,
			Sink:      terminalSink(),
			Persist:   runPersist,
		})
		if err != nil {
			return err
		}
		e.log.Debug("build result", zap.Any("result", res))
		if res.BuildDir != "" {
			fmt.Fprintf(os.Stderr, "build directory kept at %s\n", res.BuildDir)
		}
		return outcomeError(res.Outcome)
	})
}

// runSandboxOptions turns the flags that were set into sandbox overrides.
func runSandboxOptions(cmd *cobra.Command) ([]sandbox.Option, error) {
	var opts []sandbox.Option
	flags := cmd.Flags()
	if flags.Changed("memory") {
		n, err := parseSize(runMemory)
		if err != nil {
			return nil, fmt.Errorf("invalid --memory: %w", err)
		}
		opts = append(opts, sandbox.WithMemoryLimit(n))
	}
	if flags.Changed("cpus") {
		opts = append(opts, sandbox.WithCPULimit(runCPUs))
	}
	if flags.Changed("disk-quota") {
		n, err := parseSize(runDiskQuota)
		if err != nil {
			return nil, fmt.Errorf("invalid --disk-quota: %w", err)
		}
		opts = append(opts, sandbox.WithDiskQuota(n))
	}
	if flags.Changed("network") {
		opts = append(opts, sandbox.WithNetwork(runNetwork))
	}
	for _, kv := range runEnv {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, must be KEY=VALUE", kv)
		}
		opts = append(opts, sandbox.WithEnv(k, v))
	}
	for _, m := range runMounts {
		opt, err := parseMount(m)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

// parseMount parses host:target[:ro] or host:target:rw.
func parseMount(s string) (sandbox.Option, error) {
	parts := strings.Split(s, ":")
	readOnly := false
	if n := len(parts); n == 3 {
		switch parts[2] {
		case "ro":
			readOnly = true
		case "rw":
		default:
			return nil, fmt.Errorf("invalid --mount %q, mode must be ro or rw", s)
		}
		parts = parts[:2]
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid --mount %q, must be host:target[:ro]", s)
	}
	return sandbox.WithMount(parts[0], parts[1], readOnly), nil
}

func parseSize(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// terminalSink writes build output to our own stdout and stderr.
func terminalSink() sandbox.LogSink {
	return sandbox.SinkFunc(func(l sandbox.LogLine) {
		out := os.Stdout
		if l.Stream == sandbox.Stderr {
			out = os.Stderr
		}
		fmt.Fprintln(out, l.Text)
	})
}

// outcomeError maps a build outcome to the exit status of cratebox: the
// command's own exit code, 124 for a timeout like timeout(1), 137 for a kill.
func outcomeError(o sandbox.Outcome) error {
	switch o.State {
	case sandbox.StateCompleted:
		if o.ExitCode == 0 {
			return nil
		}
		return &exitError{code: o.ExitCode, msg: "build " + o.String()}
	case sandbox.StateTimedOut:
		return &exitError{code: 124, msg: "build " + o.Message}
	case sandbox.StateKilled:
		msg := "build " + o.String()
		if o.Message != "" {
			msg += ": " + o.Message
		}
		return &exitError{code: 137, msg: msg}
	default:
		return &exitError{code: 1, msg: "build " + o.String()}
	}
}
