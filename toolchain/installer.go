package toolchain

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/cratebox/cmdexec"
	"github.com/isdmx/cratebox/errdefs"
)

// Environment is what a build needs to find a toolchain: directories prepended
// to PATH and extra variables.
type Environment struct {
	PathEntries []string
	Vars        map[string]string
}

// Installer installs and removes toolchains for the Manager.
type Installer interface {
	// Install materializes spec into dir, which exists and is empty.
	Install(ctx context.Context, spec Spec, dir string) error
	// Uninstall releases anything Install created outside dir. The Manager
	// removes dir itself.
	Uninstall(ctx context.Context, spec Spec, dir string) error
	// Environment describes a toolchain installed at dir. dir may be a path
	// inside a container, so implementations must not touch the filesystem.
	Environment(spec Spec, dir string) Environment
}

// Updater is implemented by installers that can bring an installed toolchain
// up to date in place.
type Updater interface {
	Update(ctx context.Context, spec Spec, dir string) error
}

// Default rustup settings
const (
	DefaultRustupBinary  = "rustup"
	DefaultRustupProfile = "minimal"
)

// Directories of a rustup-managed toolchain.
const (
	rustupHomeDir = "rustup"
	cargoHomeDir  = "cargo"
)

// Binaries rustup dispatches on argv[0].
var rustupProxies = []string{"cargo", "rustc", "rustdoc", "cargo-clippy", "clippy-driver", "rustfmt", "cargo-fmt"}

// Messages rustup prints when the requested toolchain does not exist.
var unavailableMarkers = []string{
	"not installable",
	"invalid toolchain name",
	"no release found",
	"nonexistent rust version",
	"is not a valid",
}

// Messages rustup prints when the download failed in transit.
var networkMarkers = []string{
	"could not download file",
	"error sending request",
	"timed out",
	"connection reset",
	"failed to lookup address",
}

// RustupInstaller installs dist toolchains with a private copy of rustup.
//
// Each toolchain directory gets its own RUSTUP_HOME and a cargo/bin holding
// rustup plus its proxies (cargo, rustc, ...), so the directory is
// self-contained and can be mounted into a container as is. The rustup copy
// comes from the host when the binary is on PATH; otherwise rustup-init is
// downloaded and run, unless bootstrapping is disabled.
type RustupInstaller struct {
	logger        *zap.Logger
	commandRunner cmdexec.CommandRunner
	binary        string
	profile       string

	bootstrapEnabled bool
	httpClient       *http.Client
	distURL          string
	maxRetries       uint64
	retryInterval    time.Duration
}

// RustupOption configures a RustupInstaller
type RustupOption func(*RustupInstaller)

// WithCommandRunner sets a custom command runner (for tests)
func WithCommandRunner(runner cmdexec.CommandRunner) RustupOption {
	return func(r *RustupInstaller) {
		r.commandRunner = runner
	}
}

// WithRustupBinary sets the rustup binary copied into every toolchain
func WithRustupBinary(binary string) RustupOption {
	return func(r *RustupInstaller) {
		if binary != "" {
			r.binary = binary
		}
	}
}

// WithProfile sets the rustup profile (minimal, default, complete)
func WithProfile(profile string) RustupOption {
	return func(r *RustupInstaller) {
		if profile != "" {
			r.profile = profile
		}
	}
}

// WithBootstrap enables or disables downloading rustup-init when the rustup
// binary is not found
func WithBootstrap(enabled bool) RustupOption {
	return func(r *RustupInstaller) {
		r.bootstrapEnabled = enabled
	}
}

// WithHTTPClient sets the client rustup-init is downloaded with
func WithHTTPClient(client *http.Client) RustupOption {
	return func(r *RustupInstaller) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithRustupDistURL sets the base URL of the rustup-init downloads
func WithRustupDistURL(url string) RustupOption {
	return func(r *RustupInstaller) {
		if url != "" {
			r.distURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithDownloadRetry sets how often a failed rustup-init download is retried
// and the first backoff interval
func WithDownloadRetry(maxRetries uint64, initialInterval time.Duration) RustupOption {
	return func(r *RustupInstaller) {
		r.maxRetries = maxRetries
		if initialInterval > 0 {
			r.retryInterval = initialInterval
		}
	}
}

// NewRustupInstaller creates a new RustupInstaller
func NewRustupInstaller(logger *zap.Logger, opts ...RustupOption) *RustupInstaller {
	r := &RustupInstaller{
		logger:           logger,
		commandRunner:    cmdexec.RealCommandRunner{},
		binary:           DefaultRustupBinary,
		profile:          DefaultRustupProfile,
		bootstrapEnabled: true,
		httpClient:       &http.Client{Timeout: 5 * time.Minute},
		distURL:          DefaultRustupDistURL,
		maxRetries:       DefaultDownloadRetries,
		retryInterval:    DefaultDownloadBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install copies rustup into dir, installs the toolchain and creates the proxies.
func (r *RustupInstaller) Install(ctx context.Context, spec Spec, dir string) error {
	if spec.Kind != KindDist {
		return errdefs.Newf(errdefs.KindConfig, "toolchain.rustup.install", "rustup cannot install %s toolchains", spec.Kind)
	}

	binDir := filepath.Join(dir, cargoHomeDir, "bin")
	for _, d := range []string{filepath.Join(dir, rustupHomeDir), binDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "toolchain.rustup.install")
		}
	}

	rustup := filepath.Join(binDir, exeName("rustup"))
	src, err := exec.LookPath(r.binary)
	switch {
	case err == nil:
		if err := copyExecutable(src, rustup); err != nil {
			return errdefs.Wrapf(err, errdefs.KindIO, "toolchain.rustup.install", "copy rustup")
		}
	case r.bootstrapEnabled:
		if err := r.bootstrap(ctx, dir); err != nil {
			return err
		}
	default:
		return errdefs.Wrapf(err, errdefs.KindNotFound, "toolchain.rustup.install", "rustup binary %q not found", r.binary)
	}

	r.logger.Info("installing toolchain",
		zap.String("toolchain", spec.Name),
		zap.String("profile", r.profile),
		zap.String("dir", dir))

	_, err = cmdexec.Run(ctx, r.commandRunner, cmdexec.Command{
		Args: []string{rustup, "toolchain", "install", spec.Name, "--profile", r.profile, "--no-self-update"},
		Env:  r.homeVars(dir),
	})
	if err != nil {
		return classifyRustupError(err, "toolchain.rustup.install", spec)
	}

	for _, proxy := range rustupProxies {
		if err := linkOrCopy(rustup, filepath.Join(binDir, exeName(proxy))); err != nil {
			return errdefs.Wrapf(err, errdefs.KindIO, "toolchain.rustup.install", "create %s proxy", proxy)
		}
	}
	return nil
}

// Uninstall asks rustup to drop the toolchain. Failures are logged only: the
// Manager deletes the whole directory afterwards.
func (r *RustupInstaller) Uninstall(ctx context.Context, spec Spec, dir string) error {
	rustup := filepath.Join(dir, cargoHomeDir, "bin", exeName("rustup"))
	if _, err := os.Stat(rustup); err != nil {
		return nil
	}
	_, err := cmdexec.Run(ctx, r.commandRunner, cmdexec.Command{
		Args: []string{rustup, "toolchain", "uninstall", spec.Name},
		Env:  r.homeVars(dir),
	})
	if err != nil {
		r.logger.Warn("rustup uninstall failed", zap.String("toolchain", spec.Name), zap.Error(err))
	}
	return nil
}

// Update updates the private rustup of dir, then the toolchain itself.
func (r *RustupInstaller) Update(ctx context.Context, spec Spec, dir string) error {
	if spec.Kind != KindDist {
		return errdefs.Newf(errdefs.KindConfig, "toolchain.rustup.update", "rustup cannot update %s toolchains", spec.Kind)
	}
	rustup := filepath.Join(dir, cargoHomeDir, "bin", exeName("rustup"))
	if _, err := os.Stat(rustup); err != nil {
		return errdefs.Wrapf(err, errdefs.KindNotFound, "toolchain.rustup.update", "toolchain %s has no rustup", spec)
	}

	r.logger.Info("updating toolchain", zap.String("toolchain", spec.Name), zap.String("dir", dir))
	if _, err := cmdexec.Run(ctx, r.commandRunner, cmdexec.Command{
		Args: []string{rustup, "self", "update"},
		Env:  r.homeVars(dir),
	}); err != nil {
		return classifyRustupError(err, "toolchain.rustup.update", spec)
	}
	if _, err := cmdexec.Run(ctx, r.commandRunner, cmdexec.Command{
		Args: []string{rustup, "update", spec.Name, "--no-self-update"},
		Env:  r.homeVars(dir),
	}); err != nil {
		return classifyRustupError(err, "toolchain.rustup.update", spec)
	}
	return nil
}

// Environment puts the proxies on PATH and pins the toolchain. CARGO_HOME is
// left to the build since the toolchain directory may be read-only.
func (r *RustupInstaller) Environment(spec Spec, dir string) Environment {
	if spec.Kind == KindLocal {
		return Environment{PathEntries: []string{joinPath(dir, "bin")}}
	}
	return Environment{
		PathEntries: []string{joinPath(dir, cargoHomeDir, "bin")},
		Vars: map[string]string{
			"RUSTUP_HOME":      joinPath(dir, rustupHomeDir),
			"RUSTUP_TOOLCHAIN": spec.Name,
		},
	}
}

func (r *RustupInstaller) homeVars(dir string) map[string]string {
	return map[string]string{
		"RUSTUP_HOME": filepath.Join(dir, rustupHomeDir),
		"CARGO_HOME":  filepath.Join(dir, cargoHomeDir),
	}
}

func classifyRustupError(err error, op string, spec Spec) error {
	var exitErr *cmdexec.ExitError
	if !errors.As(err, &exitErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindIO, op)
	}
	stderr := strings.ToLower(exitErr.Stderr)
	for _, marker := range unavailableMarkers {
		if strings.Contains(stderr, marker) {
			return errdefs.Wrapf(err, errdefs.KindToolchainUnavailable, op, "toolchain %s is not available", spec.Name).
				WithDetail("toolchain", spec.Name)
		}
	}
	for _, marker := range networkMarkers {
		if strings.Contains(stderr, marker) {
			return errdefs.Wrapf(err, errdefs.KindNetwork, op, "download of toolchain %s failed", spec.Name)
		}
	}
	return errdefs.Wrapf(err, errdefs.KindIO, op, "rustup failed for toolchain %s", spec.Name)
}

// joinPath joins with forward slashes for container paths and with the host
// separator otherwise. Container paths always start with '/'.
func joinPath(dir string, elem ...string) string {
	if strings.HasPrefix(dir, "/") {
		return strings.Join(append([]string{strings.TrimSuffix(dir, "/")}, elem...), "/")
	}
	return filepath.Join(append([]string{dir}, elem...)...)
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyExecutable(src, dst)
}
