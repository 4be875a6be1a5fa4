package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/cmdexec"
	"github.com/isdmx/cratebox/errdefs"
)

// Bootstrap defaults
const (
	DefaultRustupDistURL   = "https://static.rust-lang.org/rustup/dist"
	DefaultDownloadRetries = 3
	DefaultDownloadBackoff = 500 * time.Millisecond
)

// hostTriples maps GOOS/GOARCH to the target triple rustup-init is published for.
var hostTriples = map[string]string{
	"linux/amd64":   "x86_64-unknown-linux-gnu",
	"linux/arm64":   "aarch64-unknown-linux-gnu",
	"linux/386":     "i686-unknown-linux-gnu",
	"darwin/amd64":  "x86_64-apple-darwin",
	"darwin/arm64":  "aarch64-apple-darwin",
	"windows/amd64": "x86_64-pc-windows-msvc",
	"windows/arm64": "aarch64-pc-windows-msvc",
	"windows/386":   "i686-pc-windows-msvc",
	"freebsd/amd64": "x86_64-unknown-freebsd",
}

func hostTriple() (string, error) {
	triple, ok := hostTriples[runtime.GOOS+"/"+runtime.GOARCH]
	if !ok {
		return "", errdefs.Newf(errdefs.KindToolchainUnavailable, "toolchain.rustup.bootstrap",
			"rustup-init is not published for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	return triple, nil
}

// bootstrap installs a private rustup into dir with rustup-init, without any
// toolchain. The binary ends up where Install expects it.
func (r *RustupInstaller) bootstrap(ctx context.Context, dir string) error {
	triple, err := hostTriple()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/%s", r.distURL, triple, exeName("rustup-init"))
	initPath := filepath.Join(dir, exeName(".rustup-init"))
	defer os.Remove(initPath)

	r.logger.Info("bootstrapping rustup", zap.String("url", url), zap.String("dir", dir))
	err = r.withRetry(ctx, url, func() error {
		return r.download(ctx, url, initPath)
	})
	if err != nil {
		return err
	}

	_, err = cmdexec.Run(ctx, r.commandRunner, cmdexec.Command{
		Args: []string{initPath, "-y", "--no-modify-path", "--default-toolchain", "none", "--profile", r.profile},
		Env:  r.homeVars(dir),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errdefs.Wrapf(err, errdefs.KindIO, "toolchain.rustup.bootstrap", "unable to install rustup")
	}

	rustup := filepath.Join(dir, cargoHomeDir, "bin", exeName("rustup"))
	if _, err := os.Stat(rustup); err != nil {
		return errdefs.Wrapf(err, errdefs.KindIO, "toolchain.rustup.bootstrap", "rustup-init did not install rustup")
	}
	return nil
}

func (r *RustupInstaller) download(ctx context.Context, url, dest string) error {
	const op = "toolchain.rustup.bootstrap"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindConfig, op)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return transportError(err, op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return errdefs.Newf(errdefs.KindNotFound, op, "%s not found", url)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errdefs.Newf(errdefs.KindNetwork, op, "download server returned %s", resp.Status).WithDetail("url", url)
	default:
		return errdefs.Newf(errdefs.KindIO, op, "download server returned %s", resp.Status).WithDetail("url", url)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, op)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return transportError(err, op)
	}
	if err := out.Close(); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, op)
	}
	return nil
}

// withRetry retries fn with exponential backoff while it fails with a
// network error.
func (r *RustupInstaller) withRetry(ctx context.Context, url string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errdefs.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, next time.Duration) {
		r.logger.Warn("rustup-init download failed, retrying",
			zap.String("url", url),
			zap.Duration("backoff", next),
			zap.Error(err))
	})
}

func transportError(err error, op string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errdefs.Wrapf(err, errdefs.KindNetwork, op, "download timed out")
	}
	return errdefs.Wrap(err, errdefs.KindNetwork, op)
}
