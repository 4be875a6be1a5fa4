package crates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/metrics"
	"github.com/isdmx/cratebox/workspace"
)

// Default retry policy for network fetches
const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 500 * time.Millisecond
)

// Fetcher materializes crate sources into build directories, caching
// registry and git sources in the workspace.
//
// Fetch expects the caller to hold the shared workspace lock (build.Service
// does). Cache entries are written once: to a staging path first, then
// linked or renamed into place, so concurrent fetchers in any number of
// processes never observe a partial entry.
type Fetcher struct {
	ws       *workspace.Workspace
	cache    cacheLayout
	registry RegistryClient
	git      GitClient
	fs       FileSystem
	logger   *zap.Logger
	metrics  *metrics.Metrics

	localExcludes   []string
	hardLinks       bool
	maxRetries      uint64
	initialInterval time.Duration

	group singleflight.Group
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithRegistryClient sets the registry client
func WithRegistryClient(client RegistryClient) FetcherOption {
	return func(f *Fetcher) {
		f.registry = client
	}
}

// WithGitClient sets the git client
func WithGitClient(client GitClient) FetcherOption {
	return func(f *Fetcher) {
		f.git = client
	}
}

// WithFileSystem sets a custom file system (for tests)
func WithFileSystem(fsys FileSystem) FetcherOption {
	return func(f *Fetcher) {
		f.fs = fsys
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMetrics records fetch counts and durations
func WithMetrics(m *metrics.Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithLocalExcludes replaces the patterns skipped when copying local sources
func WithLocalExcludes(patterns []string) FetcherOption {
	return func(f *Fetcher) {
		f.localExcludes = append([]string(nil), patterns...)
	}
}

// WithHardLinks hard-links read-only local source files instead of copying
// them when the filesystem allows it. Those files share inodes with the
// source tree, so a build that chmods and rewrites one changes the original.
func WithHardLinks(enabled bool) FetcherOption {
	return func(f *Fetcher) {
		f.hardLinks = enabled
	}
}

// WithRetry sets how often and how fast network failures are retried
func WithRetry(maxRetries uint64, initialInterval time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.maxRetries = maxRetries
		if initialInterval > 0 {
			f.initialInterval = initialInterval
		}
	}
}

// NewFetcher creates a fetcher using ws's cache directory.
func NewFetcher(ws *workspace.Workspace, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		ws:              ws,
		cache:           cacheLayout{root: ws.CacheDir()},
		fs:              RealFileSystem{},
		logger:          zap.NewNop(),
		localExcludes:   DefaultLocalExcludes,
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.registry == nil {
		f.registry = NewHTTPRegistryClient(f.logger)
	}
	if f.git == nil {
		f.git = NewGitCLI(f.logger)
	}
	return f
}

// Fetch makes the source tree of src available in dest's source directory.
// Anything already in that directory is removed first. On failure the
// directory is left empty.
func (f *Fetcher) Fetch(ctx context.Context, src Source, dest *workspace.BuildDir) error {
	if err := src.Validate(); err != nil {
		return err
	}
	dir := dest.SourceDir()
	if err := clearDir(f.fs, dir); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}

	start := time.Now()
	hit, err := f.fetch(ctx, src, dir)
	f.observe(src, hit, err, time.Since(start))
	if err != nil {
		if cleanErr := clearDir(f.fs, dir); cleanErr != nil {
			f.logger.Warn("failed to clean source directory", zap.String("dir", dir), zap.Error(cleanErr))
		}
		return err
	}
	f.logger.Info("crate source ready",
		zap.String("source", src.String()),
		zap.Bool("cached", hit),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, src Source, dir string) (bool, error) {
	switch src.Kind {
	case KindRegistry:
		archive, hit, err := f.ensureRegistry(ctx, src)
		if err != nil {
			return hit, err
		}
		return hit, f.unpackRegistry(src, archive, dir)
	case KindGit:
		cached, hit, err := f.ensureGit(ctx, src)
		if err != nil {
			return hit, err
		}
		f.logger.Debug("copying git checkout", zap.String("source", src.String()), zap.String("dest", dir))
		return hit, copyTree(f.fs, filepath.Join(cached, gitSourceDir), dir, copyOptions{})
	case KindLocal:
		f.logger.Info("copying local crate", zap.String("path", src.Path), zap.String("dest", dir))
		return false, copyTree(f.fs, src.Path, dir, copyOptions{excludes: f.localExcludes, hardLinks: f.hardLinks})
	default:
		return false, errdefs.Newf(errdefs.KindConfig, "crates.fetch", "unknown source kind %q", src.Kind)
	}
}

// Prefetch fills the cache for src without a build directory. Local sources
// are only checked for existence.
func (f *Fetcher) Prefetch(ctx context.Context, src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	return f.ws.WithShared(ctx, func(ctx context.Context) error {
		start := time.Now()
		var (
			hit bool
			err error
		)
		switch src.Kind {
		case KindRegistry:
			_, hit, err = f.ensureRegistry(ctx, src)
		case KindGit:
			_, hit, err = f.ensureGit(ctx, src)
		case KindLocal:
			if info, statErr := os.Stat(src.Path); statErr != nil || !info.IsDir() {
				err = errdefs.Newf(errdefs.KindNotFound, "crates.prefetch", "source directory %s does not exist", src.Path)
			}
		}
		f.observe(src, hit, err, time.Since(start))
		return err
	})
}

// PurgeFromCache removes the cached copy of src. Git sources lose every
// cached commit of their repository. Nothing happens for uncached sources.
func (f *Fetcher) PurgeFromCache(ctx context.Context, src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	var dir string
	switch src.Kind {
	case KindRegistry:
		dir = f.cache.registryDir(src)
	case KindGit:
		dir = f.cache.gitRepoDir(src.URL)
	case KindLocal:
		return nil
	}
	return f.ws.WithExclusive(ctx, func(context.Context) error {
		f.logger.Info("purging cached source", zap.String("source", src.String()))
		if err := f.fs.RemoveAll(dir); err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "crates.purge")
		}
		return nil
	})
}

// GitCommit returns the commit a git source resolved to on its last fetch.
// It never touches the network; ok is false when the commit is unknown or
// src is not a git source.
func (f *Fetcher) GitCommit(src Source) (commit string, ok bool) {
	if src.Kind != KindGit {
		return "", false
	}
	if fullCommitPattern.MatchString(src.Rev) {
		return src.Rev, true
	}
	var ref refEntry
	if err := readYAML(f.cache.gitRefFile(src.URL, src.Rev), &ref); err != nil || ref.Commit == "" {
		return "", false
	}
	return ref.Commit, true
}

// ensureRegistry returns the path of the verified cached archive,
// downloading it at most once per process at a time.
func (f *Fetcher) ensureRegistry(ctx context.Context, src Source) (string, bool, error) {
	archive := f.cache.registryArchive(src)
	if exists(archive) {
		f.logger.Debug("crate is already in cache", zap.String("crate", src.Name), zap.String("version", src.Version))
		return archive, true, nil
	}

	_, err, _ := f.group.Do(src.String(), func() (any, error) {
		if exists(archive) {
			return nil, nil
		}
		f.logger.Info("fetching crate", zap.String("crate", src.Name), zap.String("version", src.Version))
		return nil, f.withRetry(ctx, src, func() error {
			return f.downloadRegistry(ctx, src, archive)
		})
	})
	if err != nil {
		return "", false, err
	}
	return archive, false, nil
}

func (f *Fetcher) downloadRegistry(ctx context.Context, src Source, archive string) error {
	expected, err := f.registry.Checksum(ctx, src.Name, src.Version)
	if err != nil {
		return err
	}
	body, err := f.registry.Download(ctx, src.Name, src.Version)
	if err != nil {
		return err
	}
	defer body.Close()

	dir := filepath.Dir(archive)
	if err := os.MkdirAll(dir, DirPermission); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	reader := &trackingReader{r: body}
	if _, err := io.Copy(tmp, io.TeeReader(reader, hasher)); err != nil {
		_ = tmp.Close()
		if reader.err != nil {
			return classifyTransportError(reader.err, "crates.fetch")
		}
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return errdefs.Newf(errdefs.KindIntegrity, "crates.fetch", "checksum mismatch for %s %s", src.Name, src.Version).
			WithDetail("expected", expected).
			WithDetail("actual", actual)
	}

	entry := cacheEntry{Source: src, Checksum: actual, FetchedAt: time.Now().UTC()}
	if err := writeYAML(filepath.Join(dir, entryFileName), entry); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	if err := publishFile(tmp.Name(), archive); err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	return nil
}

func (f *Fetcher) unpackRegistry(src Source, archive, dir string) error {
	file, err := os.Open(archive)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	defer file.Close()

	f.logger.Debug("extracting crate", zap.String("crate", src.Name), zap.String("version", src.Version), zap.String("dest", dir))
	if err := Unpack(f.fs, file, dir, 1); err != nil {
		return err
	}
	return nil
}

// ensureGit returns the cache directory of the resolved commit of src.
func (f *Fetcher) ensureGit(ctx context.Context, src Source) (string, bool, error) {
	var commit string
	err := f.withRetry(ctx, src, func() error {
		var err error
		commit, err = f.git.ResolveRevision(ctx, src.URL, src.Rev)
		return err
	})
	if err != nil {
		return "", false, err
	}

	if commit != "" {
		dir := f.cache.gitCommitDir(src.URL, commit)
		if exists(filepath.Join(dir, entryFileName)) {
			f.recordRef(src, commit)
			return dir, true, nil
		}
	} else if dir, ok := f.recordedCheckout(src); ok {
		return dir, true, nil
	}

	key := src.URL + "#" + commit
	if commit == "" {
		key = src.String()
	}
	hit := false
	v, err, _ := f.group.Do(key, func() (any, error) {
		if commit != "" {
			if dir := f.cache.gitCommitDir(src.URL, commit); exists(filepath.Join(dir, entryFileName)) {
				return dir, nil
			}
		} else if dir, ok := f.recordedCheckout(src); ok {
			hit = true
			return dir, nil
		}
		return f.cloneGit(ctx, src, commit)
	})
	if err != nil {
		return "", false, err
	}
	dir := v.(string)
	return dir, hit, nil
}

// recordedCheckout finds the cached checkout of a revision that could not be
// resolved remotely (an abbreviated commit) through the commit recorded by an
// earlier fetch.
func (f *Fetcher) recordedCheckout(src Source) (string, bool) {
	var ref refEntry
	if err := readYAML(f.cache.gitRefFile(src.URL, src.Rev), &ref); err != nil || ref.Commit == "" {
		return "", false
	}
	dir := f.cache.gitCommitDir(src.URL, ref.Commit)
	if !exists(filepath.Join(dir, entryFileName)) {
		return "", false
	}
	return dir, true
}

func (f *Fetcher) cloneGit(ctx context.Context, src Source, commit string) (string, error) {
	repoDir := f.cache.gitRepoDir(src.URL)
	if err := os.MkdirAll(repoDir, DirPermission); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	staging := filepath.Join(repoDir, stagingPrefix+uuid.NewString())
	defer os.RemoveAll(staging)

	target := commit
	if target == "" {
		target = src.Rev
	}
	checkout := filepath.Join(staging, gitSourceDir)
	var got string
	err := f.withRetry(ctx, src, func() error {
		if err := os.RemoveAll(staging); err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
		}
		if err := os.MkdirAll(staging, DirPermission); err != nil {
			return errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
		}
		var err error
		got, err = f.git.Checkout(ctx, src.URL, target, checkout)
		return err
	})
	if err != nil {
		return "", err
	}

	if err := os.RemoveAll(filepath.Join(checkout, ".git")); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}
	entry := cacheEntry{Source: src, Commit: got, FetchedAt: time.Now().UTC()}
	if err := writeYAML(filepath.Join(staging, entryFileName), entry); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindIO, "crates.fetch")
	}

	final := f.cache.gitCommitDir(src.URL, got)
	if err := publishDir(staging, final); err != nil {
		return "", errdefs.Wrapf(err, errdefs.KindIO, "crates.fetch", "move checkout of %s into cache", src)
	}
	f.recordRef(src, got)
	return final, nil
}

func (f *Fetcher) recordRef(src Source, commit string) {
	ref := refEntry{URL: src.URL, Rev: src.Rev, Commit: commit, ResolvedAt: time.Now().UTC()}
	if err := writeYAML(f.cache.gitRefFile(src.URL, src.Rev), ref); err != nil {
		f.logger.Warn("failed to record git revision", zap.String("source", src.String()), zap.Error(err))
	}
}

// withRetry retries fn with exponential backoff while it fails with a
// network error. Everything else is returned at once.
func (f *Fetcher) withRetry(ctx context.Context, src Source, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.initialInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, f.maxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errdefs.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, next time.Duration) {
		f.logger.Warn("fetch failed, retrying",
			zap.String("source", src.String()),
			zap.Duration("backoff", next),
			zap.Error(err))
	})
}

func (f *Fetcher) observe(src Source, hit bool, err error, d time.Duration) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	f.metrics.ObserveFetch(string(src.Kind), result, d)
}

// trackingReader remembers the first read error so transport failures can be
// told apart from local write failures after io.Copy.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
