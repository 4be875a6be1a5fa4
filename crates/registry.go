package crates

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/cratebox/errdefs"
)

// Default crates.io endpoints
const (
	DefaultDownloadURL = "https://static.crates.io/crates"
	DefaultIndexURL    = "https://index.crates.io"
)

// RegistryClient fetches published crate archives and their checksums.
type RegistryClient interface {
	// Checksum returns the hex sha256 the registry publishes for the archive.
	Checksum(ctx context.Context, name, version string) (string, error)
	// Download streams the .crate archive.
	Download(ctx context.Context, name, version string) (io.ReadCloser, error)
}

// HTTPRegistryClient talks to a crates.io compatible registry: archives come
// from the static download host and checksums from the sparse index.
type HTTPRegistryClient struct {
	logger      *zap.Logger
	client      *http.Client
	downloadURL string
	indexURL    string
	userAgent   string
}

// HTTPRegistryOption configures an HTTPRegistryClient
type HTTPRegistryOption func(*HTTPRegistryClient)

// WithHTTPClient sets the underlying HTTP client
func WithHTTPClient(client *http.Client) HTTPRegistryOption {
	return func(c *HTTPRegistryClient) {
		c.client = client
	}
}

// WithDownloadURL sets the base URL archives are downloaded from
func WithDownloadURL(url string) HTTPRegistryOption {
	return func(c *HTTPRegistryClient) {
		if url != "" {
			c.downloadURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithIndexURL sets the sparse index base URL
func WithIndexURL(url string) HTTPRegistryOption {
	return func(c *HTTPRegistryClient) {
		if url != "" {
			c.indexURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithUserAgent sets the User-Agent header; crates.io asks clients to identify themselves
func WithUserAgent(ua string) HTTPRegistryOption {
	return func(c *HTTPRegistryClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewHTTPRegistryClient creates a registry client for crates.io unless
// configured otherwise.
func NewHTTPRegistryClient(logger *zap.Logger, opts ...HTTPRegistryOption) *HTTPRegistryClient {
	c := &HTTPRegistryClient{
		logger:      logger,
		client:      &http.Client{Timeout: 5 * time.Minute},
		downloadURL: DefaultDownloadURL,
		indexURL:    DefaultIndexURL,
		userAgent:   "cratebox (https://github.com/isdmx/cratebox)",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type indexEntry struct {
	Name     string `json:"name"`
	Version  string `json:"vers"`
	Checksum string `json:"cksum"`
	Yanked   bool   `json:"yanked"`
}

// Checksum looks the version up in the sparse index.
func (c *HTTPRegistryClient) Checksum(ctx context.Context, name, version string) (string, error) {
	url := fmt.Sprintf("%s/%s", c.indexURL, IndexPath(name))
	body, err := c.get(ctx, url, "crates.registry.checksum")
	if err != nil {
		return "", err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry indexEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return "", errdefs.Wrapf(err, errdefs.KindIntegrity, "crates.registry.checksum", "malformed index entry for %s", name)
		}
		if entry.Version == version {
			if entry.Yanked {
				c.logger.Warn("crate version is yanked", zap.String("crate", name), zap.String("version", version))
			}
			return entry.Checksum, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", classifyTransportError(err, "crates.registry.checksum")
	}
	return "", errdefs.Newf(errdefs.KindNotFound, "crates.registry.checksum", "crate %s has no version %s", name, version)
}

// Download streams <download>/<name>/<name>-<version>.crate.
func (c *HTTPRegistryClient) Download(ctx context.Context, name, version string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s/%s-%s.crate", c.downloadURL, name, name, version)
	c.logger.Debug("downloading crate", zap.String("url", url))
	return c.get(ctx, url, "crates.registry.download")
}

func (c *HTTPRegistryClient) get(ctx context.Context, url, op string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindConfig, op)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, op)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, errdefs.Newf(errdefs.KindNotFound, op, "%s not found", url).WithDetail("status", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, errdefs.Newf(errdefs.KindNetwork, op, "registry returned %s", resp.Status).WithDetail("url", url)
	default:
		resp.Body.Close()
		return nil, errdefs.Newf(errdefs.KindIO, op, "registry returned %s", resp.Status).WithDetail("url", url)
	}
}

// classifyTransportError maps connection level failures (DNS, refused,
// reset, timeouts, truncated bodies) to network errors. Cancellation of the
// caller's context is passed through untouched.
func classifyTransportError(err error, op string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errdefs.Wrapf(err, errdefs.KindNetwork, op, "registry request timed out")
	}
	return errdefs.Wrap(err, errdefs.KindNetwork, op)
}

// IndexPath returns the sparse index path of a crate: "1/a", "2/ab",
// "3/a/abc" or "se/rd/serde".
func IndexPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 1:
		return "1/" + name
	case 2:
		return "2/" + name
	case 3:
		return "3/" + name[:1] + "/" + name
	default:
		return name[:2] + "/" + name[2:4] + "/" + name
	}
}
