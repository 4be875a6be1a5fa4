package crates

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/isdmx/cratebox/errdefs"
)

// Kind tags a Source variant.
type Kind string

const (
	KindRegistry Kind = "registry"
	KindGit      Kind = "git"
	KindLocal    Kind = "local"
)

var (
	crateNamePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)
	crateVersionPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+-]*$`)
	fullCommitPattern   = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// Source identifies where a crate's source code comes from. Build one with
// Registry, Git or Local; exactly the fields of its Kind are set.
type Source struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Registry
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Git; an empty Rev means the remote HEAD.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	Rev string `json:"rev,omitempty" yaml:"rev,omitempty"`

	// Local
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Registry returns a source for a published crate version.
func Registry(name, version string) Source {
	return Source{Kind: KindRegistry, Name: name, Version: version}
}

// Git returns a source for a git repository at rev (branch, tag or commit).
func Git(url, rev string) Source {
	return Source{Kind: KindGit, URL: url, Rev: rev}
}

// Local returns a source for a directory on the host.
func Local(path string) Source {
	return Source{Kind: KindLocal, Path: path}
}

// ParseSource parses "registry:serde@1.0.200", "git:https://host/repo#rev" or
// "local:/path/to/crate".
func ParseSource(s string) (Source, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Source{}, errdefs.Newf(errdefs.KindConfig, "crates.parse", "source %q has no kind prefix", s)
	}

	var src Source
	switch Kind(kind) {
	case KindRegistry:
		name, version, ok := strings.Cut(rest, "@")
		if !ok {
			return Source{}, errdefs.Newf(errdefs.KindConfig, "crates.parse", "registry source %q needs name@version", s)
		}
		src = Registry(name, version)
	case KindGit:
		url, rev := rest, ""
		if i := strings.LastIndex(rest, "#"); i >= 0 {
			url, rev = rest[:i], rest[i+1:]
		}
		src = Git(url, rev)
	case KindLocal:
		abs, err := filepath.Abs(rest)
		if err != nil || rest == "" {
			return Source{}, errdefs.Newf(errdefs.KindConfig, "crates.parse", "invalid local path in %q", s)
		}
		src = Local(abs)
	default:
		return Source{}, errdefs.Newf(errdefs.KindConfig, "crates.parse", "unknown source kind %q", kind)
	}

	if err := src.Validate(); err != nil {
		return Source{}, err
	}
	return src, nil
}

// Validate checks the fields of the source's kind. Registry names and
// versions end up in cache paths, so they are restricted to safe characters.
func (s Source) Validate() error {
	switch s.Kind {
	case KindRegistry:
		if !crateNamePattern.MatchString(s.Name) {
			return errdefs.Newf(errdefs.KindConfig, "crates.validate", "invalid crate name %q", s.Name)
		}
		if !crateVersionPattern.MatchString(s.Version) || strings.Contains(s.Version, "..") {
			return errdefs.Newf(errdefs.KindConfig, "crates.validate", "invalid crate version %q", s.Version)
		}
	case KindGit:
		if s.URL == "" {
			return errdefs.New(errdefs.KindConfig, "crates.validate", "git url is empty")
		}
		if strings.HasPrefix(s.Rev, "-") || strings.HasPrefix(s.URL, "-") {
			return errdefs.Newf(errdefs.KindConfig, "crates.validate", "invalid git source %s", s)
		}
	case KindLocal:
		if s.Path == "" {
			return errdefs.New(errdefs.KindConfig, "crates.validate", "local path is empty")
		}
	default:
		return errdefs.Newf(errdefs.KindConfig, "crates.validate", "unknown source kind %q", s.Kind)
	}
	return nil
}

// String renders the source in the form accepted by ParseSource.
func (s Source) String() string {
	switch s.Kind {
	case KindRegistry:
		return fmt.Sprintf("registry:%s@%s", s.Name, s.Version)
	case KindGit:
		if s.Rev == "" {
			return "git:" + s.URL
		}
		return fmt.Sprintf("git:%s#%s", s.URL, s.Rev)
	case KindLocal:
		return "local:" + s.Path
	default:
		return string(s.Kind)
	}
}
