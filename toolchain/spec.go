package toolchain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/isdmx/cratebox/errdefs"
)

// Kind distinguishes distributed toolchains from local overrides.
type Kind string

const (
	// KindDist is a toolchain published on the distribution server and
	// installed by the Installer (a channel, a version or a dated nightly).
	KindDist Kind = "dist"
	// KindLocal is a toolchain already present on the host. Nothing is installed.
	KindLocal Kind = "local"
)

const localPrefix = "path:"

// Rustup toolchain names: channel or version, optional date, optional target triple.
var distNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Spec identifies a toolchain.
type Spec struct {
	Kind Kind   `yaml:"kind" json:"kind"`
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Dist returns the spec of a distributed toolchain such as "stable",
// "1.79.0" or "nightly-2024-05-01".
func Dist(name string) Spec {
	return Spec{Kind: KindDist, Name: name}
}

// LocalPath returns the spec of a toolchain already installed at path.
func LocalPath(name, path string) Spec {
	return Spec{Kind: KindLocal, Name: name, Path: path}
}

// ParseSpec parses "stable", "1.79.0", "nightly-2024-05-01" or "path:/opt/rust".
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, localPrefix); ok {
		if rest == "" {
			return Spec{}, errdefs.New(errdefs.KindConfig, "toolchain.parse", "local toolchain path is empty")
		}
		abs, err := filepath.Abs(rest)
		if err != nil {
			return Spec{}, errdefs.Wrap(err, errdefs.KindConfig, "toolchain.parse")
		}
		return LocalPath(filepath.Base(abs), abs), nil
	}
	spec := Dist(s)
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks that the spec is well formed.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindDist:
		if !distNamePattern.MatchString(s.Name) {
			return errdefs.Newf(errdefs.KindConfig, "toolchain.validate", "invalid toolchain name %q", s.Name)
		}
	case KindLocal:
		if s.Path == "" {
			return errdefs.New(errdefs.KindConfig, "toolchain.validate", "local toolchain path is empty")
		}
	default:
		return errdefs.Newf(errdefs.KindConfig, "toolchain.validate", "unknown toolchain kind %q", s.Kind)
	}
	return nil
}

// String renders the spec in the form accepted by ParseSpec.
func (s Spec) String() string {
	if s.Kind == KindLocal {
		return localPrefix + s.Path
	}
	return s.Name
}

// dirName is the directory of an installed dist toolchain under toolchains/.
func (s Spec) dirName() string {
	return fmt.Sprintf("%s-%s", s.Kind, s.Name)
}
