package mcpserver

import (
	"path/filepath"
	"strings"

	"github.com/isdmx/cratebox/crates"
	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/toolchain"
)

// checkSource rejects local sources outside server.local_roots.
func (s *MCPServer) checkSource(src crates.Source) error {
	if src.Kind != crates.KindLocal {
		return nil
	}
	return s.checkLocalPath("local source", src.Path)
}

// checkToolchain rejects local toolchains outside server.local_roots. Their
// binaries run on the host, so they get the same restriction as sources.
func (s *MCPServer) checkToolchain(spec toolchain.Spec) error {
	if spec.Kind != toolchain.KindLocal {
		return nil
	}
	return s.checkLocalPath("local toolchain", spec.Path)
}

func (s *MCPServer) checkLocalPath(what, path string) error {
	roots := s.config.Server.LocalRoots
	if len(roots) == 0 {
		return nil
	}
	resolved := resolvePath(path)
	for _, root := range roots {
		if under(resolvePath(root), resolved) {
			return nil
		}
	}
	return errdefs.Newf(errdefs.KindConfig, "mcpserver.policy", "%s %s is outside server.local_roots", what, path).
		WithDetail("path", path)
}

// networkAllowed returns the network setting for a build. Without
// server.allow_network_override a client may only turn network access off.
func (s *MCPServer) networkAllowed(requested *bool) (bool, error) {
	enabled := s.config.Sandbox.NetworkEnabled
	if requested == nil {
		return enabled, nil
	}
	if *requested && !enabled && !s.config.Server.AllowNetworkOverride {
		return false, errdefs.New(errdefs.KindConfig, "mcpserver.policy",
			"network access is disabled by sandbox.network_enabled")
	}
	return *requested, nil
}

// resolvePath follows symlinks so a link inside a root cannot point out of it.
// Paths that do not exist yet are compared as given.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func under(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
