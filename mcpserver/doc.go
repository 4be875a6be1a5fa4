// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The server exposes the build engine as MCP tools using mark3labs/mcp-go:
//
//   - run_crate_build fetches a crate and runs a command on it in a sandbox
//   - list_toolchains, install_toolchain, update_toolchain and uninstall_toolchain manage toolchains
//   - prefetch_crate fills the source cache
//
// Host paths given by clients (local: sources and path: toolchains) must lie
// under server.local_roots when it is set. Clients can only enable network
// access for a build when sandbox.network_enabled or
// server.allow_network_override allows it.
//
// Failures are returned as tool errors tagged with their error kind, e.g.
// "build failed [network]: ...", so clients can tell broken crates from
// broken infrastructure.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, builds)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
