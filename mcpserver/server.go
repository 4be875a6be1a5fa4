package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/build"
	"github.com/isdmx/cratebox/config"
	"github.com/isdmx/cratebox/crates"
	"github.com/isdmx/cratebox/errdefs"
	"github.com/isdmx/cratebox/sandbox"
	"github.com/isdmx/cratebox/toolchain"
)

// DefaultOutputLines is how many trailing lines per stream a build result keeps.
const DefaultOutputLines = 500

// MCPServer exposes the build engine as MCP tools
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	builds      *build.Service
	mcpServer   *server.MCPServer
	outputLines int

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, builds *build.Service) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger,
		builds:      builds,
		outputLines: DefaultOutputLines,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("workspace.root", cfg.Workspace.Root),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Duration("sandbox.timeout", cfg.Sandbox.Timeout),
		zap.String("sandbox.memory", cfg.Sandbox.Memory),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.String("sandbox.disk_quota", cfg.Sandbox.DiskQuota),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Strings("server.local_roots", cfg.Server.LocalRoots),
		zap.Bool("server.allow_network_override", cfg.Server.AllowNetworkOverride),
		zap.String("toolchain.default", cfg.Toolchain.Default))

	s.mcpServer = server.NewMCPServer("cratebox", "Sandboxed Rust crate builds")
	s.registerRunCrateBuildTool()
	s.registerListToolchainsTool()
	s.registerInstallToolchainTool()
	s.registerUpdateToolchainTool()
	s.registerUninstallToolchainTool()
	s.registerPrefetchCrateTool()

	return s, nil
}

func (s *MCPServer) registerRunCrateBuildTool() {
	tool := mcp.Tool{
		Name:        "run_crate_build",
		Description: "Fetch a crate and run a cargo command on it in a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Crate source: registry:<name>@<version>, git:<url>#<rev> or local:<path>",
				},
				"command": map[string]any{
					"type":        "string",
					"description": "Command line to run in the crate directory (default: cargo build)",
				},
				"toolchain": map[string]any{
					"type":        "string",
					"description": "Toolchain such as stable, 1.79.0, nightly-2024-05-01 or path:/opt/rust",
				},
				"timeout_sec": map[string]any{
					"type":        "number",
					"description": "Build timeout in seconds (default from configuration)",
				},
				"network": map[string]any{
					"type":        "boolean",
					"description": "Network access during the build. Enabling it requires server.allow_network_override unless the server default is on",
				},
				"persist": map[string]any{
					"type":        "boolean",
					"description": "Keep the build directory after the build",
				},
			},
			Required: []string{"source"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleRunCrateBuild)
}

func (s *MCPServer) registerListToolchainsTool() {
	tool := mcp.Tool{
		Name:        "list_toolchains",
		Description: "List the installed toolchains",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}
	s.mcpServer.AddTool(tool, s.handleListToolchains)
}

func (s *MCPServer) registerInstallToolchainTool() {
	s.mcpServer.AddTool(toolchainTool("install_toolchain", "Install a toolchain if it is not installed yet"),
		s.handleInstallToolchain)
}

func (s *MCPServer) registerUpdateToolchainTool() {
	s.mcpServer.AddTool(toolchainTool("update_toolchain", "Update an installed channel toolchain to its latest release"),
		s.handleUpdateToolchain)
}

func (s *MCPServer) registerUninstallToolchainTool() {
	s.mcpServer.AddTool(toolchainTool("uninstall_toolchain", "Remove an installed toolchain"),
		s.handleUninstallToolchain)
}

func (s *MCPServer) registerPrefetchCrateTool() {
	tool := mcp.Tool{
		Name:        "prefetch_crate",
		Description: "Download a crate source into the cache without building it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Crate source: registry:<name>@<version>, git:<url>#<rev> or local:<path>",
				},
			},
			Required: []string{"source"},
		},
	}
	s.mcpServer.AddTool(tool, s.handlePrefetchCrate)
}

func toolchainTool(name, description string) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"toolchain": map[string]any{
					"type":        "string",
					"description": "Toolchain such as stable, 1.79.0 or nightly-2024-05-01",
				},
			},
			Required: []string{"toolchain"},
		},
	}
}

// BuildResult is the JSON body of a run_crate_build result
type BuildResult struct {
	build.Result
	Stdout       []string `json:"stdout"`
	Stderr       []string `json:"stderr"`
	DroppedLines int      `json:"dropped_lines,omitempty"`
}

func (s *MCPServer) handleRunCrateBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceArg, err := request.RequireString("source")
	if err != nil {
		return nil, fmt.Errorf("source parameter is required: %w", err)
	}
	src, err := crates.ParseSource(sourceArg)
	if err != nil {
		return errorResult("invalid source", err), nil
	}
	command, err := sandbox.ParseCommand(request.GetString("command", "cargo build"))
	if err != nil {
		return errorResult("invalid command", err), nil
	}
	spec, err := toolchain.ParseSpec(request.GetString("toolchain", s.config.Toolchain.Default))
	if err != nil {
		return errorResult("invalid toolchain", err), nil
	}
	if err := s.checkSource(src); err != nil {
		return errorResult("source not allowed", err), nil
	}
	if err := s.checkToolchain(spec); err != nil {
		return errorResult("toolchain not allowed", err), nil
	}
	var requested *bool
	if v, ok := request.GetArguments()["network"].(bool); ok {
		requested = &v
	}
	network, err := s.networkAllowed(requested)
	if err != nil {
		return errorResult("network not allowed", err), nil
	}

	req := build.Request{
		Toolchain: spec,
		Source:    src,
		Command:   command,
		Persist:   request.GetBool("persist", false),
		Sandbox:   []sandbox.Option{sandbox.WithNetwork(network)},
	}
	if secs := request.GetFloat("timeout_sec", 0); secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}
	out := newTailSink(s.outputLines)
	req.Sink = out

	s.logger.Info("crate build requested",
		zap.String("source", src.String()),
		zap.String("toolchain", spec.String()),
		zap.Strings("command", command))

	result, err := s.builds.Build(ctx, req)
	if err != nil {
		s.logger.Error("crate build failed", zap.Error(err), zap.String("source", src.String()))
		return errorResult("build failed", err), nil
	}

	body := BuildResult{Result: result}
	body.Stdout, body.Stderr, body.DroppedLines = out.snapshot()
	return jsonResult(body)
}

func (s *MCPServer) handleListToolchains(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	installed, err := s.builds.Toolchains().ListInstalled(ctx)
	if err != nil {
		return errorResult("listing toolchains failed", err), nil
	}
	if installed == nil {
		installed = []toolchain.Installed{}
	}
	return jsonResult(installed)
}

func (s *MCPServer) handleInstallToolchain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, result := s.toolchainArg(request)
	if result != nil {
		return result, nil
	}
	s.logger.Info("toolchain install requested", zap.String("toolchain", spec.String()))
	if err := s.builds.Toolchains().Install(ctx, spec); err != nil {
		return errorResult("toolchain install failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("toolchain %s is installed", spec)), nil
}

func (s *MCPServer) handleUpdateToolchain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, result := s.toolchainArg(request)
	if result != nil {
		return result, nil
	}
	s.logger.Info("toolchain update requested", zap.String("toolchain", spec.String()))
	if err := s.builds.Toolchains().Update(ctx, spec); err != nil {
		return errorResult("toolchain update failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("toolchain %s is up to date", spec)), nil
}

func (s *MCPServer) handleUninstallToolchain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, result := s.toolchainArg(request)
	if result != nil {
		return result, nil
	}
	s.logger.Info("toolchain uninstall requested", zap.String("toolchain", spec.String()))
	if err := s.builds.Toolchains().Uninstall(ctx, spec); err != nil {
		return errorResult("toolchain uninstall failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("toolchain %s removed", spec)), nil
}

func (s *MCPServer) handlePrefetchCrate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceArg, err := request.RequireString("source")
	if err != nil {
		return nil, fmt.Errorf("source parameter is required: %w", err)
	}
	src, err := crates.ParseSource(sourceArg)
	if err != nil {
		return errorResult("invalid source", err), nil
	}
	if err := s.checkSource(src); err != nil {
		return errorResult("source not allowed", err), nil
	}
	if err := s.builds.Fetcher().Prefetch(ctx, src); err != nil {
		return errorResult("prefetch failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s is cached", src)), nil
}

func (s *MCPServer) toolchainArg(request mcp.CallToolRequest) (toolchain.Spec, *mcp.CallToolResult) {
	name, err := request.RequireString("toolchain")
	if err != nil {
		return toolchain.Spec{}, errorResult("toolchain parameter is required", err)
	}
	spec, err := toolchain.ParseSpec(name)
	if err != nil {
		return toolchain.Spec{}, errorResult("invalid toolchain", err)
	}
	if err := s.checkToolchain(spec); err != nil {
		return toolchain.Spec{}, errorResult("toolchain not allowed", err)
	}
	return spec, nil
}

// errorResult reports a failure to the client together with its error kind.
func errorResult(msg string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", msg, errdefs.KindOf(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and blocks until Shutdown.
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	err := httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport, if it is running.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
