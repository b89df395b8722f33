package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/jobs"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/terminal"
)

// ProjectBinder records which sandbox belongs to a project
type ProjectBinder interface {
	BindProject(ctx context.Context, projectID, sandboxID string) error
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	sandboxes *sandbox.Manager
	executor  sandbox.SandboxExecutor
	jobs      *jobs.Orchestrator
	terminals *terminal.Manager
	projects  ProjectBinder
	limiter   *rate.Limiter
	tools     map[string]server.ToolHandlerFunc
	mcpServer *server.MCPServer
}

// New creates a new MCPServer and registers every tool
func New(
	cfg *config.Config,
	logger *zap.Logger,
	sandboxes *sandbox.Manager,
	executor sandbox.SandboxExecutor,
	orchestrator *jobs.Orchestrator,
	terminals *terminal.Manager,
	projects ProjectBinder,
) (*MCPServer, error) {
	limit := rate.Inf
	if cfg.Server.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.Server.RateLimitRPS)
	}

	s := &MCPServer{
		config:    cfg,
		logger:    logger.Named("mcp"),
		sandboxes: sandboxes,
		executor:  executor,
		jobs:      orchestrator,
		terminals: terminals,
		projects:  projects,
		limiter:   rate.NewLimiter(limit, cfg.Server.RateLimitBurst),
		tools:     make(map[string]server.ToolHandlerFunc),
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.metrics_port", cfg.Server.MetricsPort),
		zap.Float64("server.rate_limit_rps", cfg.Server.RateLimitRPS),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.workspace_root", cfg.Sandbox.WorkspaceRoot),
		zap.String("sandbox.default_cpu", cfg.Sandbox.DefaultCPU),
		zap.String("sandbox.default_memory", cfg.Sandbox.DefaultMemory),
		zap.Int("jobs.workers", cfg.Jobs.Workers),
		zap.Int("jobs.queue_size", cfg.Jobs.QueueSize),
		zap.String("store.driver", cfg.Store.Driver),
		zap.Int("languages", len(cfg.Languages)),
	)

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		terminals.Disconnect(session.SessionID())
	})
	s.mcpServer = server.NewMCPServer("runbox", "Multi-language sandbox execution server",
		server.WithHooks(hooks))

	s.registerSandboxTools()
	s.registerJobTools()
	s.registerTerminalTools()

	return s, nil
}

type toolHandler func(ctx context.Context, request mcp.CallToolRequest) (any, error)

// addTool registers a handler behind the rate limiter. Handler errors become
// tool errors carrying the error kind.
func (s *MCPServer) addTool(tool mcp.Tool, handler toolHandler) {
	name := tool.Name
	wrapped := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.limiter.Allow() {
			metrics.RateLimitHits.Inc()
			metrics.ToolCalls.WithLabelValues(name, "rate_limited").Inc()
			return errorResult(errdefs.RateLimited()), nil
		}

		result, err := handler(ctx, request)
		if err != nil {
			metrics.ToolCalls.WithLabelValues(name, "error").Inc()
			s.logger.Warn("tool call failed",
				zap.String("tool", name),
				zap.String("kind", string(errdefs.KindOf(err))),
				zap.Error(err))
			return errorResult(err), nil
		}

		metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
		return jsonResult(result)
	}

	s.tools[name] = wrapped
	s.mcpServer.AddTool(tool, wrapped)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func errorResult(err error) *mcp.CallToolResult {
	kind := errdefs.KindOf(err)
	if kind == "" {
		kind = errdefs.KindRuntimeError
	}
	body, _ := json.Marshal(errorResponse{Error: err.Error(), Kind: string(kind)})
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
	}, nil
}

// requireString reads a mandatory string argument, reporting a missing one
// as InvalidArgument
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	v, err := request.RequireString(key)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInvalidArgument, "invalid arguments", err)
	}
	return v, nil
}

func stringProp(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and returns the server so it can be shut down
func (s *MCPServer) ServeHTTP() (*server.StreamableHTTPServer, <-chan error) {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start(fmt.Sprintf(":%d", port))
	}()
	return httpServer, errCh
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
