package mcpserver

import (
	"context"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/sandbox"
)

type createSandboxResponse struct {
	SandboxID   string         `json:"sandboxId"`
	Status      sandbox.Status `json:"status"`
	WorkspaceID string         `json:"workspaceId"`
}

type removeSandboxResponse struct {
	SandboxID string `json:"sandboxId"`
	Removed   bool   `json:"removed"`
}

type listSandboxesResponse struct {
	Sandboxes []sandbox.Sandbox `json:"sandboxes"`
	Count     int               `json:"count"`
}

type collectGarbageResponse struct {
	Removed     int     `json:"removed"`
	MaxAgeHours float64 `json:"maxAgeHours"`
}

type runtimeInfoResponse struct {
	Runtime sandbox.RuntimeInfo   `json:"runtime"`
	Images  []sandbox.ImageStatus `json:"images,omitempty"`
}

type executeCommandResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

type bindProjectResponse struct {
	ProjectID string `json:"projectId"`
	SandboxID string `json:"sandboxId"`
}

func sandboxIDSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"sandboxId": stringProp("Sandbox identifier"),
		},
		Required: []string{"sandboxId"},
	}
}

func (s *MCPServer) registerSandboxTools() {
	languages := make([]string, 0, len(s.config.Languages))
	for _, lang := range config.DefaultLanguages {
		if _, ok := s.config.Languages[lang]; ok {
			languages = append(languages, lang)
		}
	}

	s.addTool(mcp.Tool{
		Name:        "create_sandbox",
		Description: "Create a resource-capped sandbox container for a language, bound to a workspace directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        languages,
				},
				"workspaceId": stringProp("Workspace to bind (optional, generated when empty)"),
				"cpuLimit":    stringProp("CPU limit in cores, e.g. \"0.5\" (optional)"),
				"memoryLimit": stringProp("Memory limit, e.g. \"512m\" (optional)"),
			},
			Required: []string{"language"},
		},
	}, s.handleCreateSandbox)

	s.addTool(mcp.Tool{
		Name:        "sandbox_status",
		Description: "Refresh and return a sandbox record",
		InputSchema: sandboxIDSchema(),
	}, s.handleSandboxStatus)

	s.addTool(mcp.Tool{
		Name:        "start_sandbox",
		Description: "Start a sandbox; starting a running sandbox is a no-op",
		InputSchema: sandboxIDSchema(),
	}, s.handleStartSandbox)

	s.addTool(mcp.Tool{
		Name:        "stop_sandbox",
		Description: "Stop a sandbox after a grace period; stopping a stopped sandbox is a no-op",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandboxId": stringProp("Sandbox identifier"),
				"graceSec": map[string]any{
					"type":        "number",
					"description": "Seconds to wait before the container is killed (optional)",
				},
			},
			Required: []string{"sandboxId"},
		},
	}, s.handleStopSandbox)

	s.addTool(mcp.Tool{
		Name:        "remove_sandbox",
		Description: "Force-remove a sandbox and its workspace; removing twice succeeds",
		InputSchema: sandboxIDSchema(),
	}, s.handleRemoveSandbox)

	s.addTool(mcp.Tool{
		Name:        "list_sandboxes",
		Description: "List running sandboxes, or all live ones with includeStopped",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"includeStopped": map[string]any{
					"type":        "boolean",
					"description": "Include created and stopped sandboxes",
				},
			},
		},
	}, s.handleListSandboxes)

	s.addTool(mcp.Tool{
		Name:        "collect_garbage",
		Description: "Remove managed sandboxes older than maxAgeHours",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"maxAgeHours": map[string]any{
					"type":        "number",
					"description": "Age threshold in hours (optional, defaults to sandbox.gc_max_age_hours)",
				},
			},
		},
	}, s.handleCollectGarbage)

	s.addTool(mcp.Tool{
		Name:        "runtime_info",
		Description: "Report container runtime health, counts and language image availability",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleRuntimeInfo)

	s.addTool(mcp.Tool{
		Name:        "execute_command",
		Description: "Run a shell command in a sandbox and wait for it, starting the sandbox if needed",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandboxId":  stringProp("Sandbox identifier"),
				"command":    stringProp("Shell command, run with sh -c"),
				"workingDir": stringProp("Working directory (optional, defaults to the workspace mount)"),
			},
			Required: []string{"sandboxId", "command"},
		},
	}, s.handleExecuteCommand)

	s.addTool(mcp.Tool{
		Name:        "bind_project",
		Description: "Associate a project with a sandbox so terminal sessions can be opened by project",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"projectId": stringProp("Project identifier"),
				"sandboxId": stringProp("Sandbox identifier"),
			},
			Required: []string{"projectId", "sandboxId"},
		},
	}, s.handleBindProject)
}

func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	language, err := requireString(request, "language")
	if err != nil {
		return nil, err
	}

	sb, err := s.sandboxes.Create(ctx, sandbox.CreateRequest{
		Language:    language,
		WorkspaceID: request.GetString("workspaceId", ""),
		CPU:         request.GetString("cpuLimit", ""),
		Memory:      request.GetString("memoryLimit", ""),
	})
	if err != nil {
		return nil, err
	}

	return createSandboxResponse{SandboxID: sb.ID, Status: sb.Status, WorkspaceID: sb.WorkspaceID}, nil
}

func (s *MCPServer) handleSandboxStatus(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sandboxId")
	if err != nil {
		return nil, err
	}
	return s.sandboxes.Status(ctx, id)
}

func (s *MCPServer) handleStartSandbox(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sandboxId")
	if err != nil {
		return nil, err
	}
	if err := s.sandboxes.Start(ctx, id); err != nil {
		return nil, err
	}
	return s.sandboxes.Status(ctx, id)
}

func (s *MCPServer) handleStopSandbox(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sandboxId")
	if err != nil {
		return nil, err
	}
	grace := time.Duration(-1)
	if sec := request.GetFloat("graceSec", -1); sec >= 0 {
		grace = time.Duration(sec * float64(time.Second))
	}
	if err := s.sandboxes.Stop(ctx, id, grace); err != nil {
		return nil, err
	}
	return s.sandboxes.Status(ctx, id)
}

func (s *MCPServer) handleRemoveSandbox(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sandboxId")
	if err != nil {
		return nil, err
	}
	if err := s.sandboxes.Remove(ctx, id); err != nil {
		return nil, err
	}
	return removeSandboxResponse{SandboxID: id, Removed: true}, nil
}

func (s *MCPServer) handleListSandboxes(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	list := s.sandboxes.List(ctx, request.GetBool("includeStopped", false))
	return listSandboxesResponse{Sandboxes: list, Count: len(list)}, nil
}

func (s *MCPServer) handleCollectGarbage(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	hours := request.GetFloat("maxAgeHours", float64(s.config.Sandbox.GCMaxAgeHours))
	if hours < 0 || math.IsNaN(hours) {
		return nil, errdefs.InvalidArgument("maxAgeHours must not be negative, got %v", hours)
	}
	removed, err := s.sandboxes.GarbageCollect(ctx, time.Duration(hours*float64(time.Hour)))
	if err != nil {
		return nil, err
	}
	s.logger.Info("garbage collection requested", zap.Float64("max_age_hours", hours), zap.Int("removed", removed))
	return collectGarbageResponse{Removed: removed, MaxAgeHours: hours}, nil
}

func (s *MCPServer) handleRuntimeInfo(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	info, err := s.sandboxes.RuntimeInfo(ctx)
	if err != nil {
		s.logger.Warn("runtime unreachable", zap.Error(err))
		return runtimeInfoResponse{Runtime: info}, nil
	}
	images, err := s.sandboxes.Images(ctx)
	if err != nil {
		return nil, err
	}
	return runtimeInfoResponse{Runtime: info, Images: images}, nil
}

func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sandboxId")
	if err != nil {
		return nil, err
	}
	command, err := requireString(request, "command")
	if err != nil {
		return nil, err
	}

	res, err := s.executor.Execute(ctx, sandbox.ExecuteRequest{
		SandboxID:  id,
		Command:    command,
		WorkingDir: request.GetString("workingDir", ""),
	})
	if err != nil {
		return nil, err
	}

	return executeCommandResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
	}, nil
}

func (s *MCPServer) handleBindProject(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	projectID, err := requireString(request, "projectId")
	if err != nil {
		return nil, err
	}
	sandboxID, err := requireString(request, "sandboxId")
	if err != nil {
		return nil, err
	}
	if _, err := s.sandboxes.Status(ctx, sandboxID); err != nil {
		return nil, err
	}
	if err := s.projects.BindProject(ctx, projectID, sandboxID); err != nil {
		return nil, err
	}
	return bindProjectResponse{ProjectID: projectID, SandboxID: sandboxID}, nil
}
