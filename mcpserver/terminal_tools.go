package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/terminal"
)

// TerminalNotification is the method of the notifications relaying a joined
// session's events to the client
const TerminalNotification = "notifications/terminal/event"

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	SandboxID string `json:"sandboxId"`
	ProjectID string `json:"projectId,omitempty"`
	Status    string `json:"status"`
}

type closeSessionResponse struct {
	SessionID string `json:"sessionId"`
	Closed    bool   `json:"closed"`
}

type listSessionsResponse struct {
	Sessions []terminal.Session `json:"sessions"`
	Count    int                `json:"count"`
}

type terminalExecuteResponse struct {
	Outputs []terminal.Output `json:"outputs"`
}

type roomResponse struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Joined    bool   `json:"joined"`
}

// clientSubscriber relays a terminal room's events to one connected MCP client
type clientSubscriber struct {
	clientID  string
	sessionID string
	mcpServer *server.MCPServer
	logger    *zap.Logger
}

func (c *clientSubscriber) ID() string { return c.clientID }

func (c *clientSubscriber) Emit(ev terminal.Event) {
	err := c.mcpServer.SendNotificationToSpecificClient(c.clientID, TerminalNotification, map[string]any{
		"sessionId": c.sessionID,
		"event":     ev.Name,
		"payload":   ev.Payload,
	})
	if err != nil {
		c.logger.Debug("dropped terminal notification",
			zap.String("client_id", c.clientID),
			zap.String("session_id", c.sessionID),
			zap.String("event", ev.Name),
			zap.Error(err))
	}
}

// subscriber binds the calling client to a terminal session. Only clients on a
// session-aware transport can receive room events.
func (s *MCPServer) subscriber(ctx context.Context, sessionID string) (*clientSubscriber, error) {
	client := server.ClientSessionFromContext(ctx)
	if client == nil {
		return nil, errdefs.InvalidState("joining a terminal session needs a connected client session")
	}
	return &clientSubscriber{
		clientID:  client.SessionID(),
		sessionID: sessionID,
		mcpServer: s.mcpServer,
		logger:    s.logger,
	}, nil
}

func sessionIDSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"sessionId": stringProp("Terminal session identifier"),
		},
		Required: []string{"sessionId"},
	}
}

func (s *MCPServer) registerTerminalTools() {
	s.addTool(mcp.Tool{
		Name:        "create_terminal_session",
		Description: "Open an interactive session on a sandbox, given directly or through a project",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandboxId": stringProp("Sandbox identifier (optional when projectId is set)"),
				"projectId": stringProp("Project whose sandbox to use (optional when sandboxId is set)"),
				"caller":    stringProp("Caller identity recorded for audit (optional)"),
			},
		},
	}, s.handleCreateSession)

	s.addTool(mcp.Tool{
		Name:        "terminal_session_status",
		Description: "Return a terminal session record",
		InputSchema: sessionIDSchema(),
	}, s.handleSessionStatus)

	s.addTool(mcp.Tool{
		Name:        "close_terminal_session",
		Description: "Close a terminal session",
		InputSchema: sessionIDSchema(),
	}, s.handleCloseSession)

	s.addTool(mcp.Tool{
		Name:        "list_terminal_sessions",
		Description: "List open terminal sessions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleListSessions)

	s.addTool(mcp.Tool{
		Name:        "terminal_execute",
		Description: "Run a command in a terminal session and return its output events",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sessionId": stringProp("Terminal session identifier"),
				"command":   stringProp("Shell command"),
			},
			Required: []string{"sessionId", "command"},
		},
	}, s.handleTerminalExecute)

	s.addTool(mcp.Tool{
		Name:        "terminal_list_directory",
		Description: "List a directory inside the session's sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sessionId": stringProp("Terminal session identifier"),
				"path":      stringProp("Directory to list (optional, defaults to the workspace mount)"),
			},
			Required: []string{"sessionId"},
		},
	}, s.handleTerminalListDirectory)

	s.addTool(mcp.Tool{
		Name:        "join_terminal_session",
		Description: "Subscribe this client to a session's output, delivered as " + TerminalNotification + " notifications",
		InputSchema: sessionIDSchema(),
	}, s.handleJoinSession)

	s.addTool(mcp.Tool{
		Name:        "leave_terminal_session",
		Description: "Stop receiving a session's output",
		InputSchema: sessionIDSchema(),
	}, s.handleLeaveSession)
}

func (s *MCPServer) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	session, err := s.terminals.Create(ctx, terminal.CreateRequest{
		SandboxID: request.GetString("sandboxId", ""),
		ProjectID: request.GetString("projectId", ""),
		Caller:    request.GetString("caller", ""),
	})
	if err != nil {
		return nil, err
	}
	return createSessionResponse{
		SessionID: session.ID,
		SandboxID: session.SandboxID,
		ProjectID: session.ProjectID,
		Status:    "created",
	}, nil
}

func (s *MCPServer) handleSessionStatus(_ context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sessionId")
	if err != nil {
		return nil, err
	}
	return s.terminals.Status(id)
}

func (s *MCPServer) handleCloseSession(_ context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sessionId")
	if err != nil {
		return nil, err
	}
	if err := s.terminals.Close(id); err != nil {
		return nil, err
	}
	return closeSessionResponse{SessionID: id, Closed: true}, nil
}

func (s *MCPServer) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (any, error) {
	list := s.terminals.List()
	return listSessionsResponse{Sessions: list, Count: len(list)}, nil
}

func (s *MCPServer) handleTerminalExecute(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sessionId")
	if err != nil {
		return nil, err
	}
	command, err := requireString(request, "command")
	if err != nil {
		return nil, err
	}

	outputs, err := s.terminals.ExecuteCommand(ctx, id, command)
	if err != nil {
		return nil, err
	}
	if outputs == nil {
		outputs = []terminal.Output{}
	}
	return terminalExecuteResponse{Outputs: outputs}, nil
}

func (s *MCPServer) handleTerminalListDirectory(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sessionId")
	if err != nil {
		return nil, err
	}
	return s.terminals.ListDirectory(ctx, id, request.GetString("path", ""))
}

func (s *MCPServer) handleJoinSession(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sessionId")
	if err != nil {
		return nil, err
	}
	sub, err := s.subscriber(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.terminals.Join(ctx, id, sub); err != nil {
		return nil, err
	}
	return roomResponse{SessionID: id, ClientID: sub.ID(), Joined: true}, nil
}

func (s *MCPServer) handleLeaveSession(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "sessionId")
	if err != nil {
		return nil, err
	}
	sub, err := s.subscriber(ctx, id)
	if err != nil {
		return nil, err
	}
	s.terminals.Leave(id, sub)
	return roomResponse{SessionID: id, ClientID: sub.ID(), Joined: false}, nil
}
