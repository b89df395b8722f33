package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/jobs"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/sandbox/sandboxtest"
	"github.com/isdmx/runbox/store"
	"github.com/isdmx/runbox/terminal"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			Backend:       "docker",
			NamePrefix:    "runbox",
			WorkspaceRoot: t.TempDir(),
			MountPoint:    "/workspace",
			DefaultCPU:    "1",
			DefaultMemory: "512m",
			StopGraceSec:  1,
			GCMaxAgeHours: 24,
		},
		Jobs: config.JobsConfig{
			Workers:   2,
			QueueSize: 10,
		},
		Terminal: config.TerminalConfig{
			IdleTimeoutMin:    60,
			SweepIntervalMin:  5,
			CommandTimeoutSec: 5,
		},
		Store:   config.StoreConfig{Driver: "memory"},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
		Languages: map[string]config.Language{
			"python": {Image: "runbox-python:latest"},
			"rust":   {Image: "runbox-rust:latest"},
		},
	}
}

type testServer struct {
	*MCPServer
	rt *sandboxtest.Runtime
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	logger := zaptest.NewLogger(t)
	rt := sandboxtest.NewRuntime("runbox-python:latest")
	manager := sandbox.NewManagerFromConfig(cfg, logger, rt, sandbox.NewRegistry())
	executor := sandbox.NewExecutor(logger, manager)
	st := store.NewMemory()
	orchestrator := jobs.NewFromConfig(cfg, logger, executor, manager, st)
	orchestrator.Start()
	t.Cleanup(func() { _ = orchestrator.Stop(context.Background()) })
	terminals := terminal.NewManagerFromConfig(cfg, logger, manager, executor, st)

	s, err := New(cfg, logger, manager, executor, orchestrator, terminals, st)
	require.NoError(t, err)
	return &testServer{MCPServer: s, rt: rt}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// call invokes a registered tool through the server's tool table
func (s *testServer) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	return s.callWith(t, context.Background(), name, args)
}

func (s *testServer) callWith(t *testing.T, ctx context.Context, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	handler, ok := s.tools[name]
	require.True(t, ok, "tool %s is not registered", name)
	result, err := handler(ctx, callRequest(name, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func decode(t *testing.T, result *mcp.CallToolResult, v any) {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(text.Text), v))
}

func (s *testServer) mustOK(t *testing.T, name string, args map[string]any, v any) {
	t.Helper()
	result := s.call(t, name, args)
	if result.IsError {
		var e errorResponse
		decode(t, result, &e)
		t.Fatalf("%s failed: %s (%s)", name, e.Error, e.Kind)
	}
	if v != nil {
		decode(t, result, v)
	}
}

func (s *testServer) mustFail(t *testing.T, name string, args map[string]any) errorResponse {
	t.Helper()
	result := s.call(t, name, args)
	require.True(t, result.IsError, "%s should fail", name)
	var e errorResponse
	decode(t, result, &e)
	return e
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)

	assert.Equal(t, cfg, s.config)
	assert.NotNil(t, s.GetMCPServer())
	assert.Len(t, s.tools, 22)

	for _, name := range []string{
		"create_sandbox", "sandbox_status", "start_sandbox", "stop_sandbox", "remove_sandbox",
		"list_sandboxes", "collect_garbage", "runtime_info", "execute_command", "bind_project",
		"submit_job", "job_result", "cancel_job", "list_running_jobs",
		"create_terminal_session", "terminal_session_status", "close_terminal_session",
		"list_terminal_sessions", "terminal_execute", "terminal_list_directory",
		"join_terminal_session", "leave_terminal_session",
	} {
		assert.Contains(t, s.tools, name)
	}
}

func TestSandboxTools(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	var created createSandboxResponse
	s.mustOK(t, "create_sandbox", map[string]any{
		"language":    "python",
		"cpuLimit":    "0.5",
		"memoryLimit": "256m",
	}, &created)
	require.NotEmpty(t, created.SandboxID)
	assert.Equal(t, sandbox.StatusCreated, created.Status)

	var record sandbox.Sandbox
	s.mustOK(t, "start_sandbox", map[string]any{"sandboxId": created.SandboxID}, &record)
	assert.Equal(t, sandbox.StatusRunning, record.Status)
	assert.Equal(t, int64(50000), record.Limits.CPUQuota)
	assert.Equal(t, int64(256*1024*1024), record.Limits.MemoryBytes)

	var executed executeCommandResponse
	s.mustOK(t, "execute_command", map[string]any{"sandboxId": created.SandboxID, "command": "pwd"}, &executed)
	assert.Equal(t, "/workspace\n", executed.Stdout)
	assert.Equal(t, 0, executed.ExitCode)

	var list listSandboxesResponse
	s.mustOK(t, "list_sandboxes", nil, &list)
	assert.Equal(t, 1, list.Count)

	s.mustOK(t, "stop_sandbox", map[string]any{"sandboxId": created.SandboxID, "graceSec": 0.0}, &record)
	assert.Equal(t, sandbox.StatusStopped, record.Status)

	s.mustOK(t, "list_sandboxes", nil, &list)
	assert.Equal(t, 0, list.Count)
	s.mustOK(t, "list_sandboxes", map[string]any{"includeStopped": true}, &list)
	assert.Equal(t, 1, list.Count)

	var removed removeSandboxResponse
	s.mustOK(t, "remove_sandbox", map[string]any{"sandboxId": created.SandboxID}, &removed)
	assert.True(t, removed.Removed)
	s.mustOK(t, "remove_sandbox", map[string]any{"sandboxId": created.SandboxID}, &removed)

	e := s.mustFail(t, "sandbox_status", map[string]any{"sandboxId": created.SandboxID})
	assert.Equal(t, string(errdefs.KindSandboxNotFound), e.Kind)
}

func TestSandboxToolErrors(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	tests := []struct {
		name string
		tool string
		args map[string]any
		kind errdefs.Kind
	}{
		{"MissingLanguage", "create_sandbox", map[string]any{}, errdefs.KindInvalidArgument},
		{"UnconfiguredLanguage", "create_sandbox", map[string]any{"language": "cobol"}, errdefs.KindImageNotFound},
		{"ImageMissing", "create_sandbox", map[string]any{"language": "rust"}, errdefs.KindImageNotFound},
		{"BadMemory", "create_sandbox", map[string]any{"language": "python", "memoryLimit": "lots"}, errdefs.KindResourceLimitInvalid},
		{"UnknownSandbox", "sandbox_status", map[string]any{"sandboxId": "nope"}, errdefs.KindSandboxNotFound},
		{"ExecuteUnknown", "execute_command", map[string]any{"sandboxId": "nope", "command": "pwd"}, errdefs.KindSandboxNotFound},
		{"BindUnknownSandbox", "bind_project", map[string]any{"projectId": "p", "sandboxId": "nope"}, errdefs.KindSandboxNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := s.mustFail(t, tt.tool, tt.args)
			assert.Equal(t, string(tt.kind), e.Kind)
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestCollectGarbageAndRuntimeInfo(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	var created createSandboxResponse
	s.mustOK(t, "create_sandbox", map[string]any{"language": "python"}, &created)

	var gc collectGarbageResponse
	s.mustOK(t, "collect_garbage", nil, &gc)
	assert.Equal(t, 0, gc.Removed)
	assert.Equal(t, 24.0, gc.MaxAgeHours)

	s.mustOK(t, "collect_garbage", map[string]any{"maxAgeHours": 0.5}, &gc)
	assert.Equal(t, 0, gc.Removed)
	assert.Equal(t, 0.5, gc.MaxAgeHours)

	e := s.mustFail(t, "collect_garbage", map[string]any{"maxAgeHours": -1.0})
	assert.Equal(t, string(errdefs.KindInvalidArgument), e.Kind)
	assert.Equal(t, 1, s.rt.Len())

	var info runtimeInfoResponse
	s.mustOK(t, "runtime_info", nil, &info)
	assert.True(t, info.Runtime.Reachable)
	assert.Equal(t, 1, info.Runtime.ManagedSandboxes)
	require.Len(t, info.Images, 2)
	assert.Equal(t, sandbox.ImageStatus{Language: "python", Image: "runbox-python:latest", Present: true}, info.Images[0])
	assert.False(t, info.Images[1].Present)

	s.rt.Fail("info", assert.AnError)
	s.mustOK(t, "runtime_info", nil, &info)
	assert.False(t, info.Runtime.Reachable)
}

func TestJobTools(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	var created createSandboxResponse
	s.mustOK(t, "create_sandbox", map[string]any{"language": "python"}, &created)

	var submitted submitJobResponse
	s.mustOK(t, "submit_job", map[string]any{
		"sandboxId": created.SandboxID,
		"command":   "exit 7",
		"caller":    "ci",
	}, &submitted)
	require.NotEmpty(t, submitted.JobID)
	assert.Equal(t, "started", submitted.Status)

	var job jobs.Job
	require.Eventually(t, func() bool {
		s.mustOK(t, "job_result", map[string]any{"jobId": submitted.JobID}, &job)
		return job.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 7, *job.ExitCode)
	assert.Equal(t, "ci", job.SubmittedBy)

	e := s.mustFail(t, "cancel_job", map[string]any{"jobId": submitted.JobID})
	assert.Equal(t, string(errdefs.KindInvalidState), e.Kind)

	e = s.mustFail(t, "job_result", map[string]any{"jobId": "missing"})
	assert.Equal(t, string(errdefs.KindJobNotFound), e.Kind)

	var running listJobsResponse
	s.mustOK(t, "list_running_jobs", nil, &running)
	assert.Equal(t, 0, running.Count)
}

func TestTerminalTools(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	var created createSandboxResponse
	s.mustOK(t, "create_sandbox", map[string]any{"language": "python"}, &created)
	s.mustOK(t, "bind_project", map[string]any{"projectId": "proj-1", "sandboxId": created.SandboxID}, nil)

	var session createSessionResponse
	s.mustOK(t, "create_terminal_session", map[string]any{"projectId": "proj-1"}, &session)
	require.NotEmpty(t, session.SessionID)
	assert.Equal(t, created.SandboxID, session.SandboxID)
	assert.Equal(t, "created", session.Status)

	var executed terminalExecuteResponse
	s.mustOK(t, "terminal_execute", map[string]any{"sessionId": session.SessionID, "command": "pwd"}, &executed)
	assert.Equal(t, []terminal.Output{
		{Data: "$ pwd\n", Type: terminal.OutputCommand},
		{Data: "/workspace\n", Type: terminal.OutputStdout},
	}, executed.Outputs)

	var listing terminal.DirectoryListing
	s.mustOK(t, "terminal_list_directory", map[string]any{"sessionId": session.SessionID, "path": "/workspace/missing"}, &listing)
	assert.False(t, listing.Success)
	assert.NotEmpty(t, listing.Error)

	var sessions listSessionsResponse
	s.mustOK(t, "list_terminal_sessions", nil, &sessions)
	assert.Equal(t, 1, sessions.Count)

	s.mustOK(t, "close_terminal_session", map[string]any{"sessionId": session.SessionID}, nil)

	e := s.mustFail(t, "terminal_session_status", map[string]any{"sessionId": session.SessionID})
	assert.Equal(t, string(errdefs.KindSessionNotFound), e.Kind)

	e = s.mustFail(t, "create_terminal_session", map[string]any{})
	assert.Equal(t, string(errdefs.KindInvalidArgument), e.Kind)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RateLimitRPS = 0.001
	cfg.Server.RateLimitBurst = 1
	s := newTestServer(t, cfg)

	s.mustOK(t, "list_sandboxes", nil, nil)

	e := s.mustFail(t, "list_sandboxes", nil)
	assert.Equal(t, string(errdefs.KindRateLimited), e.Kind)
}

func TestErrorResultDefaultsToRuntimeError(t *testing.T) {
	var e errorResponse
	decode(t, errorResult(errors.New("docker daemon went away")), &e)
	assert.Equal(t, string(errdefs.KindRuntimeError), e.Kind)

	decode(t, errorResult(errdefs.SandboxNotFound("abc")), &e)
	assert.Equal(t, string(errdefs.KindSandboxNotFound), e.Kind)
}

// testClient is a registered client session whose notifications the test can read
type testClient struct {
	id            string
	notifications chan mcp.JSONRPCNotification
}

func newTestClient(id string) *testClient {
	return &testClient{id: id, notifications: make(chan mcp.JSONRPCNotification, 32)}
}

func (c *testClient) Initialize()       {}
func (c *testClient) Initialized() bool { return true }
func (c *testClient) SessionID() string { return c.id }

func (c *testClient) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return c.notifications
}

// outputs drains the terminal output events delivered so far
func (c *testClient) outputs(t *testing.T, sessionID string) []terminal.Output {
	t.Helper()
	var out []terminal.Output
	for {
		select {
		case n := <-c.notifications:
			require.Equal(t, TerminalNotification, n.Method)
			fields := n.Params.AdditionalFields
			assert.Equal(t, sessionID, fields["sessionId"])
			if fields["event"] == terminal.EventOutput {
				out = append(out, fields["payload"].(terminal.Output))
			}
		default:
			return out
		}
	}
}

func TestTerminalRoomTools(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	var created createSandboxResponse
	s.mustOK(t, "create_sandbox", map[string]any{"language": "python"}, &created)
	var session createSessionResponse
	s.mustOK(t, "create_terminal_session", map[string]any{"sandboxId": created.SandboxID}, &session)
	args := map[string]any{"sessionId": session.SessionID}

	t.Run("NeedsClientSession", func(t *testing.T) {
		e := s.mustFail(t, "join_terminal_session", args)
		assert.Equal(t, string(errdefs.KindInvalidState), e.Kind)
	})

	client := newTestClient("client-1")
	require.NoError(t, s.mcpServer.RegisterSession(context.Background(), client))
	ctx := s.mcpServer.WithContext(context.Background(), client)

	t.Run("JoinGreets", func(t *testing.T) {
		result := s.callWith(t, ctx, "join_terminal_session", args)
		require.False(t, result.IsError)
		var joined roomResponse
		decode(t, result, &joined)
		assert.Equal(t, roomResponse{SessionID: session.SessionID, ClientID: "client-1", Joined: true}, joined)

		assert.Equal(t, []terminal.Output{
			{Data: "Connected to terminal session " + session.SessionID + "\n", Type: terminal.OutputSystem},
			{Data: "Current directory: /workspace\n", Type: terminal.OutputSystem},
		}, client.outputs(t, session.SessionID))
	})

	t.Run("ExecuteBroadcasts", func(t *testing.T) {
		s.mustOK(t, "terminal_execute", map[string]any{"sessionId": session.SessionID, "command": "echo hi"}, nil)
		assert.Equal(t, []terminal.Output{
			{Data: "$ echo hi\n", Type: terminal.OutputCommand},
			{Data: "hi\n", Type: terminal.OutputStdout},
		}, client.outputs(t, session.SessionID))
	})

	t.Run("LeaveStopsDelivery", func(t *testing.T) {
		result := s.callWith(t, ctx, "leave_terminal_session", args)
		require.False(t, result.IsError)
		assert.Equal(t, 0, s.terminals.RoomSize(session.SessionID))

		s.mustOK(t, "terminal_execute", map[string]any{"sessionId": session.SessionID, "command": "echo quiet"}, nil)
		assert.Empty(t, client.outputs(t, session.SessionID))
	})

	t.Run("UnregisterLeavesRooms", func(t *testing.T) {
		result := s.callWith(t, ctx, "join_terminal_session", args)
		require.False(t, result.IsError)
		client.outputs(t, session.SessionID)
		assert.Equal(t, 1, s.terminals.RoomSize(session.SessionID))

		s.mcpServer.UnregisterSession(context.Background(), client.SessionID())
		assert.Equal(t, 0, s.terminals.RoomSize(session.SessionID))
	})

	t.Run("UnknownSession", func(t *testing.T) {
		other := newTestClient("client-2")
		require.NoError(t, s.mcpServer.RegisterSession(context.Background(), other))
		result := s.callWith(t, s.mcpServer.WithContext(context.Background(), other),
			"join_terminal_session", map[string]any{"sessionId": "missing"})
		require.True(t, result.IsError)
		var e errorResponse
		decode(t, result, &e)
		assert.Equal(t, string(errdefs.KindSessionNotFound), e.Kind)
	})
}

var _ server.ClientSession = (*testClient)(nil)
