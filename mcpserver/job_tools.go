package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/isdmx/runbox/jobs"
)

type submitJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type cancelJobResponse struct {
	JobID  string      `json:"jobId"`
	Status jobs.Status `json:"status"`
}

type listJobsResponse struct {
	Jobs       []jobs.Summary `json:"jobs"`
	Count      int            `json:"count"`
	QueueDepth int            `json:"queueDepth"`
}

func jobIDSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"jobId": stringProp("Job identifier"),
		},
		Required: []string{"jobId"},
	}
}

func (s *MCPServer) registerJobTools() {
	s.addTool(mcp.Tool{
		Name:        "submit_job",
		Description: "Queue a command to run asynchronously in a sandbox; poll job_result for the outcome",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandboxId":  stringProp("Sandbox identifier"),
				"command":    stringProp("Shell command, run with sh -c"),
				"workingDir": stringProp("Working directory (optional)"),
				"caller":     stringProp("Caller identity recorded for audit (optional)"),
			},
			Required: []string{"sandboxId", "command"},
		},
	}, s.handleSubmitJob)

	s.addTool(mcp.Tool{
		Name:        "job_result",
		Description: "Return the full record of a job",
		InputSchema: jobIDSchema(),
	}, s.handleJobResult)

	s.addTool(mcp.Tool{
		Name:        "cancel_job",
		Description: "Stop a pending or running job",
		InputSchema: jobIDSchema(),
	}, s.handleCancelJob)

	s.addTool(mcp.Tool{
		Name:        "list_running_jobs",
		Description: "List jobs that are pending or running",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleListRunningJobs)
}

func (s *MCPServer) handleSubmitJob(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	sandboxID, err := requireString(request, "sandboxId")
	if err != nil {
		return nil, err
	}
	command, err := requireString(request, "command")
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
		SandboxID:   sandboxID,
		Command:     command,
		WorkingDir:  request.GetString("workingDir", ""),
		SubmittedBy: request.GetString("caller", ""),
	})
	if err != nil {
		return nil, err
	}

	return submitJobResponse{JobID: job.ID, Status: "started"}, nil
}

func (s *MCPServer) handleJobResult(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "jobId")
	if err != nil {
		return nil, err
	}
	return s.jobs.Result(ctx, id)
}

func (s *MCPServer) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (any, error) {
	id, err := requireString(request, "jobId")
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return cancelJobResponse{JobID: job.ID, Status: job.Status}, nil
}

func (s *MCPServer) handleListRunningJobs(_ context.Context, _ mcp.CallToolRequest) (any, error) {
	list := s.jobs.ListRunning()
	return listJobsResponse{Jobs: list, Count: len(list), QueueDepth: s.jobs.QueueDepth()}, nil
}
