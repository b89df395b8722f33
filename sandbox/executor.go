package sandbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/errdefs"
)

// ExecuteRequest represents one shell command to run inside a sandbox
type ExecuteRequest struct {
	SandboxID  string
	Command    string
	WorkingDir string
}

// ExecuteResult represents the result of a command. Stderr only ever holds
// what the program wrote; runtime failures are returned as errors.
type ExecuteResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// SandboxExecutor defines the interface for command execution
type SandboxExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// Executor runs commands through the runtime, starting sandboxes on demand
type Executor struct {
	logger  *zap.Logger
	manager *Manager
}

var _ SandboxExecutor = (*Executor)(nil)

// NewExecutor creates an Executor bound to a Manager
func NewExecutor(logger *zap.Logger, manager *Manager) *Executor {
	return &Executor{
		logger:  logger.Named("executor"),
		manager: manager,
	}
}

// Execute runs req.Command with sh -c and blocks until it exits or ctx ends.
// There is no built-in timeout; callers bound the call through ctx.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if _, err := e.manager.EnsureRunning(ctx, req.SandboxID); err != nil {
		return ExecuteResult{}, err
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = e.manager.MountPoint()
	}

	started := time.Now()
	out, err := e.manager.runtime.Exec(ctx, ExecSpec{
		ContainerID: req.SandboxID,
		Cmd:         []string{"sh", "-c", req.Command},
		WorkingDir:  workingDir,
	})
	elapsed := time.Since(started)

	if err != nil {
		e.logger.Warn("command execution failed",
			zap.String("sandbox_id", req.SandboxID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if errors.Is(err, ErrContainerNotFound) {
			return ExecuteResult{}, errdefs.Wrap(errdefs.KindSandboxNotFound, "sandbox container is gone", err)
		}
		return ExecuteResult{}, errdefs.RuntimeFailed("exec", err)
	}

	e.logger.Debug("command executed",
		zap.String("sandbox_id", req.SandboxID),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("stdout_len", len(out.Stdout)),
		zap.Int("stderr_len", len(out.Stderr)),
		zap.Duration("elapsed", elapsed))

	return ExecuteResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Duration: elapsed,
	}, nil
}
