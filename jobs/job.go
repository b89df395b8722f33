package jobs

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether no further transition can happen
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Job is one asynchronously executed command and its outcome
type Job struct {
	ID          string     `json:"jobId"`
	SandboxID   string     `json:"sandboxId"`
	Command     string     `json:"command"`
	WorkingDir  string     `json:"workingDir,omitempty"`
	Status      Status     `json:"status"`
	Stdout      string     `json:"stdout"`
	Stderr      string     `json:"stderr"`
	ExitCode    *int       `json:"exitCode"`
	Error       string     `json:"error,omitempty"`
	ElapsedMs   int64      `json:"elapsedMs"`
	SubmittedBy string     `json:"submittedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Summary is the short form returned by ListRunning
type Summary struct {
	ID        string    `json:"jobId"`
	SandboxID string    `json:"sandboxId"`
	Command   string    `json:"command"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary returns the short form of the job
func (j Job) Summary() Summary {
	return Summary{
		ID:        j.ID,
		SandboxID: j.SandboxID,
		Command:   j.Command,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
	}
}

// Store persists job records beyond their time in the live table
type Store interface {
	Put(ctx context.Context, job Job) error
	// Get returns errdefs.JobNotFound for unknown ids.
	Get(ctx context.Context, id string) (Job, error)
}
