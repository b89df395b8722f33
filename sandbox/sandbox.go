package sandbox

import (
	"time"
)

// Status is the lifecycle state of a sandbox
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusRemoved Status = "removed"
	StatusError   Status = "error"
)

// Labels stamped on every sandbox container so a restarted server can adopt it.
const (
	LabelManaged      = "runbox.managed"
	LabelLanguage     = "runbox.language"
	LabelWorkspace    = "runbox.workspace"
	LabelWorkspaceDir = "runbox.workspace_dir"
	LabelCPU          = "runbox.cpu"
	LabelMemory       = "runbox.memory"
)

// Limits are the resource limits fixed at creation time
type Limits struct {
	CPU         string `json:"cpu"`
	Memory      string `json:"memory"`
	CPUQuota    int64  `json:"cpuQuota"`
	CPUPeriod   int64  `json:"cpuPeriod"`
	MemoryBytes int64  `json:"memoryBytes"`
}

// Sandbox is one long-lived container bound to a language and a workspace
type Sandbox struct {
	ID           string    `json:"sandboxId"`
	Name         string    `json:"name"`
	Language     string    `json:"language"`
	Image        string    `json:"image"`
	WorkspaceID  string    `json:"workspaceId"`
	WorkspaceDir string    `json:"workspaceDir"`
	Limits       Limits    `json:"limits"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// StatusFromState maps a container engine state string to a sandbox status.
func StatusFromState(state string) Status {
	switch state {
	case "running":
		return StatusRunning
	case "created":
		return StatusCreated
	case "exited", "dead", "paused", "stopped", "configured", "removing":
		return StatusStopped
	default:
		return StatusError
	}
}
