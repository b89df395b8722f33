package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/jobs"
)

// Memory keeps everything in process memory
type Memory struct {
	mu       sync.RWMutex
	jobs     map[string]jobs.Job
	projects map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]jobs.Job),
		projects: make(map[string]string),
	}
}

func (m *Memory) Put(_ context.Context, job jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (jobs.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobs.Job{}, errdefs.JobNotFound(id)
	}
	return job, nil
}

func (m *Memory) ResolveProjectSandbox(_ context.Context, projectID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sandboxID, ok := m.projects[projectID]
	if !ok || sandboxID == "" {
		return "", errdefs.New(errdefs.KindSandboxNotFound, fmt.Sprintf("no sandbox bound to project %s", projectID))
	}
	return sandboxID, nil
}

func (m *Memory) BindProject(_ context.Context, projectID, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectID] = sandboxID
	return nil
}

func (*Memory) Close() {}
