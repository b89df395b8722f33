package sandbox

import (
	"sort"
	"sync"

	"github.com/isdmx/runbox/errdefs"
)

// Registry is the process-wide table of known sandboxes. Removed sandboxes
// stay in the table with StatusRemoved so their ids are never reused.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		sandboxes: make(map[string]*Sandbox),
	}
}

// Register adds a sandbox. Registering an id twice fails.
func (r *Registry) Register(sb Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sandboxes[sb.ID]; ok {
		return errdefs.InvalidState("sandbox %s already registered with status %s", sb.ID, existing.Status)
	}

	stored := sb
	r.sandboxes[sb.ID] = &stored
	return nil
}

// Get returns a copy of the sandbox record
func (r *Registry) Get(id string) (Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sb, ok := r.sandboxes[id]
	if !ok {
		return Sandbox{}, false
	}
	return *sb, true
}

// SetStatus updates the status of a live sandbox. It returns false for
// unknown or already removed ids.
func (r *Registry) SetStatus(id string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sandboxes[id]
	if !ok || sb.Status == StatusRemoved {
		return false
	}
	sb.Status = status
	return true
}

// MarkRemoved tombstones a sandbox
func (r *Registry) MarkRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sb, ok := r.sandboxes[id]; ok {
		sb.Status = StatusRemoved
	}
}

// IsRemoved reports whether id was registered and later removed
func (r *Registry) IsRemoved(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sb, ok := r.sandboxes[id]
	return ok && sb.Status == StatusRemoved
}

// List returns the live (non-removed) sandboxes ordered by creation time
func (r *Registry) List() []Sandbox {
	r.mu.RLock()
	out := make([]Sandbox, 0, len(r.sandboxes))
	for _, sb := range r.sandboxes {
		if sb.Status != StatusRemoved {
			out = append(out, *sb)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sandboxes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sb := range r.sandboxes {
		if sb.Status != StatusRemoved {
			n++
		}
	}
	return n
}
