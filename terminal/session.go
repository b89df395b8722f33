package terminal

import (
	"sync"
	"time"
)

// OutputType classifies one piece of terminal output
type OutputType string

const (
	OutputCommand OutputType = "command"
	OutputStdout  OutputType = "stdout"
	OutputStderr  OutputType = "stderr"
	OutputSystem  OutputType = "system"
)

// Outbound event names
const (
	EventOutput           = "output"
	EventDirectoryListing = "directory_listing"
	EventError            = "error"
)

// Session is an interactive channel bound to a sandbox
type Session struct {
	ID           string    `json:"sessionId"`
	SandboxID    string    `json:"sandboxId"`
	ProjectID    string    `json:"projectId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Active       bool      `json:"active"`
	CreatedBy    string    `json:"createdBy,omitempty"`
}

// Output is one chunk of terminal output
type Output struct {
	Data string     `json:"data"`
	Type OutputType `json:"type"`
}

// DirectoryListing is the result of listing a path inside the sandbox
type DirectoryListing struct {
	Path    string `json:"path"`
	Listing string `json:"listing,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// ErrorPayload is sent with EventError
type ErrorPayload struct {
	Error string `json:"error"`
}

// Event is one outbound message to a subscriber
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// Subscriber receives the events of the sessions it joined. Emit must not block.
type Subscriber interface {
	ID() string
	Emit(Event)
}

// Recorder is a Subscriber that keeps every event it receives
type Recorder struct {
	id     string
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a Recorder with the given subscriber id
func NewRecorder(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Outputs returns the payloads of the recorded output events
func (r *Recorder) Outputs() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Output
	for _, ev := range r.events {
		if o, ok := ev.Payload.(Output); ok && ev.Name == EventOutput {
			out = append(out, o)
		}
	}
	return out
}
