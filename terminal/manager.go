package terminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

// SandboxStarter brings a sandbox up before a session is handed out
type SandboxStarter interface {
	EnsureRunning(ctx context.Context, id string) (sandbox.Sandbox, error)
	MountPoint() string
}

// ProjectResolver maps a project to the sandbox it is bound to
type ProjectResolver interface {
	ResolveProjectSandbox(ctx context.Context, projectID string) (string, error)
}

// Settings holds the session timeouts
type Settings struct {
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	CommandTimeout time.Duration
}

// CreateRequest names the sandbox directly or through a project
type CreateRequest struct {
	SandboxID string
	ProjectID string
	Caller    string
}

// Manager owns the live session table and the subscriber rooms
type Manager struct {
	logger    *zap.Logger
	sandboxes SandboxStarter
	executor  sandbox.SandboxExecutor
	projects  ProjectResolver
	settings  Settings
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]map[string]Subscriber
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithClock sets the time source used for activity tracking
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator sets the session id generator
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

// NewManager creates a session Manager. projects may be nil, in which case
// sessions can only be created from a sandbox id.
func NewManager(
	logger *zap.Logger,
	sandboxes SandboxStarter,
	executor sandbox.SandboxExecutor,
	projects ProjectResolver,
	settings Settings,
	opts ...Option,
) *Manager {
	m := &Manager{
		logger:    logger.Named("terminal"),
		sandboxes: sandboxes,
		executor:  executor,
		projects:  projects,
		settings:  settings,
		now:       time.Now,
		newID:     uuid.NewString,
		sessions:  make(map[string]*Session),
		rooms:     make(map[string]map[string]Subscriber),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewManagerFromConfig is the fx constructor for Manager
func NewManagerFromConfig(
	cfg *config.Config,
	logger *zap.Logger,
	sandboxes *sandbox.Manager,
	executor *sandbox.Executor,
	projects ProjectResolver,
) *Manager {
	return NewManager(logger, sandboxes, executor, projects, Settings{
		IdleTimeout:    cfg.IdleTimeout(),
		SweepInterval:  cfg.SweepInterval(),
		CommandTimeout: cfg.CommandTimeout(),
	})
}

// Create opens a session on a sandbox, starting the sandbox when it is not running
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	sandboxID := req.SandboxID
	if sandboxID == "" {
		if req.ProjectID == "" {
			return Session{}, errdefs.InvalidArgument("sandboxId or projectId is required")
		}
		if m.projects == nil {
			return Session{}, errdefs.New(errdefs.KindSandboxNotFound,
				fmt.Sprintf("no sandbox bound to project %s", req.ProjectID))
		}
		resolved, err := m.projects.ResolveProjectSandbox(ctx, req.ProjectID)
		if err != nil {
			return Session{}, err
		}
		sandboxID = resolved
	}

	if _, err := m.sandboxes.EnsureRunning(ctx, sandboxID); err != nil {
		return Session{}, err
	}

	now := m.now()
	s := &Session{
		ID:           m.newID(),
		SandboxID:    sandboxID,
		ProjectID:    req.ProjectID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		CreatedBy:    req.Caller,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	m.logger.Info("terminal session created",
		zap.String("session_id", s.ID),
		zap.String("sandbox_id", sandboxID),
		zap.String("project_id", req.ProjectID),
		zap.String("caller", req.Caller))

	return *s, nil
}

// Status returns the session record
func (m *Manager) Status(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, errdefs.SessionNotFound(id)
	}
	return *s, nil
}

// Close marks the session inactive and drops it and its room at once
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errdefs.SessionNotFound(id)
	}
	s.Active = false
	delete(m.sessions, id)
	delete(m.rooms, id)
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	m.logger.Info("terminal session closed", zap.String("session_id", id))
	return nil
}

// List returns the live sessions, oldest first
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Join subscribes sub to the session and greets it with the working directory
func (m *Manager) Join(ctx context.Context, id string, sub Subscriber) error {
	s, err := m.touch(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if cur, ok := m.sessions[id]; !ok || !cur.Active {
		m.mu.Unlock()
		return errdefs.SessionNotFound(id)
	}
	room, ok := m.rooms[id]
	if !ok {
		room = make(map[string]Subscriber)
		m.rooms[id] = room
	}
	room[sub.ID()] = sub
	m.mu.Unlock()

	sub.Emit(outputEvent(fmt.Sprintf("Connected to terminal session %s\n", id), OutputSystem))

	cmdCtx, cancel := m.commandContext(ctx)
	defer cancel()
	res, err := m.executor.Execute(cmdCtx, sandbox.ExecuteRequest{SandboxID: s.SandboxID, Command: "pwd"})
	if err != nil {
		m.logger.Warn("failed to read working directory",
			zap.String("session_id", id),
			zap.Error(err))
	} else if res.ExitCode == 0 {
		sub.Emit(outputEvent(fmt.Sprintf("Current directory: %s\n", strings.TrimSpace(res.Stdout)), OutputSystem))
	}

	m.logger.Info("subscriber joined terminal session",
		zap.String("session_id", id),
		zap.String("subscriber_id", sub.ID()))
	return nil
}

// Leave unsubscribes sub from the session. Leaving an unknown session is a no-op.
func (m *Manager) Leave(id string, sub Subscriber) {
	_, _ = m.touch(id)

	m.mu.Lock()
	if room, ok := m.rooms[id]; ok {
		delete(room, sub.ID())
		if len(room) == 0 {
			delete(m.rooms, id)
		}
	}
	m.mu.Unlock()

	m.logger.Info("subscriber left terminal session",
		zap.String("session_id", id),
		zap.String("subscriber_id", sub.ID()))
}

// Disconnect drops subscriberID from every room it joined and returns how many
// rooms it left. Rooms left empty are deleted.
func (m *Manager) Disconnect(subscriberID string) int {
	m.mu.Lock()
	left := 0
	for id, room := range m.rooms {
		if _, ok := room[subscriberID]; !ok {
			continue
		}
		delete(room, subscriberID)
		left++
		if len(room) == 0 {
			delete(m.rooms, id)
		}
	}
	m.mu.Unlock()

	if left > 0 {
		m.logger.Info("subscriber disconnected",
			zap.String("subscriber_id", subscriberID),
			zap.Int("rooms", left))
	}
	return left
}

// RoomSize returns how many subscribers are joined to the session
func (m *Manager) RoomSize(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[id])
}

// ExecuteCommand runs command in the session's sandbox and broadcasts the echo,
// the captured streams and a non-zero exit notice to the session room. The
// command is bounded by the configured command timeout; output is delivered
// once it finishes. An empty command only refreshes activity.
func (m *Manager) ExecuteCommand(ctx context.Context, id, command string) ([]Output, error) {
	s, err := m.touch(id)
	if err != nil {
		return nil, err
	}

	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}

	outputs := []Output{{Data: fmt.Sprintf("$ %s\n", command), Type: OutputCommand}}
	m.broadcast(id, outputs[0])

	cmdCtx, cancel := m.commandContext(ctx)
	defer cancel()
	res, err := m.executor.Execute(cmdCtx, sandbox.ExecuteRequest{SandboxID: s.SandboxID, Command: command})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			out := Output{
				Data: fmt.Sprintf("Command timed out after %s\n", m.settings.CommandTimeout),
				Type: OutputSystem,
			}
			m.broadcast(id, out)
			metrics.TerminalCommands.WithLabelValues("timeout").Inc()
			m.logger.Warn("terminal command timed out",
				zap.String("session_id", id),
				zap.String("command", command))
			return append(outputs, out), nil
		}
		metrics.TerminalCommands.WithLabelValues("error").Inc()
		return outputs, err
	}

	if res.Stdout != "" {
		outputs = append(outputs, Output{Data: res.Stdout, Type: OutputStdout})
	}
	if res.Stderr != "" {
		outputs = append(outputs, Output{Data: res.Stderr, Type: OutputStderr})
	}
	outcome := "ok"
	if res.ExitCode != 0 {
		outcome = "nonzero"
		outputs = append(outputs, Output{
			Data: fmt.Sprintf("Command exited with code %d\n", res.ExitCode),
			Type: OutputSystem,
		})
	}
	for _, out := range outputs[1:] {
		m.broadcast(id, out)
	}

	metrics.TerminalCommands.WithLabelValues(outcome).Inc()
	m.logger.Info("terminal command executed",
		zap.String("session_id", id),
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode))

	return outputs, nil
}

// ListDirectory runs ls -la on path inside the sandbox. An empty path lists
// the workspace mount point.
func (m *Manager) ListDirectory(ctx context.Context, id, path string) (DirectoryListing, error) {
	s, err := m.touch(id)
	if err != nil {
		return DirectoryListing{}, err
	}
	if path == "" {
		path = m.sandboxes.MountPoint()
	}

	cmdCtx, cancel := m.commandContext(ctx)
	defer cancel()
	res, err := m.executor.Execute(cmdCtx, sandbox.ExecuteRequest{
		SandboxID: s.SandboxID,
		Command:   "ls -la " + shellquote.Join(path),
	})
	if err != nil {
		return DirectoryListing{}, err
	}

	if res.ExitCode != 0 {
		return DirectoryListing{Path: path, Error: res.Stderr, Success: false}, nil
	}
	return DirectoryListing{Path: path, Listing: res.Stdout, Success: true}, nil
}

// Sweep closes every session idle for longer than the idle timeout and
// returns how many were closed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.settings.IdleTimeout)

	m.mu.Lock()
	var evicted []string
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			s.Active = false
			delete(m.sessions, id)
			delete(m.rooms, id)
			evicted = append(evicted, id)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	for _, id := range evicted {
		m.logger.Info("closed idle terminal session", zap.String("session_id", id))
	}
	return len(evicted)
}

// Run sweeps idle sessions every sweep interval until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	interval := m.settings.SweepInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("terminal idle sweep started",
		zap.Duration("interval", interval),
		zap.Duration("idle_timeout", m.settings.IdleTimeout))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("terminal idle sweep stopped")
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info("terminal idle sweep finished", zap.Int("closed", n))
			}
		}
	}
}

// touch refreshes the session's last activity and returns a copy of it
func (m *Manager) touch(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, errdefs.SessionNotFound(id)
	}
	if !s.Active {
		return Session{}, errdefs.InvalidState("terminal session %s is not active", id)
	}
	s.LastActivity = m.now()
	return *s, nil
}

func (m *Manager) broadcast(id string, out Output) {
	m.mu.Lock()
	subs := make([]Subscriber, 0, len(m.rooms[id]))
	for _, sub := range m.rooms[id] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	ev := outputEvent(out.Data, out.Type)
	for _, sub := range subs {
		sub.Emit(ev)
	}
}

func (m *Manager) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.settings.CommandTimeout > 0 {
		return context.WithTimeout(ctx, m.settings.CommandTimeout)
	}
	return context.WithCancel(ctx)
}

func outputEvent(data string, typ OutputType) Event {
	return Event{Name: EventOutput, Payload: Output{Data: data, Type: typ}}
}
