package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/metrics"
)

var workspaceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Settings holds the lifecycle defaults for a Manager
type Settings struct {
	NamePrefix     string
	WorkspaceRoot  string
	MountPoint     string
	DefaultCPU     string
	DefaultMemory  string
	StopGrace      time.Duration
	KeepWorkspaces bool
	// Images maps a language to the image its sandboxes run.
	Images map[string]string
}

// SettingsFromConfig extracts the manager settings from the application config
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		NamePrefix:     cfg.Sandbox.NamePrefix,
		WorkspaceRoot:  cfg.Sandbox.WorkspaceRoot,
		MountPoint:     cfg.Sandbox.MountPoint,
		DefaultCPU:     cfg.Sandbox.DefaultCPU,
		DefaultMemory:  cfg.Sandbox.DefaultMemory,
		StopGrace:      cfg.StopGrace(),
		KeepWorkspaces: cfg.Sandbox.KeepWorkspaces,
		Images:         cfg.Images(),
	}
}

// CreateRequest holds the parameters for a new sandbox
type CreateRequest struct {
	Language    string
	WorkspaceID string
	CPU         string
	Memory      string
}

// ImageStatus reports whether a language image is available to the runtime
type ImageStatus struct {
	Language string `json:"language"`
	Image    string `json:"image"`
	Present  bool   `json:"present"`
}

// Manager owns the sandbox lifecycle on top of a Runtime
type Manager struct {
	logger   *zap.Logger
	runtime  Runtime
	registry *Registry
	settings Settings
	fs       FileSystem
	now      func() time.Time
	newID    func() string
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithFileSystem sets the FileSystem used for host workspaces
func WithFileSystem(fs FileSystem) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithClock sets the time source used for creation times and garbage collection
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithWorkspaceIDGenerator sets the generator for workspace ids omitted by callers
func WithWorkspaceIDGenerator(newID func() string) ManagerOption {
	return func(m *Manager) {
		m.newID = newID
	}
}

// NewManager creates a new Manager with default implementations and optional overrides
func NewManager(logger *zap.Logger, runtime Runtime, registry *Registry, settings Settings, opts ...ManagerOption) *Manager {
	if settings.MountPoint == "" {
		settings.MountPoint = "/workspace"
	}
	if settings.Images == nil {
		settings.Images = map[string]string{}
	}

	m := &Manager{
		logger:   logger.Named("sandbox"),
		runtime:  runtime,
		registry: registry,
		settings: settings,
		fs:       RealFileSystem{},
		now:      time.Now,
		newID:    func() string { return uuid.NewString()[:12] },
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewManagerFromConfig is the fx constructor for Manager
func NewManagerFromConfig(cfg *config.Config, logger *zap.Logger, runtime Runtime, registry *Registry) *Manager {
	return NewManager(logger, runtime, registry, SettingsFromConfig(cfg))
}

// MountPoint returns the in-sandbox path of the workspace
func (m *Manager) MountPoint() string {
	return m.settings.MountPoint
}

// Create provisions a new sandbox in the created state
//
//nolint:funlen // linear provisioning steps
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Sandbox, error) {
	image, ok := m.settings.Images[req.Language]
	if !ok || image == "" {
		return Sandbox{}, errdefs.New(errdefs.KindImageNotFound,
			fmt.Sprintf("no image configured for language %q", req.Language))
	}

	cpu := req.CPU
	if cpu == "" {
		cpu = m.settings.DefaultCPU
	}
	memory := req.Memory
	if memory == "" {
		memory = m.settings.DefaultMemory
	}
	limits, err := ParseLimits(cpu, memory)
	if err != nil {
		return Sandbox{}, err
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = m.newID()
	}
	if !workspaceIDPattern.MatchString(workspaceID) {
		return Sandbox{}, errdefs.InvalidArgument("invalid workspace id %q", workspaceID)
	}

	exists, err := m.runtime.ImageExists(ctx, image)
	if err != nil {
		return Sandbox{}, errdefs.RuntimeFailed("image lookup", err)
	}
	if !exists {
		return Sandbox{}, errdefs.ImageNotFound(image)
	}

	workspaceDir, err := securejoin.SecureJoin(m.settings.WorkspaceRoot,
		fmt.Sprintf("workspace-%s-%s", req.Language, workspaceID))
	if err != nil {
		return Sandbox{}, errdefs.Wrap(errdefs.KindRuntimeError, "failed to resolve workspace dir", err)
	}
	if holder, ok := m.workspaceHolder(workspaceDir, ""); ok {
		return Sandbox{}, errdefs.InvalidState("workspace %s of language %s is in use by sandbox %s",
			workspaceID, req.Language, holder)
	}
	// only a directory created here may be cleaned up on failure
	preexisting, err := m.fs.Exists(workspaceDir)
	if err != nil {
		return Sandbox{}, errdefs.Wrap(errdefs.KindRuntimeError, "failed to inspect workspace dir", err)
	}
	if err := m.fs.MkdirAll(workspaceDir, DirPermission); err != nil {
		return Sandbox{}, errdefs.Wrap(errdefs.KindRuntimeError, "failed to create workspace dir", err)
	}

	name := fmt.Sprintf("%s-%s-%s", m.settings.NamePrefix, req.Language, workspaceID)
	id, err := m.runtime.Create(ctx, CreateSpec{
		Name:  name,
		Image: image,
		Labels: map[string]string{
			LabelManaged:      "true",
			LabelLanguage:     req.Language,
			LabelWorkspace:    workspaceID,
			LabelWorkspaceDir: workspaceDir,
			LabelCPU:          limits.CPU,
			LabelMemory:       limits.Memory,
		},
		CPUQuota:    limits.CPUQuota,
		CPUPeriod:   limits.CPUPeriod,
		MemoryBytes: limits.MemoryBytes,
		HostDir:     workspaceDir,
		MountPoint:  m.settings.MountPoint,
	})
	if err != nil {
		if !preexisting && !m.settings.KeepWorkspaces {
			m.removeWorkspace(workspaceDir, "")
		}
		return Sandbox{}, errdefs.RuntimeFailed("create", err)
	}

	sb := Sandbox{
		ID:           id,
		Name:         name,
		Language:     req.Language,
		Image:        image,
		WorkspaceID:  workspaceID,
		WorkspaceDir: workspaceDir,
		Limits:       limits,
		Status:       StatusCreated,
		CreatedAt:    m.now(),
	}
	if err := m.registry.Register(sb); err != nil {
		return Sandbox{}, err
	}

	metrics.SandboxesCreated.WithLabelValues(req.Language).Inc()
	m.logger.Info("sandbox created",
		zap.String("sandbox_id", id),
		zap.String("name", name),
		zap.String("language", req.Language),
		zap.String("image", image),
		zap.Int64("cpu_quota", limits.CPUQuota),
		zap.Int64("memory_bytes", limits.MemoryBytes))

	return sb, nil
}

// lookup returns the live record for id, distinguishing removed from unknown ids
func (m *Manager) lookup(id string) (Sandbox, error) {
	sb, ok := m.registry.Get(id)
	if !ok {
		return Sandbox{}, errdefs.SandboxNotFound(id)
	}
	if sb.Status == StatusRemoved {
		return Sandbox{}, errdefs.New(errdefs.KindSandboxNotFound, fmt.Sprintf("sandbox %s has been removed", id))
	}
	return sb, nil
}

// Start runs a created or stopped sandbox. Starting a running sandbox is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	sb, err := m.Status(ctx, id)
	if err != nil {
		return err
	}
	if sb.Status == StatusRunning {
		return nil
	}

	if err := m.runtime.Start(ctx, id); err != nil {
		m.registry.SetStatus(id, StatusError)
		return errdefs.RuntimeFailed("start", err)
	}

	m.registry.SetStatus(id, StatusRunning)
	m.logger.Info("sandbox started", zap.String("sandbox_id", id))
	return nil
}

// EnsureRunning starts the sandbox if the runtime reports it is not running
// and returns its record.
func (m *Manager) EnsureRunning(ctx context.Context, id string) (Sandbox, error) {
	if err := m.Start(ctx, id); err != nil {
		return Sandbox{}, err
	}
	return m.lookup(id)
}

// Stop halts a running sandbox. A negative grace uses the configured default.
// Stopping a sandbox that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	sb, err := m.Status(ctx, id)
	if err != nil {
		return err
	}
	if sb.Status == StatusStopped || sb.Status == StatusCreated {
		return nil
	}
	if grace < 0 {
		grace = m.settings.StopGrace
	}

	if err := m.runtime.Stop(ctx, id, grace); err != nil {
		return errdefs.RuntimeFailed("stop", err)
	}

	m.registry.SetStatus(id, StatusStopped)
	m.logger.Info("sandbox stopped", zap.String("sandbox_id", id), zap.Duration("grace", grace))
	return nil
}

// Remove destroys the sandbox and its host workspace. Removing an already
// removed sandbox succeeds.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if m.registry.IsRemoved(id) {
		return nil
	}
	sb, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := m.runtime.Remove(ctx, id); err != nil && !errors.Is(err, ErrContainerNotFound) {
		return errdefs.RuntimeFailed("remove", err)
	}

	m.registry.MarkRemoved(id)
	if !m.settings.KeepWorkspaces {
		m.removeWorkspace(sb.WorkspaceDir, id)
	}

	metrics.SandboxesRemoved.WithLabelValues("request").Inc()
	m.logger.Info("sandbox removed", zap.String("sandbox_id", id))
	return nil
}

// Status returns the sandbox record, refreshed from the runtime when possible.
// Removed sandboxes report SandboxNotFound.
func (m *Manager) Status(ctx context.Context, id string) (Sandbox, error) {
	sb, err := m.lookup(id)
	if err != nil {
		return Sandbox{}, err
	}

	info, err := m.runtime.Inspect(ctx, id)
	switch {
	case errors.Is(err, ErrContainerNotFound):
		m.logger.Warn("sandbox vanished from runtime", zap.String("sandbox_id", id))
		m.registry.MarkRemoved(id)
		return Sandbox{}, errdefs.Wrap(errdefs.KindSandboxNotFound, "sandbox container is gone", err)
	case err != nil:
		m.logger.Warn("failed to refresh sandbox status", zap.String("sandbox_id", id), zap.Error(err))
	default:
		if status := StatusFromState(info.State); status != sb.Status {
			m.registry.SetStatus(id, status)
			sb.Status = status
		}
	}

	return sb, nil
}

// List returns running sandboxes, or every live sandbox when includeStopped is set
func (m *Manager) List(_ context.Context, includeStopped bool) []Sandbox {
	all := m.registry.List()
	if includeStopped {
		return all
	}

	running := make([]Sandbox, 0, len(all))
	for _, sb := range all {
		if sb.Status == StatusRunning {
			running = append(running, sb)
		}
	}
	return running
}

// Expired returns the managed containers created more than maxAge ago
func (m *Manager) Expired(ctx context.Context, maxAge time.Duration) ([]ContainerInfo, error) {
	prefix := m.settings.NamePrefix + "-"
	containers, err := m.runtime.List(ctx, prefix)
	if err != nil {
		return nil, errdefs.RuntimeFailed("list", err)
	}

	now := m.now()
	var expired []ContainerInfo
	for _, c := range containers {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		if now.Sub(c.Created) > maxAge {
			expired = append(expired, c)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Created.Before(expired[j].Created)
	})
	return expired, nil
}

// GarbageCollect removes managed sandboxes created more than maxAge ago. A
// failure on one sandbox is logged and the sweep continues.
func (m *Manager) GarbageCollect(ctx context.Context, maxAge time.Duration) (int, error) {
	expired, err := m.Expired(ctx, maxAge)
	if err != nil {
		return 0, err
	}

	now := m.now()
	removed := 0
	for _, c := range expired {
		if err := m.runtime.Remove(ctx, c.ID); err != nil && !errors.Is(err, ErrContainerNotFound) {
			m.logger.Error("failed to collect sandbox",
				zap.String("sandbox_id", c.ID),
				zap.String("name", c.Name),
				zap.Error(err))
			continue
		}

		workspaceDir := c.Labels[LabelWorkspaceDir]
		if sb, ok := m.registry.Get(c.ID); ok {
			workspaceDir = sb.WorkspaceDir
		}
		m.registry.MarkRemoved(c.ID)
		if workspaceDir != "" && !m.settings.KeepWorkspaces {
			m.removeWorkspace(workspaceDir, c.ID)
		}

		removed++
		metrics.SandboxesRemoved.WithLabelValues("gc").Inc()
		m.logger.Info("collected sandbox",
			zap.String("sandbox_id", c.ID),
			zap.String("name", c.Name),
			zap.Duration("age", now.Sub(c.Created)))
	}

	return removed, nil
}

// RunGarbageCollector collects sandboxes older than maxAge every interval
// until ctx is cancelled.
func (m *Manager) RunGarbageCollector(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("periodic garbage collection started",
		zap.Duration("interval", interval),
		zap.Duration("max_age", maxAge))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.GarbageCollect(ctx, maxAge)
			if err != nil {
				m.logger.Warn("garbage collection failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				m.logger.Info("garbage collection finished", zap.Int("removed", removed))
			}
		}
	}
}

// RuntimeInfo reports the runtime summary together with the managed sandbox count
func (m *Manager) RuntimeInfo(ctx context.Context) (RuntimeInfo, error) {
	info, err := m.runtime.Info(ctx)
	if err != nil {
		return RuntimeInfo{Backend: m.runtime.Name()}, errdefs.RuntimeFailed("info", err)
	}
	info.Backend = m.runtime.Name()
	info.Reachable = true
	info.ManagedSandboxes = m.registry.Len()
	return info, nil
}

// Images reports, per configured language, whether its image is present
func (m *Manager) Images(ctx context.Context) ([]ImageStatus, error) {
	languages := make([]string, 0, len(m.settings.Images))
	for lang := range m.settings.Images {
		languages = append(languages, lang)
	}
	sort.Strings(languages)

	out := make([]ImageStatus, 0, len(languages))
	for _, lang := range languages {
		image := m.settings.Images[lang]
		present, err := m.runtime.ImageExists(ctx, image)
		if err != nil {
			return nil, errdefs.RuntimeFailed("image lookup", err)
		}
		out = append(out, ImageStatus{Language: lang, Image: image, Present: present})
	}
	return out, nil
}

// Sync adopts managed containers left by a previous process into the registry
func (m *Manager) Sync(ctx context.Context) (int, error) {
	prefix := m.settings.NamePrefix + "-"
	containers, err := m.runtime.List(ctx, prefix)
	if err != nil {
		return 0, errdefs.RuntimeFailed("list", err)
	}

	adopted := 0
	for _, c := range containers {
		if !strings.HasPrefix(c.Name, prefix) || c.Labels[LabelManaged] != "true" {
			continue
		}
		if _, ok := m.registry.Get(c.ID); ok {
			continue
		}

		limits, err := ParseLimits(c.Labels[LabelCPU], c.Labels[LabelMemory])
		if err != nil {
			m.logger.Warn("adopting sandbox with unreadable limits", zap.String("sandbox_id", c.ID), zap.Error(err))
			limits = Limits{CPU: c.Labels[LabelCPU], Memory: c.Labels[LabelMemory]}
		}

		sb := Sandbox{
			ID:           c.ID,
			Name:         c.Name,
			Language:     c.Labels[LabelLanguage],
			Image:        c.Image,
			WorkspaceID:  c.Labels[LabelWorkspace],
			WorkspaceDir: c.Labels[LabelWorkspaceDir],
			Limits:       limits,
			Status:       StatusFromState(c.State),
			CreatedAt:    c.Created,
		}
		if err := m.registry.Register(sb); err != nil {
			m.logger.Warn("failed to adopt sandbox", zap.String("sandbox_id", c.ID), zap.Error(err))
			continue
		}
		adopted++
	}

	if adopted > 0 {
		m.logger.Info("adopted existing sandboxes", zap.Int("count", adopted))
	}
	return adopted, nil
}

// workspaceHolder returns a live sandbox other than exceptID bound to dir
func (m *Manager) workspaceHolder(dir, exceptID string) (string, bool) {
	for _, sb := range m.registry.List() {
		if sb.ID != exceptID && sb.WorkspaceDir == dir {
			return sb.ID, true
		}
	}
	return "", false
}

// removeWorkspace deletes dir unless another live sandbox still binds it.
// owner is the sandbox giving the directory up.
func (m *Manager) removeWorkspace(dir, owner string) {
	if holder, ok := m.workspaceHolder(dir, owner); ok {
		m.logger.Warn("keeping workspace directory bound by another sandbox",
			zap.String("path", dir),
			zap.String("sandbox_id", holder))
		return
	}
	if err := m.fs.RemoveAll(dir); err != nil {
		m.logger.Error("failed to remove workspace directory", zap.String("path", dir), zap.Error(err))
	}
}
