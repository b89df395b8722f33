package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

// SandboxLookup reports whether a sandbox exists
type SandboxLookup interface {
	Status(ctx context.Context, id string) (sandbox.Sandbox, error)
}

// Settings sizes the worker pool
type Settings struct {
	Workers   int
	QueueSize int
	// Timeout bounds each job; zero leaves jobs unbounded.
	Timeout time.Duration
}

// SubmitRequest holds the parameters of a new job
type SubmitRequest struct {
	SandboxID   string
	Command     string
	WorkingDir  string
	SubmittedBy string
}

// entry is one live job. mu serialises the job's transitions and their
// persistence so a late completion can never overwrite a cancellation.
type entry struct {
	mu     sync.Mutex
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
}

// Orchestrator turns commands into tracked jobs run by a bounded worker pool
type Orchestrator struct {
	logger    *zap.Logger
	executor  sandbox.SandboxExecutor
	sandboxes SandboxLookup
	store     Store
	settings  Settings
	now       func() time.Time
	newID     func() string

	// mu guards live and stopped. Submit enqueues under it so Stop's drain
	// sees every job accepted before shutdown.
	mu      sync.Mutex
	live    map[string]*entry
	stopped bool

	queue      chan *entry
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Option defines a functional option for Orchestrator
type Option func(*Orchestrator)

// WithClock sets the time source for job timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator sets the job id generator
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// New creates an Orchestrator. Workers do not run until Start is called.
func New(logger *zap.Logger, executor sandbox.SandboxExecutor, sandboxes SandboxLookup, store Store, settings Settings, opts ...Option) *Orchestrator {
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.QueueSize <= 0 {
		settings.QueueSize = 1
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:     logger.Named("jobs"),
		executor:   executor,
		sandboxes:  sandboxes,
		store:      store,
		settings:   settings,
		now:        time.Now,
		newID:      uuid.NewString,
		live:       make(map[string]*entry),
		queue:      make(chan *entry, settings.QueueSize),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// NewFromConfig is the fx constructor for Orchestrator
func NewFromConfig(cfg *config.Config, logger *zap.Logger, executor *sandbox.Executor, manager *sandbox.Manager, store Store) *Orchestrator {
	return New(logger, executor, manager, store, Settings{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
		Timeout:   cfg.JobTimeout(),
	})
}

// Start launches the worker pool
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		for i := 0; i < o.settings.Workers; i++ {
			o.wg.Add(1)
			go o.worker(i)
		}
		o.logger.Info("job workers started",
			zap.Int("workers", o.settings.Workers),
			zap.Int("queue_size", o.settings.QueueSize))
	})
}

// Stop cancels in-flight jobs, fails queued ones and waits for the workers
// until ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		o.mu.Unlock()
		o.baseCancel()
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop job workers: %w", ctx.Err())
	}

	for {
		select {
		case e := <-o.queue:
			o.abandon(e)
		default:
			metrics.QueueDepth.Set(0)
			o.logger.Info("job workers stopped")
			return nil
		}
	}
}

// Submit records a pending job and queues it. It fails with QueueFull when
// the queue is at capacity.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	if req.Command == "" {
		return Job{}, errdefs.InvalidArgument("command must not be empty")
	}
	if _, err := o.sandboxes.Status(ctx, req.SandboxID); err != nil {
		return Job{}, err
	}
	jobCtx, cancel := context.WithCancel(o.baseCtx)
	e := &entry{
		job: Job{
			ID:          o.newID(),
			SandboxID:   req.SandboxID,
			Command:     req.Command,
			WorkingDir:  req.WorkingDir,
			Status:      StatusPending,
			SubmittedBy: req.SubmittedBy,
			CreatedAt:   o.now(),
		},
		ctx:    jobCtx,
		cancel: cancel,
	}

	// Held until the pending record is persisted so a worker cannot overtake it.
	e.mu.Lock()
	defer e.mu.Unlock()

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		cancel()
		return Job{}, errdefs.InvalidState("job orchestrator is shutting down")
	}
	select {
	case o.queue <- e:
		o.live[e.job.ID] = e
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		cancel()
		return Job{}, errdefs.QueueFull(o.settings.QueueSize)
	}
	metrics.QueueDepth.Set(float64(len(o.queue)))

	o.persist(e.job)
	o.logger.Info("job submitted",
		zap.String("job_id", e.job.ID),
		zap.String("sandbox_id", e.job.SandboxID),
		zap.String("submitted_by", e.job.SubmittedBy))

	return e.job, nil
}

// Result returns the job from the live table, falling back to the store
func (o *Orchestrator) Result(ctx context.Context, id string) (Job, error) {
	if e, ok := o.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job, nil
	}
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// Cancel marks a pending or running job stopped and drops it from the live table
func (o *Orchestrator) Cancel(ctx context.Context, id string) (Job, error) {
	e, ok := o.lookup(id)
	if !ok {
		job, err := o.store.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		return Job{}, errdefs.InvalidState("job %s is already %s", id, job.Status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.IsTerminal() {
		return Job{}, errdefs.InvalidState("job %s is already %s", id, e.job.Status)
	}

	previous := e.job.Status
	completed := o.now()
	e.job.Status = StatusStopped
	e.job.CompletedAt = &completed
	e.cancel()

	o.persist(e.job)
	o.removeLive(id)
	metrics.JobsTotal.WithLabelValues(string(StatusStopped)).Inc()
	o.logger.Info("job cancelled", zap.String("job_id", id), zap.String("previous_status", string(previous)))

	return e.job, nil
}

// ListRunning returns the jobs currently in the live table, oldest first
func (o *Orchestrator) ListRunning() []Summary {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.live))
	for _, e := range o.live {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.job.Status.IsTerminal() {
			out = append(out, e.job.Summary())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// QueueDepth returns the number of jobs waiting for a worker
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) worker(n int) {
	defer o.wg.Done()
	for {
		select {
		case e := <-o.queue:
			metrics.QueueDepth.Set(float64(len(o.queue)))
			if o.baseCtx.Err() != nil {
				o.abandon(e)
				continue
			}
			metrics.ActiveWorkers.Inc()
			o.run(e)
			metrics.ActiveWorkers.Dec()
		case <-o.baseCtx.Done():
			o.logger.Debug("job worker stopping", zap.Int("worker_id", n))
			return
		}
	}
}

func (o *Orchestrator) run(e *entry) {
	defer e.cancel()

	e.mu.Lock()
	if e.job.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	started := o.now()
	e.job.Status = StatusRunning
	e.job.StartedAt = &started
	req := sandbox.ExecuteRequest{
		SandboxID:  e.job.SandboxID,
		Command:    e.job.Command,
		WorkingDir: e.job.WorkingDir,
	}
	o.persist(e.job)
	e.mu.Unlock()

	runCtx := e.ctx
	if o.settings.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(e.ctx, o.settings.Timeout)
		defer cancel()
	}

	res, err := o.executor.Execute(runCtx, req)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status == StatusStopped {
		o.logger.Info("discarding result of cancelled job", zap.String("job_id", e.job.ID))
		return
	}

	completed := o.now()
	e.job.CompletedAt = &completed
	e.job.ElapsedMs = completed.Sub(started).Milliseconds()

	if err != nil {
		e.job.Status = StatusFailed
		e.job.Error = err.Error()
		o.logger.Warn("job failed to execute", zap.String("job_id", e.job.ID), zap.Error(err))
	} else {
		exitCode := res.ExitCode
		e.job.Stdout = res.Stdout
		e.job.Stderr = res.Stderr
		e.job.ExitCode = &exitCode
		if exitCode == 0 {
			e.job.Status = StatusCompleted
		} else {
			e.job.Status = StatusFailed
		}
	}

	o.persist(e.job)
	o.removeLive(e.job.ID)

	metrics.JobsTotal.WithLabelValues(string(e.job.Status)).Inc()
	metrics.JobDuration.Observe(float64(e.job.ElapsedMs))
	o.logger.Info("job finished",
		zap.String("job_id", e.job.ID),
		zap.String("status", string(e.job.Status)),
		zap.Int64("elapsed_ms", e.job.ElapsedMs))
}

// abandon fails a job that was still queued at shutdown
func (o *Orchestrator) abandon(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != StatusPending {
		return
	}
	completed := o.now()
	e.job.Status = StatusFailed
	e.job.Error = "server shut down before the job ran"
	e.job.CompletedAt = &completed
	o.persist(e.job)
	o.removeLive(e.job.ID)
}

func (o *Orchestrator) lookup(id string) (*entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.live[id]
	return e, ok
}

func (o *Orchestrator) removeLive(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.live, id)
}

// persist writes the record to the store. Store failures are logged; the live
// table stays authoritative until the job leaves it.
func (o *Orchestrator) persist(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.Put(ctx, job); err != nil {
		o.logger.Error("failed to persist job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err))
	}
}
