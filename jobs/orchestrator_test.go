package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/jobs"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/sandbox/sandboxtest"
	"github.com/isdmx/runbox/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// stubSandboxes knows a fixed set of sandbox ids
type stubSandboxes map[string]bool

func (s stubSandboxes) Status(_ context.Context, id string) (sandbox.Sandbox, error) {
	if !s[id] {
		return sandbox.Sandbox{}, errdefs.SandboxNotFound(id)
	}
	return sandbox.Sandbox{ID: id, Status: sandbox.StatusRunning}, nil
}

// gatedExecutor blocks every command until release is closed
type gatedExecutor struct {
	started chan string
	release chan struct{}
	result  sandbox.ExecuteResult
	err     error
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) {
	g.started <- req.Command
	select {
	case <-g.release:
		return g.result, g.err
	case <-ctx.Done():
		return sandbox.ExecuteResult{}, ctx.Err()
	}
}

// sandboxFixture wires an orchestrator to a real Manager over the fake runtime
func sandboxFixture(t *testing.T, settings jobs.Settings) (*jobs.Orchestrator, string, *store.Memory) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	rt := sandboxtest.NewRuntime("runbox-python:latest")
	manager := sandbox.NewManager(logger, rt, sandbox.NewRegistry(), sandbox.Settings{
		NamePrefix:    "runbox",
		WorkspaceRoot: t.TempDir(),
		DefaultCPU:    "1",
		DefaultMemory: "512m",
		Images:        map[string]string{"python": "runbox-python:latest"},
	})
	sb, err := manager.Create(context.Background(), sandbox.CreateRequest{Language: "python"})
	require.NoError(t, err)

	st := store.NewMemory()
	o := jobs.New(logger, sandbox.NewExecutor(logger, manager), manager, st, settings)
	o.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o, sb.ID, st
}

func waitTerminal(t *testing.T, o *jobs.Orchestrator, id string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = o.Result(context.Background(), id)
		return err == nil && job.Status.IsTerminal()
	}, waitFor, tick)
	return job
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, jobs.StatusPending.IsTerminal())
	assert.False(t, jobs.StatusRunning.IsTerminal())
	assert.True(t, jobs.StatusCompleted.IsTerminal())
	assert.True(t, jobs.StatusFailed.IsTerminal())
	assert.True(t, jobs.StatusStopped.IsTerminal())
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("SuccessfulCommandCompletes", func(t *testing.T) {
		o, sandboxID, st := sandboxFixture(t, jobs.Settings{Workers: 2, QueueSize: 10})

		job, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: sandboxID, Command: "echo hello", SubmittedBy: "alice"})
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusPending, job.Status)
		assert.NotEmpty(t, job.ID)

		done := waitTerminal(t, o, job.ID)
		assert.Equal(t, jobs.StatusCompleted, done.Status)
		assert.Equal(t, "hello\n", done.Stdout)
		require.NotNil(t, done.ExitCode)
		assert.Equal(t, 0, *done.ExitCode)
		assert.NotNil(t, done.StartedAt)
		assert.NotNil(t, done.CompletedAt)
		assert.Equal(t, "alice", done.SubmittedBy)

		persisted, err := st.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, persisted.Status)
	})

	t.Run("NonZeroExitFails", func(t *testing.T) {
		o, sandboxID, _ := sandboxFixture(t, jobs.Settings{Workers: 1, QueueSize: 10})

		job, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: sandboxID, Command: "exit 7"})
		require.NoError(t, err)

		done := waitTerminal(t, o, job.ID)
		assert.Equal(t, jobs.StatusFailed, done.Status)
		require.NotNil(t, done.ExitCode)
		assert.Equal(t, 7, *done.ExitCode)
		assert.Empty(t, done.Error)
	})

	t.Run("UnknownSandbox", func(t *testing.T) {
		o, _, _ := sandboxFixture(t, jobs.Settings{Workers: 1, QueueSize: 10})

		_, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "nope", Command: "pwd"})
		require.Error(t, err)
		assert.Equal(t, errdefs.KindSandboxNotFound, errdefs.KindOf(err))
	})

	t.Run("EmptyCommand", func(t *testing.T) {
		o, sandboxID, _ := sandboxFixture(t, jobs.Settings{Workers: 1, QueueSize: 10})

		_, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: sandboxID})
		require.Error(t, err)
		assert.Equal(t, errdefs.KindInvalidArgument, errdefs.KindOf(err))
	})

	t.Run("ConcurrentSubmissionsKeepTheirOutput", func(t *testing.T) {
		o, sandboxID, _ := sandboxFixture(t, jobs.Settings{Workers: 4, QueueSize: 64})

		const n = 32
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: sandboxID, Command: fmt.Sprintf("echo job-%d", i)})
				assert.NoError(t, err)
				ids[i] = job.ID
			}(i)
		}
		wg.Wait()

		seen := make(map[string]bool, n)
		for i, id := range ids {
			require.NotEmpty(t, id)
			assert.False(t, seen[id], "duplicate job id %s", id)
			seen[id] = true

			done := waitTerminal(t, o, id)
			assert.Equal(t, jobs.StatusCompleted, done.Status)
			assert.Equal(t, fmt.Sprintf("job-%d\n", i), done.Stdout)
		}
	})
}

func TestRuntimeErrorIsRecordedSeparately(t *testing.T) {
	logger := zaptest.NewLogger(t)
	exec := newGatedExecutor()
	exec.err = errdefs.RuntimeFailed("exec", errors.New("container vanished"))
	close(exec.release)

	o := jobs.New(logger, exec, stubSandboxes{"s1": true}, store.NewMemory(), jobs.Settings{Workers: 1, QueueSize: 4})
	o.Start()
	defer func() { _ = o.Stop(context.Background()) }()

	job, err := o.Submit(context.Background(), jobs.SubmitRequest{SandboxID: "s1", Command: "make"})
	require.NoError(t, err)

	done := waitTerminal(t, o, job.ID)
	assert.Equal(t, jobs.StatusFailed, done.Status)
	assert.Nil(t, done.ExitCode)
	assert.Contains(t, done.Error, "container vanished")
	assert.Empty(t, done.Stderr)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("RunningJob", func(t *testing.T) {
		exec := newGatedExecutor()
		st := store.NewMemory()
		o := jobs.New(zaptest.NewLogger(t), exec, stubSandboxes{"s1": true}, st, jobs.Settings{Workers: 1, QueueSize: 4})
		o.Start()
		defer func() { _ = o.Stop(ctx) }()

		job, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "sleep 100"})
		require.NoError(t, err)
		<-exec.started

		running, err := o.Result(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusRunning, running.Status)
		require.Len(t, o.ListRunning(), 1)

		stopped, err := o.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusStopped, stopped.Status)
		assert.Empty(t, o.ListRunning())

		// the worker observes the cancelled context and must not overwrite stopped
		time.Sleep(20 * time.Millisecond)
		got, err := o.Result(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusStopped, got.Status)

		_, err = o.Cancel(ctx, job.ID)
		require.Error(t, err)
		assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
	})

	t.Run("QueuedJobNeverRuns", func(t *testing.T) {
		exec := newGatedExecutor()
		o := jobs.New(zaptest.NewLogger(t), exec, stubSandboxes{"s1": true}, store.NewMemory(), jobs.Settings{Workers: 1, QueueSize: 4})
		o.Start()
		defer func() { _ = o.Stop(ctx) }()

		first, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "first"})
		require.NoError(t, err)
		<-exec.started

		second, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "second"})
		require.NoError(t, err)

		_, err = o.Cancel(ctx, second.ID)
		require.NoError(t, err)

		close(exec.release)
		waitTerminal(t, o, first.ID)

		select {
		case cmd := <-exec.started:
			t.Fatalf("cancelled job ran: %s", cmd)
		case <-time.After(30 * time.Millisecond):
		}

		got, err := o.Result(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusStopped, got.Status)
	})

	t.Run("FinishedJob", func(t *testing.T) {
		o, sandboxID, _ := sandboxFixture(t, jobs.Settings{Workers: 1, QueueSize: 4})

		job, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: sandboxID, Command: "echo done"})
		require.NoError(t, err)
		waitTerminal(t, o, job.ID)

		_, err = o.Cancel(ctx, job.ID)
		require.Error(t, err)
		assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
	})

	t.Run("UnknownJob", func(t *testing.T) {
		o, _, _ := sandboxFixture(t, jobs.Settings{Workers: 1, QueueSize: 4})

		_, err := o.Cancel(ctx, "missing")
		require.Error(t, err)
		assert.Equal(t, errdefs.KindJobNotFound, errdefs.KindOf(err))

		_, err = o.Result(ctx, "missing")
		require.Error(t, err)
		assert.Equal(t, errdefs.KindJobNotFound, errdefs.KindOf(err))
	})
}

func TestQueueFull(t *testing.T) {
	ctx := context.Background()
	exec := newGatedExecutor()
	o := jobs.New(zaptest.NewLogger(t), exec, stubSandboxes{"s1": true}, store.NewMemory(), jobs.Settings{Workers: 1, QueueSize: 1})
	o.Start()
	defer func() {
		close(exec.release)
		_ = o.Stop(ctx)
	}()

	_, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "running"})
	require.NoError(t, err)
	<-exec.started

	_, err = o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "queued"})
	require.NoError(t, err)
	assert.Equal(t, 1, o.QueueDepth())

	_, err = o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "rejected"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindQueueFull, errdefs.KindOf(err))
	assert.Len(t, o.ListRunning(), 2)
}

func TestTimeout(t *testing.T) {
	exec := newGatedExecutor()
	o := jobs.New(zaptest.NewLogger(t), exec, stubSandboxes{"s1": true}, store.NewMemory(),
		jobs.Settings{Workers: 1, QueueSize: 1, Timeout: 20 * time.Millisecond})
	o.Start()
	defer func() { _ = o.Stop(context.Background()) }()

	job, err := o.Submit(context.Background(), jobs.SubmitRequest{SandboxID: "s1", Command: "forever"})
	require.NoError(t, err)

	done := waitTerminal(t, o, job.ID)
	assert.Equal(t, jobs.StatusFailed, done.Status)
	assert.Contains(t, done.Error, context.DeadlineExceeded.Error())
}

func TestStopFailsQueuedJobs(t *testing.T) {
	ctx := context.Background()
	exec := newGatedExecutor()
	st := store.NewMemory()
	o := jobs.New(zaptest.NewLogger(t), exec, stubSandboxes{"s1": true}, st, jobs.Settings{Workers: 1, QueueSize: 4})
	o.Start()

	running, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "running"})
	require.NoError(t, err)
	<-exec.started
	queued, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "queued"})
	require.NoError(t, err)

	require.NoError(t, o.Stop(ctx))

	got, err := st.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)

	got, err = st.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "shut down")

	_, err = o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: "late"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
}

func TestSubmitRacingStop(t *testing.T) {
	ctx := context.Background()
	exec := newGatedExecutor()
	st := store.NewMemory()
	o := jobs.New(zaptest.NewLogger(t), exec, stubSandboxes{"s1": true}, st, jobs.Settings{Workers: 1, QueueSize: 64})
	o.Start()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := o.Submit(ctx, jobs.SubmitRequest{SandboxID: "s1", Command: fmt.Sprintf("job-%d", i)})
			if err != nil {
				assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
				return
			}
			mu.Lock()
			accepted = append(accepted, job.ID)
			mu.Unlock()
		}(i)
	}
	require.NoError(t, o.Stop(ctx))
	wg.Wait()

	assert.Empty(t, o.ListRunning())
	assert.Equal(t, 0, o.QueueDepth())
	for _, id := range accepted {
		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Status.IsTerminal(), "job %s left %s", id, got.Status)
	}
}
