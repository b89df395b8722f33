package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/jobs"
)

func TestMemoryJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindJobNotFound, errdefs.KindOf(err))

	code := 7
	job := jobs.Job{ID: "j1", SandboxID: "s1", Command: "exit 7", Status: jobs.StatusFailed, ExitCode: &code, CreatedAt: time.Now()}
	require.NoError(t, m.Put(ctx, job))

	got, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 7, *got.ExitCode)

	job.Status = jobs.StatusStopped
	require.NoError(t, m.Put(ctx, job))
	got, err = m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusStopped, got.Status)
}

func TestMemoryProjects(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.ResolveProjectSandbox(ctx, "p1")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSandboxNotFound, errdefs.KindOf(err))

	require.NoError(t, m.BindProject(ctx, "p1", "s1"))
	id, err := m.ResolveProjectSandbox(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	require.NoError(t, m.BindProject(ctx, "p1", "s2"))
	id, err = m.ResolveProjectSandbox(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "s2", id)
}

func TestNew(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		s, err := New(context.Background(), &config.Config{Store: config.StoreConfig{Driver: "memory"}}, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.IsType(t, &Memory{}, s)
		s.Close()
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := New(context.Background(), &config.Config{Store: config.StoreConfig{Driver: "sqlite"}}, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported store driver")
	})

	t.Run("PostgresBadDSN", func(t *testing.T) {
		_, err := New(context.Background(), &config.Config{Store: config.StoreConfig{Driver: "postgres", DSN: "postgres://%zz"}}, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse database config")
	})
}
