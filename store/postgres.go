package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/errdefs"
	"github.com/isdmx/runbox/jobs"
)

const pingTimeout = 10 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS execution_results (
	job_id       TEXT PRIMARY KEY,
	sandbox_id   TEXT NOT NULL,
	command      TEXT NOT NULL,
	working_dir  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	stdout       TEXT NOT NULL DEFAULT '',
	stderr       TEXT NOT NULL DEFAULT '',
	exit_code    INTEGER,
	error        TEXT NOT NULL DEFAULT '',
	elapsed_ms   BIGINT NOT NULL DEFAULT 0,
	submitted_by TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS project_sandboxes (
	project_id TEXT PRIMARY KEY,
	sandbox_id TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const upsertJob = `
INSERT INTO execution_results (
	job_id, sandbox_id, command, working_dir, status, stdout, stderr, exit_code,
	error, elapsed_ms, submitted_by, created_at, started_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	stdout = EXCLUDED.stdout,
	stderr = EXCLUDED.stderr,
	exit_code = EXCLUDED.exit_code,
	error = EXCLUDED.error,
	elapsed_ms = EXCLUDED.elapsed_ms,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at`

const selectJob = `
SELECT job_id, sandbox_id, command, working_dir, status, stdout, stderr, exit_code,
	error, elapsed_ms, submitted_by, created_at, started_at, completed_at
FROM execution_results WHERE job_id = $1`

// Postgres stores job results and project bindings in PostgreSQL
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects, pings and applies the schema
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "runbox"
	poolConfig.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("database connection established")
	return &Postgres{pool: pool, logger: logger.Named("store")}, nil
}

func (p *Postgres) Put(ctx context.Context, job jobs.Job) error {
	_, err := p.pool.Exec(ctx, upsertJob,
		job.ID, job.SandboxID, job.Command, job.WorkingDir, string(job.Status),
		job.Stdout, job.Stderr, job.ExitCode, job.Error, job.ElapsedMs,
		job.SubmittedBy, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record execution result: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (jobs.Job, error) {
	var (
		job    jobs.Job
		status string
	)
	err := p.pool.QueryRow(ctx, selectJob, id).Scan(
		&job.ID, &job.SandboxID, &job.Command, &job.WorkingDir, &status,
		&job.Stdout, &job.Stderr, &job.ExitCode, &job.Error, &job.ElapsedMs,
		&job.SubmittedBy, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, errdefs.JobNotFound(id)
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("failed to load execution result: %w", err)
	}
	job.Status = jobs.Status(status)
	return job, nil
}

func (p *Postgres) ResolveProjectSandbox(ctx context.Context, projectID string) (string, error) {
	var sandboxID string
	err := p.pool.QueryRow(ctx,
		`SELECT sandbox_id FROM project_sandboxes WHERE project_id = $1`, projectID).Scan(&sandboxID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errdefs.New(errdefs.KindSandboxNotFound, fmt.Sprintf("no sandbox bound to project %s", projectID))
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve project sandbox: %w", err)
	}
	return sandboxID, nil
}

func (p *Postgres) BindProject(ctx context.Context, projectID, sandboxID string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO project_sandboxes (project_id, sandbox_id, updated_at) VALUES ($1, $2, now())
ON CONFLICT (project_id) DO UPDATE SET sandbox_id = EXCLUDED.sandbox_id, updated_at = now()`,
		projectID, sandboxID)
	if err != nil {
		return fmt.Errorf("failed to bind project sandbox: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.logger.Info("closing database connection pool")
	p.pool.Close()
}
