package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SandboxesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_sandboxes_created_total",
			Help: "Total number of sandboxes created",
		},
		[]string{"language"},
	)

	SandboxesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_sandboxes_removed_total",
			Help: "Total number of sandboxes removed",
		},
		[]string{"reason"}, // reason: "request", "gc"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_job_queue_depth",
			Help: "Current number of jobs waiting in the queue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_workers",
			Help: "Number of workers currently running a job",
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_jobs_total",
			Help: "Total number of jobs by final status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_job_duration_ms",
			Help:    "Job execution time in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_terminal_sessions_active",
			Help: "Number of open terminal sessions",
		},
	)

	TerminalCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_terminal_commands_total",
			Help: "Total number of terminal commands by outcome",
		},
		[]string{"outcome"}, // outcome: "ok", "nonzero", "error", "timeout"
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "outcome"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rate_limit_hits_total",
			Help: "Total number of tool calls rejected by the rate limiter",
		},
	)
)
