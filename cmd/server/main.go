package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/jobs"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/store"
	"github.com/isdmx/runbox/terminal"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Container runtime based on config
			sandbox.NewRuntime,
			sandbox.NewRegistry,
			sandbox.NewManagerFromConfig,
			sandbox.NewExecutor,
			func(e *sandbox.Executor) sandbox.SandboxExecutor { return e },

			// Job results and project bindings
			newStore,
			func(s store.Store) jobs.Store { return s },
			func(s store.Store) terminal.ProjectResolver { return s },
			func(s store.Store) mcpserver.ProjectBinder { return s },

			jobs.NewFromConfig,
			terminal.NewManagerFromConfig,

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(
			registerSandboxes,
			registerJobs,
			registerTerminals,
			registerMetrics,
			registerTransport,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := store.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			s.Close()
			return nil
		},
	})
	return s, nil
}

// registerSandboxes adopts sandboxes left by a previous run and starts periodic GC
func registerSandboxes(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, rt sandbox.Runtime, manager *sandbox.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if _, err := manager.Sync(startCtx); err != nil {
				log.Warn("failed to adopt existing sandboxes", zap.Error(err))
			}
			go func() {
				defer close(done)
				manager.RunGarbageCollector(ctx, cfg.GCInterval(), cfg.GCMaxAge())
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return rt.Close()
		},
	})
}

func registerJobs(lc fx.Lifecycle, orchestrator *jobs.Orchestrator) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			orchestrator.Start()
			return nil
		},
		OnStop: orchestrator.Stop,
	})
}

func registerTerminals(lc fx.Lifecycle, terminals *terminal.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				terminals.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

// registerMetrics serves /metrics on server.metrics_port; port 0 disables it
func registerMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	if cfg.Server.MetricsPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("serving metrics", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// registerTransport starts the MCP server on the configured transport. A
// transport failure shuts the application down.
func registerTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) error {
	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := server.ServeStdio(); err != nil {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	case "http":
		var httpServer interface{ Shutdown(context.Context) error }
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				srv, errCh := server.ServeHTTP()
				httpServer = srv
				go func() {
					if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("http transport stopped", zap.Error(err))
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				if httpServer == nil {
					return nil
				}
				return httpServer.Shutdown(ctx)
			},
		})
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}
	return nil
}
