package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/jobs"
)

// Store persists job results and the project to sandbox bindings
type Store interface {
	jobs.Store
	// ResolveProjectSandbox returns the sandbox bound to a project, or a
	// SandboxNotFound error when the project has none.
	ResolveProjectSandbox(ctx context.Context, projectID string) (string, error)
	BindProject(ctx context.Context, projectID, sandboxID string) error
	Close()
}

// New opens the store selected by store.driver
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.Store.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
