package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// NewRuntime creates the container runtime selected by sandbox.backend
func NewRuntime(cfg *config.Config, logger *zap.Logger) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerRuntime(logger)
	case "podman":
		return NewPodmanRuntime(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
