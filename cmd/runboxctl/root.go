package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/sandbox"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "runboxctl",
	Short: "Operator CLI for runbox sandboxes",
	Long: `runboxctl inspects and cleans up the sandbox containers managed by runbox.

It talks to the same container engine as the server, using the same
configuration file, and only touches containers carrying the runbox labels.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// env is what every subcommand works against
type env struct {
	cfg     *config.Config
	log     *zap.Logger
	rt      sandbox.Runtime
	manager *sandbox.Manager
}

func (e *env) Close() {
	_ = e.rt.Close()
	_ = e.log.Sync()
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.New()
}

// openEnv loads config, connects to the runtime and adopts existing sandboxes
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New("development", level)
	if err != nil {
		return nil, err
	}

	rt, err := sandbox.NewRuntime(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Sandbox.Backend, err)
	}

	manager := sandbox.NewManagerFromConfig(cfg, log, rt, sandbox.NewRegistry())
	if _, err := manager.Sync(ctx); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	return &env{cfg: cfg, log: log, rt: rt, manager: manager}, nil
}
