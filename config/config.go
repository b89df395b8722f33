package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Jobs      JobsConfig          `mapstructure:"jobs"`
	Terminal  TerminalConfig      `mapstructure:"terminal"`
	Store     StoreConfig         `mapstructure:"store"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport      string  `mapstructure:"transport"`
	HTTPPort       int     `mapstructure:"http_port"`
	MetricsPort    int     `mapstructure:"metrics_port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// SandboxConfig holds sandbox lifecycle configuration
type SandboxConfig struct {
	Backend        string `mapstructure:"backend"`
	NamePrefix     string `mapstructure:"name_prefix"`
	WorkspaceRoot  string `mapstructure:"workspace_root"`
	MountPoint     string `mapstructure:"mount_point"`
	DefaultCPU     string `mapstructure:"default_cpu"`
	DefaultMemory  string `mapstructure:"default_memory"`
	StopGraceSec   int    `mapstructure:"stop_grace_sec"`
	GCMaxAgeHours  int    `mapstructure:"gc_max_age_hours"`
	GCIntervalMin  int    `mapstructure:"gc_interval_min"`
	KeepWorkspaces bool   `mapstructure:"keep_workspaces"`
}

// JobsConfig holds execution orchestrator configuration
type JobsConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueSize  int `mapstructure:"queue_size"`
	TimeoutSec int `mapstructure:"timeout_sec"`
}

// TerminalConfig holds terminal session configuration
type TerminalConfig struct {
	IdleTimeoutMin    int `mapstructure:"idle_timeout_min"`
	SweepIntervalMin  int `mapstructure:"sweep_interval_min"`
	CommandTimeoutSec int `mapstructure:"command_timeout_sec"`
}

// StoreConfig selects where job results and project bindings live
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language holds the per-language runtime settings
type Language struct {
	Image string `mapstructure:"image"`
}

// DefaultLanguages lists the languages configured out of the box.
var DefaultLanguages = []string{"python", "nodejs", "java", "go", "rust", "php", "cpp"}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	return load(v)
}

// Load reads configuration from an explicit file path
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.rate_limit_burst", 40)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.name_prefix", "runbox")
	v.SetDefault("sandbox.workspace_root", "/tmp/runbox-workspaces")
	v.SetDefault("sandbox.mount_point", "/workspace")
	v.SetDefault("sandbox.default_cpu", "1")
	v.SetDefault("sandbox.default_memory", "512m")
	v.SetDefault("sandbox.stop_grace_sec", 10)
	v.SetDefault("sandbox.gc_max_age_hours", 24)
	v.SetDefault("sandbox.gc_interval_min", 0)
	v.SetDefault("sandbox.keep_workspaces", false)

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_size", 100)
	v.SetDefault("jobs.timeout_sec", 0)

	v.SetDefault("terminal.idle_timeout_min", 60)
	v.SetDefault("terminal.sweep_interval_min", 5)
	v.SetDefault("terminal.command_timeout_sec", 30)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	for _, lang := range DefaultLanguages {
		v.SetDefault(fmt.Sprintf("languages.%s.image", lang), fmt.Sprintf("runbox-%s:latest", lang))
	}
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.MetricsPort < 0 {
		return fmt.Errorf("server.metrics_port must not be negative, got: %d", c.Server.MetricsPort)
	}

	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("server.rate_limit_burst must be positive when rate limiting is on, got: %d", c.Server.RateLimitBurst)
	}

	if c.Sandbox.Backend != "docker" && c.Sandbox.Backend != "podman" {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.NamePrefix == "" {
		return fmt.Errorf("sandbox.name_prefix must not be empty")
	}

	if c.Sandbox.WorkspaceRoot == "" {
		return fmt.Errorf("sandbox.workspace_root must not be empty")
	}

	if c.Sandbox.StopGraceSec < 0 {
		return fmt.Errorf("sandbox.stop_grace_sec must not be negative, got: %d", c.Sandbox.StopGraceSec)
	}

	if c.Sandbox.GCMaxAgeHours <= 0 {
		return fmt.Errorf("sandbox.gc_max_age_hours must be positive, got: %d", c.Sandbox.GCMaxAgeHours)
	}

	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive, got: %d", c.Jobs.Workers)
	}

	if c.Jobs.QueueSize <= 0 {
		return fmt.Errorf("jobs.queue_size must be positive, got: %d", c.Jobs.QueueSize)
	}

	if c.Terminal.IdleTimeoutMin <= 0 {
		return fmt.Errorf("terminal.idle_timeout_min must be positive, got: %d", c.Terminal.IdleTimeoutMin)
	}

	if c.Terminal.SweepIntervalMin <= 0 {
		return fmt.Errorf("terminal.sweep_interval_min must be positive, got: %d", c.Terminal.SweepIntervalMin)
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported store.driver: %s", c.Store.Driver)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	for name, lang := range c.Languages {
		if lang.Image == "" {
			return fmt.Errorf("languages.%s.image must not be empty", name)
		}
	}

	return nil
}

// StopGrace returns the default stop grace period as a duration
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Sandbox.StopGraceSec) * time.Second
}

// JobTimeout returns the per-job timeout, zero meaning unbounded
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Jobs.TimeoutSec) * time.Second
}

// IdleTimeout returns how long a terminal session may stay idle
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Terminal.IdleTimeoutMin) * time.Minute
}

// SweepInterval returns how often idle terminal sessions are evicted
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Terminal.SweepIntervalMin) * time.Minute
}

// CommandTimeout returns the per-command terminal timeout, zero meaning unbounded
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Terminal.CommandTimeoutSec) * time.Second
}

// GCInterval returns the periodic garbage collection interval, zero meaning disabled
func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.Sandbox.GCIntervalMin) * time.Minute
}

// GCMaxAge returns the age past which sandboxes are garbage collected
func (c *Config) GCMaxAge() time.Duration {
	return time.Duration(c.Sandbox.GCMaxAgeHours) * time.Hour
}

// Images returns the configured image for each language
func (c *Config) Images() map[string]string {
	images := make(map[string]string, len(c.Languages))
	for name, lang := range c.Languages {
		images[name] = lang.Image
	}
	return images
}
