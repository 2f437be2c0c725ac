package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Runtime modes
const (
	ModeInProcess  = "inprocess"
	ModeSubprocess = "subprocess"
)

// Installers
const (
	InstallerNone   = "none"
	InstallerNPM    = "npm"
	InstallerDagger = "dagger"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Workspace WorkspaceConfig
	Execution ExecutionConfig
	Runtime   RuntimeConfig
	Sandbox   SandboxConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// WorkspaceConfig locates the workspace tree and the collaborator files.
type WorkspaceConfig struct {
	Root             string `envconfig:"WORKSPACE_ROOT" default:"/tmp/notebook-workspace"`
	NotebooksDir     string `envconfig:"NOTEBOOKS_DIR" default:"./notebooks"`
	EnvironmentsFile string `envconfig:"ENVIRONMENTS_FILE" default:"./environments.toml"`
}

// ExecutionConfig bounds dispatch and evaluation.
type ExecutionConfig struct {
	Timeout   time.Duration `envconfig:"EXECUTION_TIMEOUT" default:"10m"`
	QueueSize int           `envconfig:"QUEUE_SIZE" default:"256"`
}

// RuntimeConfig selects how sandbox runtimes are provisioned.
type RuntimeConfig struct {
	Mode         string `envconfig:"RUNTIME_MODE" default:"inprocess"`
	KernelBinary string `envconfig:"KERNEL_BINARY" default:"kernel"`
	Installer    string `envconfig:"INSTALLER" default:"none"`
	NodeImage    string `envconfig:"NODE_IMAGE" default:"node:20-alpine"`
}

// SandboxConfig configures the script sandbox.
type SandboxConfig struct {
	FetchEnabled     bool          `envconfig:"SANDBOX_FETCH_ENABLED" default:"true"`
	FetchTimeout     time.Duration `envconfig:"SANDBOX_FETCH_TIMEOUT" default:"30s"`
	FetchRPS         float64       `envconfig:"SANDBOX_FETCH_RPS" default:"0"`
	LogFlushInterval time.Duration `envconfig:"LOG_FLUSH_INTERVAL" default:"100ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Runtime.Mode {
	case ModeInProcess, ModeSubprocess:
	default:
		return fmt.Errorf("invalid RUNTIME_MODE %q", c.Runtime.Mode)
	}
	switch c.Runtime.Installer {
	case InstallerNone, InstallerNPM, InstallerDagger:
	default:
		return fmt.Errorf("invalid INSTALLER %q", c.Runtime.Installer)
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("EXECUTION_TIMEOUT must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Workspace: WorkspaceConfig{
			Root:             "/tmp/notebook-workspace",
			NotebooksDir:     "./notebooks",
			EnvironmentsFile: "./environments.toml",
		},
		Execution: ExecutionConfig{
			Timeout:   10 * time.Minute,
			QueueSize: 256,
		},
		Runtime: RuntimeConfig{
			Mode:         ModeInProcess,
			KernelBinary: "kernel",
			Installer:    InstallerNone,
			NodeImage:    "node:20-alpine",
		},
		Sandbox: SandboxConfig{
			FetchEnabled:     true,
			FetchTimeout:     30 * time.Second,
			LogFlushInterval: 100 * time.Millisecond,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
