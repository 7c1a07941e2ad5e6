// Package config loads and validates evoloop configuration.
// Configuration lives at <workspace>/.evoloop/config.yaml and can be
// overridden with EVOLOOP_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all evoloop configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Sandbox runtime configuration
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Evolution controller configuration
	Controller ControllerConfig `yaml:"controller"`

	// Module generator configuration
	Generator GeneratorConfig `yaml:"generator"`

	// Audit trail persistence
	Audit AuditConfig `yaml:"audit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SandboxConfig configures the container isolation runtime.
type SandboxConfig struct {
	// Image is the base execution image (pulled once if absent).
	Image string `yaml:"image"`

	// WorkspaceRoot is where per-execution temp directories are created.
	// Empty means the system temp directory.
	WorkspaceRoot string `yaml:"workspace_root"`

	// DefaultTimeout is the wall-clock cap per execution (duration string).
	DefaultTimeout string `yaml:"default_timeout"`

	// MemoryLimitBytes is the hard memory ceiling for the container.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`

	// CPUQuota/CPUPeriod form the CPU share pair (100000/200000 = half a core).
	CPUQuota  int64 `yaml:"cpu_quota"`
	CPUPeriod int64 `yaml:"cpu_period"`

	// PidsLimit caps concurrent processes/threads inside the container.
	PidsLimit int `yaml:"pids_limit"`

	// OpenFilesLimit caps open file descriptors (ulimit nofile).
	OpenFilesLimit int `yaml:"open_files_limit"`

	// MaxOutputBytes caps captured stdout+stderr per execution.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// ControllerConfig configures the evolution controller.
type ControllerConfig struct {
	// MaxConcurrent bounds how many requests may be in flight at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// ModulesDir is where applied candidates are staged.
	ModulesDir string `yaml:"modules_dir"`

	// HistoryLimit caps the default GetEvolutionHistory window.
	HistoryLimit int `yaml:"history_limit"`
}

// GeneratorConfig configures the external module generator client.
type GeneratorConfig struct {
	// Model is the generation model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Timeout for a single generation call (duration string).
	Timeout string `yaml:"timeout"`
}

// AuditConfig configures durable audit trail storage.
type AuditConfig struct {
	// Enabled turns on SQLite write-through. The in-memory history is
	// always kept regardless.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file (default .evoloop/audit.db).
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the default configuration rooted at workspace.
func Default(workspace string) *Config {
	return &Config{
		Name:    "evoloop",
		Version: "0.3.0",
		Sandbox: SandboxConfig{
			Image:            "python:3.11-alpine",
			WorkspaceRoot:    "",
			DefaultTimeout:   "300s",
			MemoryLimitBytes: 256 * 1024 * 1024,
			CPUQuota:         50000,
			CPUPeriod:        100000,
			PidsLimit:        50,
			OpenFilesLimit:   64,
			MaxOutputBytes:   10 * 1024 * 1024,
		},
		Controller: ControllerConfig{
			MaxConcurrent: 4,
			ModulesDir:    filepath.Join(workspace, ".evoloop", "modules"),
			HistoryLimit:  50,
		},
		Generator: GeneratorConfig{
			Model:     "gemini-2.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
			Timeout:   "120s",
		},
		Audit: AuditConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(workspace, ".evoloop", "audit.db"),
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".evoloop", "config.yaml")
}

// Load reads configuration for the workspace. A missing file yields the
// defaults; a malformed file is an error. Environment overrides are applied
// last.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to the workspace.
func (c *Config) Save(workspace string) error {
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks invariants that would otherwise surface deep inside the
// pipeline.
func (c *Config) Validate() error {
	if c.Sandbox.MemoryLimitBytes <= 0 {
		return fmt.Errorf("sandbox.memory_limit_bytes must be positive")
	}
	if c.Sandbox.CPUPeriod <= 0 || c.Sandbox.CPUQuota <= 0 {
		return fmt.Errorf("sandbox cpu quota/period must be positive")
	}
	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive")
	}
	if _, err := c.SandboxTimeout(); err != nil {
		return err
	}
	if c.Controller.MaxConcurrent <= 0 {
		return fmt.Errorf("controller.max_concurrent must be positive")
	}
	return nil
}

// SandboxTimeout parses the sandbox default timeout.
func (c *Config) SandboxTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Sandbox.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox.default_timeout %q: %w", c.Sandbox.DefaultTimeout, err)
	}
	return d, nil
}

// GeneratorTimeout parses the generator call timeout.
func (c *Config) GeneratorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Generator.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// applyEnvOverrides applies EVOLOOP_* environment variables on top of the
// loaded config.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("EVOLOOP_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("EVOLOOP_SANDBOX_TIMEOUT"); v != "" {
		c.Sandbox.DefaultTimeout = v
	}
	if v := os.Getenv("EVOLOOP_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Controller.MaxConcurrent = n
		}
	}
	if v := os.Getenv("EVOLOOP_GENERATOR_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("EVOLOOP_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}
