// Package config loads the lace configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lacehq/lace/internal/approval"
)

// Config is the main configuration structure for lace.
type Config struct {
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	ReserveTokens    int     `yaml:"reserve_tokens"`
	WarningThreshold float64 `yaml:"warning_threshold"`
	Streaming        *bool   `yaml:"streaming"`
	WorkingDirectory string  `yaml:"working_directory"`

	Providers     map[string]ProviderConfig `yaml:"providers"`
	Retry         RetryConfig               `yaml:"retry"`
	Queue         QueueConfig               `yaml:"queue"`
	Approval      approval.Policy           `yaml:"approval"`
	Storage       StorageConfig             `yaml:"storage"`
	Logging       LoggingConfig             `yaml:"logging"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type RetryConfig struct {
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	MaxAttempts    int     `yaml:"max_attempts"`
}

type QueueConfig struct {
	MaxLength int `yaml:"max_length"`
}

// StorageConfig selects the event store backend: "memory", "sqlite", or
// "postgres".
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Environment string  `yaml:"environment"`
}

// Load reads and parses the configuration file. A missing file yields the
// defaults rather than an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 200_000
	}
	if cfg.ReserveTokens == 0 {
		cfg.ReserveTokens = 8_192
	}
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = 0.8
	}
	if cfg.Streaming == nil {
		on := true
		cfg.Streaming = &on
	}
	if cfg.WorkingDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkingDirectory = wd
		}
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	if cfg.Retry.InitialDelayMs == 0 {
		cfg.Retry.InitialDelayMs = 1000
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 30_000
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 10
	}
	if cfg.Queue.MaxLength == 0 {
		cfg.Queue.MaxLength = 64
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultDatabasePath()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.SampleRatio == 0 {
		cfg.Observability.Tracing.SampleRatio = 1
	}
}

// Validate rejects values that would misbehave at runtime.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.Storage.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage backend postgres requires a dsn")
	}
	if c.WarningThreshold < 0 || c.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be between 0 and 1, got %v", c.WarningThreshold)
	}
	if c.ReserveTokens >= c.MaxTokens {
		return fmt.Errorf("reserve_tokens (%d) must be below max_tokens (%d)", c.ReserveTokens, c.MaxTokens)
	}
	return nil
}

// ProviderFor returns the per-provider block, falling back to API keys from
// the environment.
func (c *Config) ProviderFor(name string) ProviderConfig {
	pc := c.Providers[name]
	if pc.APIKey == "" {
		switch name {
		case "anthropic":
			pc.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			pc.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if pc.Model == "" {
		pc.Model = c.Model
	}
	return pc
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "lace.db"
	}
	return home + "/.lace/lace.db"
}
