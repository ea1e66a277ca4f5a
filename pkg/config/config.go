// Package config loads and validates the process configuration from YAML,
// with environment variable expansion and .env support.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/safeflowhq/safeflow/pkg/broker"
	"github.com/safeflowhq/safeflow/pkg/observability"
	"github.com/safeflowhq/safeflow/pkg/workflow"
)

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // simple, verbose, json
	File   string `yaml:"file,omitempty"`   // empty logs to stderr
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Level)
	}
	switch c.Format {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Format)
	}
	return nil
}

// StorageConfig selects the checkpoint backend.
type StorageConfig struct {
	Backend string `yaml:"backend,omitempty"` // memory, sqlite
	Path    string `yaml:"path,omitempty"`    // sqlite database file
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "safeflow.db"
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("storage: sqlite backend needs a path")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Backend)
	}
	return nil
}

// Config is the complete configuration surface. Options outside these
// structs do not exist.
type Config struct {
	Logging  LoggingConfig              `yaml:"logging,omitempty"`
	Tracing  observability.TracerConfig `yaml:"tracing,omitempty"`
	Storage  StorageConfig              `yaml:"storage,omitempty"`
	Workflow workflow.Config            `yaml:"workflow,omitempty"`
	Broker   broker.Config              `yaml:"broker,omitempty"`
}

func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Storage.SetDefaults()
	c.Workflow.SetDefaults()
	// The broker admits at most as many scans as the scheduler runs.
	if c.Broker.MaxParallelScans == 0 {
		c.Broker.MaxParallelScans = c.Workflow.Retry.MaxParallel
	}
	c.Broker.SetDefaults()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "safeflow"
	}
	if c.Tracing.SamplingRate <= 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Workflow.Validate(); err != nil {
		return err
	}
	if c.Tracing.Enabled && c.Tracing.EndpointURL == "" {
		return fmt.Errorf("tracing: endpoint_url is required when enabled")
	}
	return nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads a YAML config file, expands ${VAR} and ${VAR:-default}
// references, and applies defaults and validation. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes; see Load.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
