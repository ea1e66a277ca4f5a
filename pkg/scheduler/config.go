// Package scheduler dispatches tool-run tasks with bounded parallelism,
// per-task deadlines, and retry with exponential backoff. It talks to the
// engine purely through completion results; it never touches workflow state.
package scheduler

import (
	"fmt"
	"time"
)

const (
	DefaultMaxParallel   = 4
	DefaultMaxRetries    = 3
	DefaultBaseBackoff   = 1 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultMaxBackoff    = 30 * time.Second
)

// Config enumerates every scheduler knob. Options outside this struct do
// not exist.
type Config struct {
	MaxParallel    int           `yaml:"max_parallel,omitempty"`
	PerTaskTimeout time.Duration `yaml:"per_task_timeout,omitempty"`
	MaxRetries     *int          `yaml:"max_retries,omitempty"`
	BaseBackoff    time.Duration `yaml:"base_backoff,omitempty"`
	BackoffFactor  float64       `yaml:"backoff_factor,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	// RetryExitCodes whitelists ExecutionFailed exit codes eligible for
	// retry. Timeouts are always retryable; InvalidInput and ParseError
	// never are.
	RetryExitCodes []int `yaml:"retry_exit_codes,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.MaxRetries == nil {
		retries := DefaultMaxRetries
		c.MaxRetries = &retries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

func (c *Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("scheduler: max_parallel must be at least 1")
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("scheduler: max_retries must not be negative")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("scheduler: backoff_factor must be at least 1")
	}
	if c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("scheduler: max_backoff must not be below base_backoff")
	}
	return nil
}

// Retries returns the resolved retry budget.
func (c *Config) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// Backoff computes the sleep before retry attempt n (0-based):
// min(max_backoff, base_backoff * factor^n).
func (c *Config) Backoff(attempt int) time.Duration {
	d := float64(c.BaseBackoff)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffFactor
	}
	if d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}
