package workflow

import (
	"fmt"
	"time"

	"github.com/safeflowhq/safeflow/pkg/scheduler"
)

const (
	DefaultWorkflowTimeout      = 2 * time.Hour
	DefaultNodeTimeout          = 45 * time.Minute
	DefaultMaxParallelWorkflows = 8
	DefaultCheckpointRetention  = 10
	DefaultGracePeriod          = 5 * time.Second
)

// TimeoutConfig bounds workflow and node durations.
type TimeoutConfig struct {
	WorkflowTotal   time.Duration            `yaml:"workflow_total,omitempty"`
	PerNodeDefault  time.Duration            `yaml:"per_node_default,omitempty"`
	PerToolOverride map[string]time.Duration `yaml:"per_tool_override,omitempty"`
}

// CheckpointConfig controls state persistence.
type CheckpointConfig struct {
	Enabled        *bool `yaml:"enabled,omitempty"`
	RetentionCount int   `yaml:"retention_count,omitempty"`
}

// Config enumerates every engine knob. Options outside this struct do not
// exist.
type Config struct {
	Retry                scheduler.Config `yaml:"retry,omitempty"`
	Timeout              TimeoutConfig    `yaml:"timeout,omitempty"`
	Checkpoint           CheckpointConfig `yaml:"checkpoint,omitempty"`
	MaxParallelWorkflows int              `yaml:"max_parallel_workflows,omitempty"`
	GracePeriod          time.Duration    `yaml:"grace_period,omitempty"`
	WorkDir              string           `yaml:"work_dir,omitempty"`
}

func (c *Config) SetDefaults() {
	c.Retry.SetDefaults()
	if c.Timeout.WorkflowTotal <= 0 {
		c.Timeout.WorkflowTotal = DefaultWorkflowTimeout
	}
	if c.Timeout.PerNodeDefault <= 0 {
		c.Timeout.PerNodeDefault = DefaultNodeTimeout
	}
	if c.Checkpoint.Enabled == nil {
		enabled := true
		c.Checkpoint.Enabled = &enabled
	}
	if c.Checkpoint.RetentionCount <= 0 {
		c.Checkpoint.RetentionCount = DefaultCheckpointRetention
	}
	if c.MaxParallelWorkflows <= 0 {
		c.MaxParallelWorkflows = DefaultMaxParallelWorkflows
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
}

func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.Timeout.PerNodeDefault > c.Timeout.WorkflowTotal {
		return fmt.Errorf("workflow: per_node_default exceeds workflow_total")
	}
	for tool, d := range c.Timeout.PerToolOverride {
		if d <= 0 {
			return fmt.Errorf("workflow: per_tool_override for %q must be positive", tool)
		}
	}
	if c.MaxParallelWorkflows < 1 {
		return fmt.Errorf("workflow: max_parallel_workflows must be at least 1")
	}
	return nil
}

// CheckpointsEnabled resolves the persistence toggle.
func (c *Config) CheckpointsEnabled() bool {
	return c.Checkpoint.Enabled == nil || *c.Checkpoint.Enabled
}

// ToolTimeout resolves the ceiling for one tool run.
func (c *Config) ToolTimeout(toolID string) time.Duration {
	if d, ok := c.Timeout.PerToolOverride[toolID]; ok {
		return d
	}
	return c.Timeout.PerNodeDefault
}
