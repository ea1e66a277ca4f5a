package schema

import (
	"fmt"
	"time"
)

// ScanType distinguishes full sweeps from incremental re-scans.
type ScanType string

const (
	ScanFull        ScanType = "FULL"
	ScanIncremental ScanType = "INCREMENTAL"
)

// Target describes what a scan points at.
type Target struct {
	Kind   TargetKind `json:"kind" yaml:"kind"`
	Path   string     `json:"path,omitempty" yaml:"path,omitempty"`
	URL    string     `json:"url,omitempty" yaml:"url,omitempty"`
	Branch string     `json:"branch,omitempty" yaml:"branch,omitempty"`
	Commit string     `json:"commit,omitempty" yaml:"commit,omitempty"`
	Digest string     `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// Locator returns the path or URL, whichever the kind implies.
func (t Target) Locator() string {
	if t.Kind == TargetHTTPURL {
		return t.URL
	}
	return t.Path
}

// ScanOptions tunes a single tool run.
type ScanOptions struct {
	Language     string   `json:"language,omitempty" yaml:"language,omitempty"`
	CustomRules  []string `json:"custom_rules,omitempty" yaml:"custom_rules,omitempty"`
	ExcludePaths []string `json:"exclude_paths,omitempty" yaml:"exclude_paths,omitempty"`
	SeverityMin  Level    `json:"severity_min,omitempty" yaml:"severity_min,omitempty"`
}

// ScanContext ties a request back to the workflow that issued it.
type ScanContext struct {
	WorkflowID  string   `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	ProjectName string   `json:"project_name,omitempty" yaml:"project_name,omitempty"`
	ScanType    ScanType `json:"scan_type,omitempty" yaml:"scan_type,omitempty"`
	TriggeredBy string   `json:"triggered_by,omitempty" yaml:"triggered_by,omitempty"`
}

// ScanLimits caps a single tool run.
type ScanLimits struct {
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxFindings int           `json:"max_findings,omitempty" yaml:"max_findings,omitempty"`
}

// ScanRequest is the unit of work handed to an adapter. Requests are
// short-lived and owned by the engine that created them.
type ScanRequest struct {
	ScanID         string      `json:"scan_id" yaml:"scan_id"`
	Target         Target      `json:"target" yaml:"target"`
	Options        ScanOptions `json:"options,omitempty" yaml:"options,omitempty"`
	Context        ScanContext `json:"context,omitempty" yaml:"context,omitempty"`
	Limits         ScanLimits  `json:"limits,omitempty" yaml:"limits,omitempty"`
	NetworkAllowed bool        `json:"network_allowed" yaml:"network_allowed"`
	// FallbackToolID names an adapter to fail over to when the primary
	// tool's binary is missing. At most one failover is attempted.
	FallbackToolID string `json:"fallback_tool_id,omitempty" yaml:"fallback_tool_id,omitempty"`
}

// Validate checks request well-formedness independent of any tool.
func (r *ScanRequest) Validate() error {
	if r.ScanID == "" {
		return fmt.Errorf("scan request: scan_id is required")
	}
	switch r.Target.Kind {
	case TargetLocalPath, TargetGitRepo, TargetContainerImage:
		if r.Target.Path == "" {
			return fmt.Errorf("scan request %s: target path is required for kind %s", r.ScanID, r.Target.Kind)
		}
	case TargetHTTPURL:
		if r.Target.URL == "" {
			return fmt.Errorf("scan request %s: target url is required for kind %s", r.ScanID, r.Target.Kind)
		}
	default:
		return fmt.Errorf("scan request %s: unknown target kind %q", r.ScanID, r.Target.Kind)
	}
	if r.Limits.Timeout < 0 {
		return fmt.Errorf("scan request %s: timeout must not be negative", r.ScanID)
	}
	if r.Limits.MaxFindings < 0 {
		return fmt.Errorf("scan request %s: max_findings must not be negative", r.ScanID)
	}
	return nil
}

// EffectiveTimeout resolves the per-call deadline ceiling:
// min(request limit, descriptor default), ignoring unset values.
func (r *ScanRequest) EffectiveTimeout(cap *Capability) time.Duration {
	timeout := cap.Execution.DefaultTimeout
	if r.Limits.Timeout > 0 && r.Limits.Timeout < timeout {
		timeout = r.Limits.Timeout
	}
	return timeout
}
