// Package schema defines the shared data model: tool capability descriptors,
// scan requests, unified findings, and the severity/CWE normalization rules
// that keep findings comparable across tools.
package schema

import (
	"fmt"
	"time"
)

// Category classifies what a security tool analyzes.
type Category string

const (
	CategorySAST      Category = "SAST"
	CategorySCA       Category = "SCA"
	CategoryDAST      Category = "DAST"
	CategoryIAST      Category = "IAST"
	CategorySecrets   Category = "SECRETS"
	CategoryContainer Category = "CONTAINER"
	CategoryFuzzing   Category = "FUZZING"
)

// TargetKind identifies what a scan points at.
type TargetKind string

const (
	TargetLocalPath      TargetKind = "LOCAL_PATH"
	TargetGitRepo        TargetKind = "GIT_REPO"
	TargetContainerImage TargetKind = "CONTAINER_IMAGE"
	TargetHTTPURL        TargetKind = "HTTP_URL"
)

// InputRequirements declares what an adapter needs from its target before it
// can run at all.
type InputRequirements struct {
	RequiresSourceCode    bool         `json:"requires_source_code" yaml:"requires_source_code"`
	RequiresBinary        bool         `json:"requires_binary" yaml:"requires_binary"`
	RequiresRunningApp    bool         `json:"requires_running_app" yaml:"requires_running_app"`
	RequiresDependencyMap bool         `json:"requires_dependency_manifest" yaml:"requires_dependency_manifest"`
	SupportedVCS          []string     `json:"supported_vcs,omitempty" yaml:"supported_vcs,omitempty"`
	TargetKinds           []TargetKind `json:"target_kinds" yaml:"target_kinds"`
}

// OutputSchema names the tool's native result format so parsers and audits
// can identify raw payloads.
type OutputSchema struct {
	NativeFormat string   `json:"native_format" yaml:"native_format"`
	ResultFields []string `json:"result_fields,omitempty" yaml:"result_fields,omitempty"`
}

// ExecutionProfile carries the resource envelope an adapter expects.
type ExecutionProfile struct {
	DefaultTimeout  time.Duration `json:"default_timeout" yaml:"default_timeout"`
	MinMemoryMB     int           `json:"min_memory_mb" yaml:"min_memory_mb"`
	MinCPUCores     int           `json:"min_cpu_cores" yaml:"min_cpu_cores"`
	RequiresNetwork bool          `json:"requires_network" yaml:"requires_network"`
}

// CapabilityMetadata is descriptive only; nothing dispatches on it.
type CapabilityMetadata struct {
	License          string    `json:"license,omitempty" yaml:"license,omitempty"`
	DocumentationURL string    `json:"documentation_url,omitempty" yaml:"documentation_url,omitempty"`
	AdapterVersion   string    `json:"adapter_version" yaml:"adapter_version"`
	RegisteredAt     time.Time `json:"registered_at" yaml:"registered_at"`
}

// Capability is a tool's self-description. Created at registration and
// read-only afterwards.
type Capability struct {
	ToolID             string             `json:"tool_id" yaml:"tool_id"`
	ToolName           string             `json:"tool_name" yaml:"tool_name"`
	ToolVersion        string             `json:"tool_version" yaml:"tool_version"`
	Category           Category           `json:"category" yaml:"category"`
	Vendor             string             `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Description        string             `json:"description,omitempty" yaml:"description,omitempty"`
	SupportedLanguages []string           `json:"supported_languages,omitempty" yaml:"supported_languages,omitempty"`
	DetectionTypes     []string           `json:"detection_types,omitempty" yaml:"detection_types,omitempty"`
	CWECoverage        []int              `json:"cwe_coverage,omitempty" yaml:"cwe_coverage,omitempty"`
	InputRequirements  InputRequirements  `json:"input_requirements" yaml:"input_requirements"`
	OutputSchema       OutputSchema       `json:"output_schema" yaml:"output_schema"`
	Execution          ExecutionProfile   `json:"execution" yaml:"execution"`
	Metadata           CapabilityMetadata `json:"metadata" yaml:"metadata"`
}

// Validate checks the structural invariants of a descriptor.
func (c *Capability) Validate() error {
	if c.ToolID == "" {
		return fmt.Errorf("capability: tool_id is required")
	}
	if c.ToolName == "" {
		return fmt.Errorf("capability %s: tool_name is required", c.ToolID)
	}
	switch c.Category {
	case CategorySAST, CategorySCA, CategoryDAST, CategoryIAST,
		CategorySecrets, CategoryContainer, CategoryFuzzing:
	default:
		return fmt.Errorf("capability %s: unknown category %q", c.ToolID, c.Category)
	}
	for _, cwe := range c.CWECoverage {
		if cwe <= 0 {
			return fmt.Errorf("capability %s: cwe_coverage entry %d must be positive", c.ToolID, cwe)
		}
	}
	if c.Execution.DefaultTimeout <= 0 {
		return fmt.Errorf("capability %s: execution timeout must be positive", c.ToolID)
	}
	if c.InputRequirements.RequiresRunningApp && !c.AcceptsTarget(TargetHTTPURL) {
		return fmt.Errorf("capability %s: requires_running_app implies HTTP_URL target kind", c.ToolID)
	}
	return nil
}

// AcceptsTarget reports whether the tool can scan targets of the given kind.
func (c *Capability) AcceptsTarget(kind TargetKind) bool {
	for _, k := range c.InputRequirements.TargetKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SupportsLanguage reports whether the tool covers the given language.
// An empty language list means language-agnostic.
func (c *Capability) SupportsLanguage(lang string) bool {
	if len(c.SupportedLanguages) == 0 {
		return true
	}
	for _, l := range c.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Detects reports whether the tool claims the given detection type.
func (c *Capability) Detects(detectionType string) bool {
	for _, d := range c.DetectionTypes {
		if d == detectionType {
			return true
		}
	}
	return false
}
