// Package syft adapts the Syft SBOM generator for software composition
// analysis. Syft itself reports packages, not vulnerabilities; each artifact
// becomes an INFO-level dependency record for downstream matching.
package syft

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

const (
	toolID  = "syft"
	binary  = "syft"
	version = "0.99.0"
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Describe() schema.Capability {
	return schema.Capability{
		ToolID:      toolID,
		ToolName:    "Syft",
		ToolVersion: version,
		Category:    schema.CategorySCA,
		Vendor:      "Anchore Inc.",
		Description: "SBOM generator and software composition analysis",
		SupportedLanguages: []string{
			"python", "javascript", "java", "go", "ruby", "rust", "php", "c", "cpp", "dotnet",
		},
		DetectionTypes: []string{
			"vulnerable_dependency", "outdated_package", "license_risk", "supply_chain_risk",
		},
		InputRequirements: schema.InputRequirements{
			RequiresSourceCode:    true,
			RequiresDependencyMap: true,
			SupportedVCS:          []string{"git"},
			TargetKinds: []schema.TargetKind{
				schema.TargetLocalPath, schema.TargetGitRepo, schema.TargetContainerImage,
			},
		},
		OutputSchema: schema.OutputSchema{
			NativeFormat: "syft-json",
			ResultFields: []string{"artifacts", "source", "distro"},
		},
		Execution: schema.ExecutionProfile{
			DefaultTimeout: 5 * time.Minute,
			MinMemoryMB:    256,
			MinCPUCores:    1,
		},
		Metadata: schema.CapabilityMetadata{
			License:          "Apache-2.0",
			DocumentationURL: "https://github.com/anchore/syft",
			AdapterVersion:   "1.0.0",
		},
	}
}

func (a *Adapter) Validate(req *schema.ScanRequest) error {
	if err := req.Validate(); err != nil {
		return adapter.NewInvalidInput(toolID, "request", err.Error())
	}
	capability := a.Describe()
	if !capability.AcceptsTarget(req.Target.Kind) {
		return adapter.NewInvalidInput(toolID, "target.kind",
			fmt.Sprintf("unsupported target kind %s", req.Target.Kind))
	}
	if req.Target.Kind != schema.TargetContainerImage {
		if _, err := os.Stat(req.Target.Path); err != nil {
			return adapter.NewInvalidInput(toolID, "target.path",
				fmt.Sprintf("target path does not exist: %s", req.Target.Path))
		}
	}
	return adapter.LookupBinary(toolID, binary)
}

// Available reports whether the syft binary is on PATH.
func (a *Adapter) Available() bool {
	return adapter.LookupBinary(toolID, binary) == nil
}

func (a *Adapter) Execute(ctx context.Context, req *schema.ScanRequest, execCtx adapter.ExecContext) (adapter.RawOutput, error) {
	argv := []string{binary, "scan", req.Target.Path, "-o", "json"}
	return adapter.RunCommand(ctx, toolID, argv, execCtx)
}

type syftReport struct {
	Artifacts []syftArtifact `json:"artifacts"`
}

type syftArtifact struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Type     string `json:"type"`
	FoundBy  string `json:"foundBy"`
	Language string `json:"language"`
}

func (a *Adapter) Parse(output adapter.RawOutput, req *schema.ScanRequest) ([]schema.Finding, error) {
	if len(output.Payload) == 0 {
		return nil, nil
	}

	var report syftReport
	if err := json.Unmarshal(output.Payload, &report); err != nil {
		return nil, adapter.NewParseError(toolID, "output is not valid syft JSON", err)
	}

	findings := make([]schema.Finding, 0, len(report.Artifacts))
	for _, artifact := range report.Artifacts {
		findings = append(findings, a.toFinding(artifact, req))
	}
	return findings, nil
}

func (a *Adapter) toFinding(artifact syftArtifact, req *schema.ScanRequest) schema.Finding {
	raw, _ := json.Marshal(artifact)
	ruleID := "syft-package-" + artifact.Type
	filePath := fmt.Sprintf("dependencies/%s/%s", artifact.Type, artifact.Name)

	return schema.Finding{
		FindingID:     schema.ComputeFindingID(toolID, ruleID, filePath, 0, artifact.Name+"@"+artifact.Version),
		ScanSessionID: req.ScanID,
		VulnerabilityType: schema.VulnerabilityType{
			Name: "dependency_inventory",
		},
		Location: schema.Location{
			FilePath: filePath,
		},
		Severity: schema.Severity{
			Level:          schema.LevelInfo,
			Exploitability: schema.ExploitUnknown,
		},
		Confidence: schema.Confidence{Score: 100, Reason: "package identified directly by syft"},
		SourceTools: []schema.SourceTool{{
			ToolID:         toolID,
			RuleID:         ruleID,
			NativeSeverity: "INFO",
			RawOutput:      string(raw),
		}},
		Description: schema.Description{
			Summary:     fmt.Sprintf("dependency found: %s (version %s)", artifact.Name, artifact.Version),
			Detail:      fmt.Sprintf("type: %s, found by: %s", artifact.Type, artifact.FoundBy),
			Impact:      "dependency should be checked against known-vulnerability databases",
			Remediation: "match this package with a vulnerability database such as Grype",
		},
		Metadata: schema.FindingMetadata{
			DetectedAt: time.Now().UTC(),
			Language:   artifact.Language,
			Tags:       []string{"dependency", "sbom", artifact.Type},
		},
		VerificationStatus: schema.VerificationPending,
	}
}
