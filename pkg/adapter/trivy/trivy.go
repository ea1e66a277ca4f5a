// Package trivy adapts the Trivy scanner for container images and
// filesystem dependency scanning.
package trivy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

const (
	toolID  = "trivy"
	binary  = "trivy"
	version = "0.48.0"
)

var skipDirs = []string{"vendor", "node_modules", ".git", ".svn", ".hg"}

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Describe() schema.Capability {
	return schema.Capability{
		ToolID:      toolID,
		ToolName:    "Trivy",
		ToolVersion: version,
		Category:    schema.CategoryContainer,
		Vendor:      "Aqua Security",
		Description: "Vulnerability scanner for container images, filesystems and repositories",
		DetectionTypes: []string{
			"vulnerable_dependency", "misconfiguration", "exposed_secret", "license_risk",
		},
		InputRequirements: schema.InputRequirements{
			RequiresSourceCode: false,
			SupportedVCS:       []string{"git"},
			TargetKinds: []schema.TargetKind{
				schema.TargetLocalPath, schema.TargetGitRepo, schema.TargetContainerImage,
			},
		},
		OutputSchema: schema.OutputSchema{
			NativeFormat: "trivy-json",
			ResultFields: []string{"Results", "ArtifactName", "ArtifactType"},
		},
		Execution: schema.ExecutionProfile{
			DefaultTimeout:  15 * time.Minute,
			MinMemoryMB:     512,
			MinCPUCores:     1,
			RequiresNetwork: true, // vulnerability database refresh
		},
		Metadata: schema.CapabilityMetadata{
			License:          "Apache-2.0",
			DocumentationURL: "https://aquasecurity.github.io/trivy",
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

// Available reports whether the trivy binary is on PATH.
func (a *Adapter) Available() bool {
	return adapter.LookupBinary(toolID, binary) == nil
}

func (a *Adapter) Execute(ctx context.Context, req *schema.ScanRequest, execCtx adapter.ExecContext) (adapter.RawOutput, error) {
	argv := a.buildCommand(req)
	return adapter.RunCommand(ctx, toolID, argv, execCtx)
}

func (a *Adapter) buildCommand(req *schema.ScanRequest) []string {
	subcommand := "fs"
	if req.Target.Kind == schema.TargetContainerImage {
		subcommand = "image"
	}

	argv := []string{binary, subcommand, "--format", "json", "--quiet"}
	for _, dir := range skipDirs {
		argv = append(argv, "--skip-dirs", dir)
	}
	if !req.NetworkAllowed {
		argv = append(argv, "--skip-db-update")
	}
	return append(argv, req.Target.Path)
}

type trivyReport struct {
	Results []trivyResult `json:"Results"`
}

type trivyResult struct {
	Target          string               `json:"Target"`
	Vulnerabilities []trivyVulnerability `json:"Vulnerabilities"`
}

type trivyVulnerability struct {
	VulnerabilityID  string              `json:"VulnerabilityID"`
	PkgName          string              `json:"PkgName"`
	InstalledVersion string              `json:"InstalledVersion"`
	FixedVersion     string              `json:"FixedVersion"`
	Severity         string              `json:"Severity"`
	Title            string              `json:"Title"`
	Description      string              `json:"Description"`
	References       []string            `json:"References"`
	CweIDs           []string            `json:"CweIDs"`
	CVSS             map[string]struct {
		V3Score float64 `json:"V3Score"`
	} `json:"CVSS"`
}

func (a *Adapter) Parse(output adapter.RawOutput, req *schema.ScanRequest) ([]schema.Finding, error) {
	if len(output.Payload) == 0 {
		return nil, nil
	}

	var report trivyReport
	if err := json.Unmarshal(output.Payload, &report); err != nil {
		return nil, adapter.NewParseError(toolID, "output is not valid trivy JSON", err)
	}

	var findings []schema.Finding
	for _, result := range report.Results {
		for _, vuln := range result.Vulnerabilities {
			findings = append(findings, a.toFinding(result.Target, vuln, req))
		}
	}
	return findings, nil
}

func (a *Adapter) toFinding(target string, vuln trivyVulnerability, req *schema.ScanRequest) schema.Finding {
	level, reason := schema.NormalizeSeverity(vuln.Severity)
	if reason != "" {
		slog.Warn("severity unmapped, defaulting to MEDIUM",
			"tool", toolID, "native", vuln.Severity, "vulnerability", vuln.VulnerabilityID)
	}

	var cvss *float64
	for _, source := range vuln.CVSS {
		if source.V3Score > 0 {
			score := source.V3Score
			if cvss == nil || score > *cvss {
				cvss = &score
			}
		}
	}

	cweID := 0
	for _, ref := range vuln.CweIDs {
		if cweID = schema.ExtractCWE(ref); cweID != 0 {
			break
		}
	}

	raw, _ := json.Marshal(vuln)
	fingerprint := vuln.PkgName + "@" + vuln.InstalledVersion

	summary := vuln.Title
	if summary == "" {
		summary = fmt.Sprintf("%s in %s %s", vuln.VulnerabilityID, vuln.PkgName, vuln.InstalledVersion)
	}

	remediation := "no fixed version published yet"
	if vuln.FixedVersion != "" {
		remediation = fmt.Sprintf("upgrade %s to %s", vuln.PkgName, vuln.FixedVersion)
	}

	return schema.Finding{
		FindingID:     schema.ComputeFindingID(toolID, vuln.VulnerabilityID, target, 0, fingerprint),
		ScanSessionID: req.ScanID,
		VulnerabilityType: schema.VulnerabilityType{
			Name:  "vulnerable_dependency",
			CWEID: cweID,
		},
		Location: schema.Location{
			FilePath: schema.CanonicalPath(target),
			Snippet:  fingerprint,
		},
		Severity: schema.Severity{
			Level:          level,
			CVSSScore:      cvss,
			Exploitability: schema.ExploitUnknown,
		},
		Confidence: schema.Confidence{Score: 95, Reason: reason},
		SourceTools: []schema.SourceTool{{
			ToolID:         toolID,
			RuleID:         vuln.VulnerabilityID,
			NativeSeverity: vuln.Severity,
			RawOutput:      string(raw),
		}},
		Description: schema.Description{
			Summary:     summary,
			Detail:      vuln.Description,
			Remediation: remediation,
		},
		Metadata: schema.FindingMetadata{
			DetectedAt: time.Now().UTC(),
			Tags:       []string{"dependency"},
			References: vuln.References,
		},
		VerificationStatus: schema.VerificationPending,
	}
}
