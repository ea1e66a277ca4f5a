// Package semgrep adapts the Semgrep static analyzer.
package semgrep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

const (
	toolID  = "semgrep"
	binary  = "semgrep"
	version = "1.50.0"
)

var defaultExcludes = []string{
	"node_modules", ".git", "dist", "build", "*.min.js", "*.bundle.js",
}

// severityScore assigns a CVSS-style score per native token; the unified
// level falls out of the score band.
var severityScore = map[string]float64{
	"CRITICAL": 9.5,
	"ERROR":    8.5,
	"HIGH":     7.5,
	"WARNING":  6.0,
	"MEDIUM":   5.0,
	"INFO":     3.0,
	"LOW":      2.0,
}

var severityConfidence = map[string]int{
	"CRITICAL": 90,
	"ERROR":    90,
	"HIGH":     85,
	"WARNING":  80,
	"MEDIUM":   75,
	"INFO":     70,
	"LOW":      70,
}

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Describe() schema.Capability {
	return schema.Capability{
		ToolID:      toolID,
		ToolName:    "Semgrep",
		ToolVersion: version,
		Category:    schema.CategorySAST,
		Vendor:      "Semgrep Inc.",
		Description: "Lightweight static analysis with a large community rule set",
		SupportedLanguages: []string{
			"python", "javascript", "typescript", "java", "go", "ruby", "php", "c",
		},
		DetectionTypes: []string{
			"sql_injection", "xss", "command_injection", "path_traversal",
			"insecure_deserialization", "hardcoded_secrets", "xxe",
			"open_redirect", "csrf", "weak_crypto",
		},
		CWECoverage: []int{89, 79, 78, 22, 502, 798, 611, 601, 352, 327},
		InputRequirements: schema.InputRequirements{
			RequiresSourceCode: true,
			SupportedVCS:       []string{"git"},
			TargetKinds:        []schema.TargetKind{schema.TargetLocalPath, schema.TargetGitRepo},
		},
		OutputSchema: schema.OutputSchema{
			NativeFormat: "semgrep-json",
			ResultFields: []string{"results", "errors", "paths"},
		},
		Execution: schema.ExecutionProfile{
			DefaultTimeout: 30 * time.Minute,
			MinMemoryMB:    512,
			MinCPUCores:    1,
		},
		Metadata: schema.CapabilityMetadata{
			License:          "LGPL-2.1",
			DocumentationURL: "https://semgrep.dev/docs",
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
	info, err := os.Stat(req.Target.Path)
	if err != nil {
		return adapter.NewInvalidInput(toolID, "target.path",
			fmt.Sprintf("target path does not exist: %s", req.Target.Path))
	}
	if !info.IsDir() {
		return adapter.NewInvalidInput(toolID, "target.path", "target path must be a directory")
	}
	return adapter.LookupBinary(toolID, binary)
}

// Available reports whether the semgrep binary is on PATH.
func (a *Adapter) Available() bool {
	return adapter.LookupBinary(toolID, binary) == nil
}

func (a *Adapter) Execute(ctx context.Context, req *schema.ScanRequest, execCtx adapter.ExecContext) (adapter.RawOutput, error) {
	argv := a.buildCommand(req)
	execCtx.WorkDir = req.Target.Path
	return adapter.RunCommand(ctx, toolID, argv, execCtx)
}

func (a *Adapter) buildCommand(req *schema.ScanRequest) []string {
	argv := []string{binary, "scan", "--json", "--no-git-ignore", "--quiet"}

	if len(req.Options.CustomRules) > 0 {
		for _, rules := range req.Options.CustomRules {
			argv = append(argv, "--config", rules)
		}
	} else {
		argv = append(argv, "--config", "auto")
	}

	excludes := append([]string{}, defaultExcludes...)
	excludes = append(excludes, req.Options.ExcludePaths...)
	for _, pattern := range excludes {
		argv = append(argv, "--exclude", pattern)
	}

	if !req.NetworkAllowed {
		argv = append(argv, "--metrics", "off")
	}

	return append(argv, ".")
}

// SupportsStreaming reports that partial JSON from an interrupted run is not
// usable; semgrep writes its report at the end.
func (a *Adapter) SupportsStreaming() bool {
	return false
}

type semgrepReport struct {
	Results []semgrepResult `json:"results"`
}

type semgrepResult struct {
	CheckID string          `json:"check_id"`
	Path    string          `json:"path"`
	Start   semgrepPosition `json:"start"`
	End     semgrepPosition `json:"end"`
	Extra   semgrepExtra    `json:"extra"`
}

type semgrepPosition struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

type semgrepExtra struct {
	Message  string          `json:"message"`
	Severity string          `json:"severity"`
	Lines    string          `json:"lines"`
	Metadata semgrepMetadata `json:"metadata"`
}

type semgrepMetadata struct {
	CWE        jsonStrings `json:"cwe"`
	OWASP      jsonStrings `json:"owasp"`
	References []string    `json:"references"`
	Category   string      `json:"category"`
}

// jsonStrings tolerates semgrep metadata fields that are either a string or
// a list of strings.
type jsonStrings []string

func (s *jsonStrings) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (a *Adapter) Parse(output adapter.RawOutput, req *schema.ScanRequest) ([]schema.Finding, error) {
	if len(output.Payload) == 0 {
		return nil, nil
	}

	var report semgrepReport
	if err := json.Unmarshal(output.Payload, &report); err != nil {
		return nil, adapter.NewParseError(toolID, "output is not valid semgrep JSON", err)
	}

	findings := make([]schema.Finding, 0, len(report.Results))
	for _, result := range report.Results {
		findings = append(findings, a.toFinding(result, req))
	}
	return findings, nil
}

func (a *Adapter) toFinding(result semgrepResult, req *schema.ScanRequest) schema.Finding {
	native := strings.ToUpper(result.Extra.Severity)

	level, reason := schema.NormalizeSeverity(canonicalToken(native))
	if reason != "" {
		slog.Warn("severity unmapped, defaulting to MEDIUM",
			"tool", toolID, "native", native, "rule", result.CheckID)
	}
	confidence := severityConfidence[native]
	if confidence == 0 {
		confidence = 70
	}

	var cvss *float64
	if score, ok := severityScore[native]; ok {
		cvss = &score
	}

	cweID := 0
	for _, ref := range result.Extra.Metadata.CWE {
		if cweID = schema.ExtractCWE(ref); cweID != 0 {
			break
		}
	}
	if cweID == 0 {
		cweID = schema.ExtractCWE(result.CheckID)
	}

	owasp := ""
	if len(result.Extra.Metadata.OWASP) > 0 {
		owasp = result.Extra.Metadata.OWASP[0]
	}

	raw, _ := json.Marshal(result)

	finding := schema.Finding{
		FindingID: schema.ComputeFindingID(
			toolID, result.CheckID, result.Path, result.Start.Line, result.Extra.Lines),
		ScanSessionID: req.ScanID,
		VulnerabilityType: schema.VulnerabilityType{
			Name:  ruleFamily(result.CheckID),
			CWEID: cweID,
			OWASP: owasp,
		},
		Location: schema.Location{
			FilePath:    schema.CanonicalPath(result.Path),
			LineStart:   result.Start.Line,
			LineEnd:     result.End.Line,
			ColumnStart: result.Start.Col,
			ColumnEnd:   result.End.Col,
			Snippet:     result.Extra.Lines,
		},
		Severity: schema.Severity{
			Level:          level,
			CVSSScore:      cvss,
			Exploitability: schema.ExploitUnknown,
		},
		Confidence: schema.Confidence{Score: confidence, Reason: reason},
		SourceTools: []schema.SourceTool{{
			ToolID:         toolID,
			RuleID:         result.CheckID,
			NativeSeverity: native,
			RawOutput:      string(raw),
		}},
		Description: schema.Description{
			Summary: result.Extra.Message,
			Detail:  result.Extra.Metadata.Category,
		},
		Metadata: schema.FindingMetadata{
			DetectedAt: time.Now().UTC(),
			Language:   req.Options.Language,
			References: result.Extra.Metadata.References,
		},
		VerificationStatus: schema.VerificationPending,
	}
	return finding
}

// canonicalToken translates semgrep's own scale onto the shared severity
// vocabulary; tokens the translation does not know pass through untouched so
// normalization can flag them.
func canonicalToken(native string) string {
	switch native {
	case "ERROR":
		return "high"
	case "WARNING":
		return "medium"
	case "INFO":
		return "info"
	default:
		return native
	}
}

// ruleFamily reduces a check id like "python.lang.security.sql-injection"
// to its trailing family name.
func ruleFamily(checkID string) string {
	parts := strings.Split(checkID, ".")
	name := parts[len(parts)-1]
	return strings.ReplaceAll(name, "-", "_")
}
