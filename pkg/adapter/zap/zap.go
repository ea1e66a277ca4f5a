// Package zap adapts the OWASP ZAP baseline scanner for dynamic analysis of
// running web applications.
package zap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

const (
	toolID  = "zap"
	binary  = "zap-baseline.py"
	version = "2.14.0"
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Describe() schema.Capability {
	return schema.Capability{
		ToolID:      toolID,
		ToolName:    "OWASP ZAP",
		ToolVersion: version,
		Category:    schema.CategoryDAST,
		Vendor:      "OWASP Foundation",
		Description: "Dynamic application security testing against a running web application",
		DetectionTypes: []string{
			"xss", "sql_injection", "csrf", "open_redirect",
			"insecure_headers", "information_disclosure",
		},
		CWECoverage: []int{79, 89, 352, 601, 693, 200},
		InputRequirements: schema.InputRequirements{
			RequiresRunningApp: true,
			TargetKinds:        []schema.TargetKind{schema.TargetHTTPURL},
		},
		OutputSchema: schema.OutputSchema{
			NativeFormat: "zap-json",
			ResultFields: []string{"site", "@version", "@generated"},
		},
		Execution: schema.ExecutionProfile{
			DefaultTimeout:  20 * time.Minute,
			MinMemoryMB:     1024,
			MinCPUCores:     2,
			RequiresNetwork: true,
		},
		Metadata: schema.CapabilityMetadata{
			License:          "Apache-2.0",
			DocumentationURL: "https://www.zaproxy.org/docs",
			AdapterVersion:   "1.0.0",
		},
	}
}

func (a *Adapter) Validate(req *schema.ScanRequest) error {
	if err := req.Validate(); err != nil {
		return adapter.NewInvalidInput(toolID, "request", err.Error())
	}
	if req.Target.Kind != schema.TargetHTTPURL {
		return adapter.NewInvalidInput(toolID, "target.kind",
			fmt.Sprintf("zap scans running applications only, got target kind %s", req.Target.Kind))
	}
	parsed, err := url.Parse(req.Target.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return adapter.NewInvalidInput(toolID, "target.url",
			fmt.Sprintf("not a valid absolute URL: %s", req.Target.URL))
	}
	if !req.NetworkAllowed {
		return adapter.NewInvalidInput(toolID, "network_allowed",
			"dynamic scanning requires network access")
	}
	return adapter.LookupBinary(toolID, binary)
}

// Available reports whether the zap baseline script is on PATH.
func (a *Adapter) Available() bool {
	return adapter.LookupBinary(toolID, binary) == nil
}

func (a *Adapter) Execute(ctx context.Context, req *schema.ScanRequest, execCtx adapter.ExecContext) (adapter.RawOutput, error) {
	argv := []string{binary, "-t", req.Target.URL, "-J", "/dev/stdout", "-s", "-I"}
	return adapter.RunCommand(ctx, toolID, argv, execCtx)
}

type zapReport struct {
	Site []zapSite `json:"site"`
}

type zapSite struct {
	Name   string     `json:"@name"`
	Alerts []zapAlert `json:"alerts"`
}

type zapAlert struct {
	Alert      string        `json:"alert"`
	PluginID   string        `json:"pluginid"`
	RiskDesc   string        `json:"riskdesc"`
	Confidence string        `json:"confidence"`
	Desc       string        `json:"desc"`
	Solution   string        `json:"solution"`
	Reference  string        `json:"reference"`
	CWEID      string        `json:"cweid"`
	Instances  []zapInstance `json:"instances"`
}

type zapInstance struct {
	URI      string `json:"uri"`
	Method   string `json:"method"`
	Evidence string `json:"evidence"`
}

func (a *Adapter) Parse(output adapter.RawOutput, req *schema.ScanRequest) ([]schema.Finding, error) {
	if len(output.Payload) == 0 {
		return nil, nil
	}

	var report zapReport
	if err := json.Unmarshal(output.Payload, &report); err != nil {
		return nil, adapter.NewParseError(toolID, "output is not valid zap JSON", err)
	}

	var findings []schema.Finding
	for _, site := range report.Site {
		for _, alert := range site.Alerts {
			findings = append(findings, a.toFinding(site.Name, alert, req))
		}
	}
	return findings, nil
}

func (a *Adapter) toFinding(site string, alert zapAlert, req *schema.ScanRequest) schema.Finding {
	native := riskToken(alert.RiskDesc)
	level, reason := schema.NormalizeSeverity(native)
	if reason != "" {
		slog.Warn("severity unmapped, defaulting to MEDIUM",
			"tool", toolID, "native", native, "plugin", alert.PluginID)
	}

	cweID, _ := strconv.Atoi(alert.CWEID)
	if cweID <= 0 {
		cweID = schema.ExtractCWE(alert.Reference)
	}

	location := schema.Location{FilePath: schema.CanonicalPath(urlPath(site))}
	evidence := ""
	if len(alert.Instances) > 0 {
		location.FilePath = schema.CanonicalPath(urlPath(alert.Instances[0].URI))
		evidence = alert.Instances[0].Evidence
		location.Snippet = evidence
	}

	raw, _ := json.Marshal(alert)

	return schema.Finding{
		FindingID:     schema.ComputeFindingID(toolID, alert.PluginID, location.FilePath, 0, alert.Alert+evidence),
		ScanSessionID: req.ScanID,
		VulnerabilityType: schema.VulnerabilityType{
			Name:  alertFamily(alert.Alert),
			CWEID: cweID,
		},
		Location: location,
		Severity: schema.Severity{
			Level:          level,
			Exploitability: schema.ExploitModerate,
		},
		Confidence: schema.Confidence{Score: confidenceScore(alert.Confidence), Reason: reason},
		SourceTools: []schema.SourceTool{{
			ToolID:         toolID,
			RuleID:         alert.PluginID,
			NativeSeverity: native,
			RawOutput:      string(raw),
		}},
		Description: schema.Description{
			Summary:     alert.Alert,
			Detail:      alert.Desc,
			Remediation: alert.Solution,
		},
		Metadata: schema.FindingMetadata{
			DetectedAt: time.Now().UTC(),
			Tags:       []string{"dast"},
			References: strings.Fields(alert.Reference),
		},
		VerificationStatus: schema.VerificationPending,
	}
}

// riskToken extracts the severity token from ZAP's "High (Medium)" style
// risk description.
func riskToken(riskDesc string) string {
	token := riskDesc
	if i := strings.IndexByte(riskDesc, '('); i >= 0 {
		token = riskDesc[:i]
	}
	token = strings.TrimSpace(token)
	if strings.EqualFold(token, "informational") {
		return "informational"
	}
	return strings.ToLower(token)
}

func confidenceScore(confidence string) int {
	switch strings.ToLower(confidence) {
	case "high", "confirmed":
		return 90
	case "medium":
		return 75
	case "low":
		return 55
	default:
		return 50
	}
}

func urlPath(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Path == "" {
		return raw
	}
	return strings.TrimPrefix(parsed.Path, "/")
}

func alertFamily(alert string) string {
	name := strings.ToLower(alert)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}
