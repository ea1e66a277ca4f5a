package trivy

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

const sampleReport = `{
  "Results": [
    {
      "Target": "requirements.txt",
      "Vulnerabilities": [
        {
          "VulnerabilityID": "CVE-2023-12345",
          "PkgName": "django",
          "InstalledVersion": "3.2.1",
          "FixedVersion": "3.2.19",
          "Severity": "CRITICAL",
          "Title": "Django SQL injection",
          "Description": "A crafted query string allows SQL injection.",
          "CweIDs": ["CWE-89"],
          "References": ["https://nvd.nist.gov/vuln/detail/CVE-2023-12345"],
          "CVSS": {
            "nvd": {"V3Score": 9.8},
            "redhat": {"V3Score": 9.1}
          }
        },
        {
          "VulnerabilityID": "CVE-2023-99999",
          "PkgName": "requests",
          "InstalledVersion": "2.25.0",
          "Severity": "UNKNOWN"
        }
      ]
    }
  ]
}`

func sampleRequest() *schema.ScanRequest {
	return &schema.ScanRequest{
		ScanID: "scan-1",
		Target: schema.Target{Kind: schema.TargetLocalPath, Path: "/src"},
	}
}

func TestParse(t *testing.T) {
	a := New()
	findings, err := a.Parse(adapter.RawOutput{Payload: []byte(sampleReport)}, sampleRequest())
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	django := findings[0]
	if django.Severity.Level != schema.LevelCritical {
		t.Errorf("severity = %s, want CRITICAL", django.Severity.Level)
	}
	if django.Severity.CVSSScore == nil || *django.Severity.CVSSScore != 9.8 {
		t.Errorf("CVSS = %v, want highest source score 9.8", django.Severity.CVSSScore)
	}
	if django.VulnerabilityType.CWEID != 89 {
		t.Errorf("CWE = %d, want 89", django.VulnerabilityType.CWEID)
	}
	if !strings.Contains(django.Description.Remediation, "3.2.19") {
		t.Errorf("remediation = %q, want fixed version mentioned", django.Description.Remediation)
	}
	if django.PrimarySource().RuleID != "CVE-2023-12345" {
		t.Errorf("rule id = %q, want the CVE id", django.PrimarySource().RuleID)
	}

	unknown := findings[1]
	if unknown.Severity.Level != schema.LevelMedium {
		t.Errorf("UNKNOWN severity mapped to %s, want MEDIUM", unknown.Severity.Level)
	}
	if !strings.Contains(unknown.Confidence.Reason, "severity unmapped") {
		t.Errorf("confidence reason = %q, want unmapped diagnostic", unknown.Confidence.Reason)
	}
}

func TestParseUnknownSeverityEmitsWarning(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	a := New()
	findings, err := a.Parse(adapter.RawOutput{Payload: []byte(sampleReport)}, sampleRequest())
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	unknown := findings[1]
	if unknown.Severity.Level != schema.LevelMedium {
		t.Errorf("UNKNOWN severity mapped to %s, want MEDIUM", unknown.Severity.Level)
	}
	logged := buf.String()
	if !strings.Contains(logged, "severity unmapped") {
		t.Errorf("log = %q, want a severity unmapped warning", logged)
	}
	if !strings.Contains(logged, "CVE-2023-99999") {
		t.Errorf("log = %q, want the offending vulnerability id", logged)
	}
}

func TestBuildCommand(t *testing.T) {
	a := New()

	fs := a.buildCommand(sampleRequest())
	if fs[1] != "fs" {
		t.Errorf("subcommand = %q, want fs for local path", fs[1])
	}
	if !strings.Contains(strings.Join(fs, " "), "--skip-db-update") {
		t.Error("expected --skip-db-update when network disallowed")
	}

	imageReq := &schema.ScanRequest{
		ScanID:         "scan-2",
		Target:         schema.Target{Kind: schema.TargetContainerImage, Path: "alpine:3.19"},
		NetworkAllowed: true,
	}
	image := a.buildCommand(imageReq)
	if image[1] != "image" {
		t.Errorf("subcommand = %q, want image for container target", image[1])
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	a := New()
	_, err := a.Parse(adapter.RawOutput{Payload: []byte("{broken")}, sampleRequest())
	if adapter.KindOf(err) != adapter.KindParseError {
		t.Errorf("error = %v, want ParseError", err)
	}
}

func TestDescribeValid(t *testing.T) {
	capability := New().Describe()
	if err := capability.Validate(); err != nil {
		t.Errorf("capability invalid: %v", err)
	}
}
