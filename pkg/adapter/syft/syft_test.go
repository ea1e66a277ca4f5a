package syft

import (
	"strings"
	"testing"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

const sampleReport = `{
  "artifacts": [
    {"name": "flask", "version": "2.0.1", "type": "python", "foundBy": "python-package-cataloger", "language": "python"},
    {"name": "lodash", "version": "4.17.20", "type": "npm", "foundBy": "javascript-package-cataloger", "language": "javascript"}
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

	flask := findings[0]
	if flask.Severity.Level != schema.LevelInfo {
		t.Errorf("severity = %s, want INFO for inventory records", flask.Severity.Level)
	}
	if flask.Confidence.Score != 100 {
		t.Errorf("confidence = %d, want 100", flask.Confidence.Score)
	}
	if flask.Location.FilePath != "dependencies/python/flask" {
		t.Errorf("file path = %q", flask.Location.FilePath)
	}
	if !flask.HasTag("sbom") || !flask.HasTag("dependency") {
		t.Errorf("tags = %v, want sbom and dependency", flask.Metadata.Tags)
	}
	if !strings.Contains(flask.Description.Summary, "flask") {
		t.Errorf("summary = %q", flask.Description.Summary)
	}
}

func TestParseDeterministicIDs(t *testing.T) {
	a := New()
	first, _ := a.Parse(adapter.RawOutput{Payload: []byte(sampleReport)}, sampleRequest())
	second, _ := a.Parse(adapter.RawOutput{Payload: []byte(sampleReport)}, sampleRequest())
	for i := range first {
		if first[i].FindingID != second[i].FindingID {
			t.Errorf("finding %d id differs across parses", i)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	a := New()
	_, err := a.Parse(adapter.RawOutput{Payload: []byte("<xml/>")}, sampleRequest())
	if adapter.KindOf(err) != adapter.KindParseError {
		t.Errorf("error = %v, want ParseError", err)
	}
}

func TestDescribeValid(t *testing.T) {
	capability := New().Describe()
	if err := capability.Validate(); err != nil {
		t.Errorf("capability invalid: %v", err)
	}
	if capability.Category != schema.CategorySCA {
		t.Errorf("category = %s, want SCA", capability.Category)
	}
}
