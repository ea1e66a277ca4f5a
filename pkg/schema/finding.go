package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// VerificationStatus tracks triage of a finding.
type VerificationStatus string

const (
	VerificationPending       VerificationStatus = "PENDING"
	VerificationVerified      VerificationStatus = "VERIFIED"
	VerificationFalsePositive VerificationStatus = "FALSE_POSITIVE"
	VerificationWontFix       VerificationStatus = "WONT_FIX"
)

// VulnerabilityType names the class of weakness.
type VulnerabilityType struct {
	Name  string `json:"name"`
	CWEID int    `json:"cwe_id,omitempty"`
	OWASP string `json:"owasp_category,omitempty"`
}

// Location points into the scanned target. FilePath is relative to the
// project root.
type Location struct {
	FilePath     string `json:"file_path"`
	FunctionName string `json:"function_name,omitempty"`
	ClassName    string `json:"class_name,omitempty"`
	LineStart    int    `json:"line_start,omitempty"`
	LineEnd      int    `json:"line_end,omitempty"`
	ColumnStart  int    `json:"column_start,omitempty"`
	ColumnEnd    int    `json:"column_end,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
}

// SourceTool records which tool produced a finding. RawOutput preserves the
// tool's native record verbatim for audit.
type SourceTool struct {
	ToolID         string `json:"tool_id"`
	RuleID         string `json:"rule_id,omitempty"`
	NativeSeverity string `json:"native_severity,omitempty"`
	RawOutput      string `json:"raw_output,omitempty"`
}

// Description is the human-readable portion of a finding.
type Description struct {
	Summary     string `json:"summary"`
	Detail      string `json:"detail,omitempty"`
	Impact      string `json:"impact,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// FindingMetadata carries cross-cutting annotations.
type FindingMetadata struct {
	DetectedAt time.Time `json:"detected_at"`
	Language   string    `json:"language,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	References []string  `json:"references,omitempty"`
}

// Finding is the unified vulnerability record shared across tools.
//
// SourceTools holds at least one entry; deduplication appends the other
// contributing tools while keeping every raw payload.
type Finding struct {
	FindingID          string             `json:"finding_id"`
	ScanSessionID      string             `json:"scan_session_id"`
	VulnerabilityType  VulnerabilityType  `json:"vulnerability_type"`
	Location           Location           `json:"location"`
	Severity           Severity           `json:"severity"`
	Confidence         Confidence         `json:"confidence"`
	SourceTools        []SourceTool       `json:"source_tools"`
	Description        Description        `json:"description"`
	Metadata           FindingMetadata    `json:"metadata"`
	VerificationStatus VerificationStatus `json:"verification_status"`
}

// PrimarySource returns the tool that originally emitted the finding.
func (f *Finding) PrimarySource() SourceTool {
	if len(f.SourceTools) == 0 {
		return SourceTool{}
	}
	return f.SourceTools[0]
}

// HasTag reports whether the finding carries the given metadata tag.
func (f *Finding) HasTag(tag string) bool {
	for _, t := range f.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a metadata tag if not already present.
func (f *Finding) AddTag(tag string) {
	if !f.HasTag(tag) {
		f.Metadata.Tags = append(f.Metadata.Tags, tag)
	}
}

// CanonicalPath normalizes a file path for identity purposes: forward
// slashes, no leading "./", cleaned.
func CanonicalPath(filePath string) string {
	p := strings.ReplaceAll(filePath, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}

// NormalizeFingerprint reduces a code snippet to its identity-relevant form:
// all whitespace removed, trailing punctuation stripped.
func NormalizeFingerprint(snippet string) string {
	var b strings.Builder
	for _, r := range snippet {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), ".,;:")
}

// ComputeFindingID derives the stable finding identity. The same tool, rule,
// location and code produce the same id across re-runs.
func ComputeFindingID(toolID, ruleID, filePath string, lineStart int, snippet string) string {
	h := sha256.New()
	h.Write([]byte(toolID))
	h.Write([]byte{0})
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalPath(filePath)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(lineStart)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeFingerprint(snippet)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

var cwePattern = regexp.MustCompile(`(?i)CWE[-_ ]?([0-9]+)`)

// ExtractCWE pulls the first CWE id out of free-form rule metadata.
// Returns 0 when no CWE reference is present.
func ExtractCWE(text string) int {
	m := cwePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return id
}

// CorrelationKey groups findings reported at the same place with the same
// weakness name by different tools.
func (f *Finding) CorrelationKey() string {
	return fmt.Sprintf("%s:%d:%s",
		CanonicalPath(f.Location.FilePath),
		f.Location.LineStart,
		f.VulnerabilityType.Name)
}
