package workflow

import (
	"sort"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

// Aggregate deduplicates, cross-correlates, and orders findings from any
// number of tools. It is idempotent: feeding its output back in returns the
// same list.
//
// Findings sharing a finding_id collapse into one record that keeps the
// higher-confidence variant and accumulates every contributing tool.
// Distinct findings at the same (file, line, type) are kept separate but
// tagged "correlated".
func Aggregate(findings []schema.Finding) []schema.Finding {
	merged := dedupe(findings)
	correlate(merged)
	SortFindings(merged)
	return merged
}

func dedupe(findings []schema.Finding) []schema.Finding {
	byID := make(map[string]int, len(findings))
	merged := make([]schema.Finding, 0, len(findings))

	for _, f := range findings {
		idx, seen := byID[f.FindingID]
		if !seen {
			byID[f.FindingID] = len(merged)
			merged = append(merged, f)
			continue
		}

		kept := &merged[idx]
		if f.Confidence.Score > kept.Confidence.Score {
			// The duplicate wins; carry over the sources already gathered.
			sources := kept.SourceTools
			tags := kept.Metadata.Tags
			*kept = f
			kept.SourceTools = sources
			kept.Metadata.Tags = mergeTags(tags, f.Metadata.Tags)
		} else {
			kept.Metadata.Tags = mergeTags(kept.Metadata.Tags, f.Metadata.Tags)
		}
		for _, src := range f.SourceTools {
			if !hasSource(kept.SourceTools, src.ToolID, src.RuleID) {
				kept.SourceTools = append(kept.SourceTools, src)
			}
		}
	}
	return merged
}

// correlate tags groups of distinct findings that land on the same
// (file, line, vulnerability type).
func correlate(findings []schema.Finding) {
	byKey := make(map[string][]int, len(findings))
	for i := range findings {
		key := findings[i].CorrelationKey()
		byKey[key] = append(byKey[key], i)
	}
	for _, group := range byKey {
		if len(group) < 2 {
			continue
		}
		for _, i := range group {
			findings[i].AddTag("correlated")
		}
	}
}

// SortFindings orders for reporting: severity descending, CVSS descending
// with absent scores last, then file path and line ascending.
func SortFindings(findings []schema.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := &findings[i], &findings[j]
		if ra, rb := a.Severity.Level.Rank(), b.Severity.Level.Rank(); ra != rb {
			return ra > rb
		}
		switch {
		case a.Severity.CVSSScore != nil && b.Severity.CVSSScore == nil:
			return true
		case a.Severity.CVSSScore == nil && b.Severity.CVSSScore != nil:
			return false
		case a.Severity.CVSSScore != nil && b.Severity.CVSSScore != nil &&
			*a.Severity.CVSSScore != *b.Severity.CVSSScore:
			return *a.Severity.CVSSScore > *b.Severity.CVSSScore
		}
		if a.Location.FilePath != b.Location.FilePath {
			return a.Location.FilePath < b.Location.FilePath
		}
		return a.Location.LineStart < b.Location.LineStart
	})
}

// ApplyValidationPolicy tags findings outside the policy envelope as
// "filtered" without discarding them.
func ApplyValidationPolicy(findings []schema.Finding, policy *ValidationPolicy) (passed int) {
	if policy == nil {
		return len(findings)
	}
	for i := range findings {
		if conforms(&findings[i], policy) {
			passed++
		} else {
			findings[i].AddTag("filtered")
		}
	}
	return passed
}

func conforms(f *schema.Finding, policy *ValidationPolicy) bool {
	if policy.SeverityFloor != "" && f.Severity.Level.Rank() < policy.SeverityFloor.Rank() {
		return false
	}
	if policy.MinConfidence > 0 && f.Confidence.Score < policy.MinConfidence {
		return false
	}
	if len(policy.CWEInclude) > 0 && !containsCWE(policy.CWEInclude, f.VulnerabilityType.CWEID) {
		return false
	}
	if containsCWE(policy.CWEExclude, f.VulnerabilityType.CWEID) {
		return false
	}
	return true
}

func containsCWE(cwes []int, cwe int) bool {
	for _, c := range cwes {
		if c == cwe {
			return true
		}
	}
	return false
}

func hasSource(sources []schema.SourceTool, toolID, ruleID string) bool {
	for _, s := range sources {
		if s.ToolID == toolID && s.RuleID == ruleID {
			return true
		}
	}
	return false
}

func mergeTags(base, extra []string) []string {
	out := append([]string(nil), base...)
	for _, tag := range extra {
		found := false
		for _, existing := range out {
			if existing == tag {
				found = true
				break
			}
		}
		if !found {
			out = append(out, tag)
		}
	}
	return out
}
