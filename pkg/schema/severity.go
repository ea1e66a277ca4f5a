package schema

import (
	"fmt"
	"strings"
)

// Level is the unified severity scale.
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
	LevelInfo     Level = "INFO"
)

// Rank orders levels for sorting and floors: CRITICAL=4 ... INFO=0.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 4
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	default:
		return 0
	}
}

// Exploitability grades how hard a finding is to exploit.
type Exploitability string

const (
	ExploitEasy     Exploitability = "EASY"
	ExploitModerate Exploitability = "MODERATE"
	ExploitHard     Exploitability = "HARD"
	ExploitUnknown  Exploitability = "UNKNOWN"
)

// Severity combines the unified level with the optional native CVSS score.
type Severity struct {
	Level          Level          `json:"level"`
	CVSSScore      *float64       `json:"cvss_score,omitempty"`
	Exploitability Exploitability `json:"exploitability,omitempty"`
}

// Confidence carries a 0-100 score plus the reason it was assigned.
type Confidence struct {
	Score  int    `json:"score"`
	Reason string `json:"reason,omitempty"`
}

// NormalizeSeverity maps a tool's native severity token (case-insensitive)
// to the unified level. Unknown tokens map to MEDIUM and the returned reason
// is non-empty so callers can surface a diagnostic.
func NormalizeSeverity(token string) (Level, string) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "critical", "severe":
		return LevelCritical, ""
	case "high":
		return LevelHigh, ""
	case "medium", "warning":
		return LevelMedium, ""
	case "low":
		return LevelLow, ""
	case "info", "informational", "note":
		return LevelInfo, ""
	default:
		return LevelMedium, fmt.Sprintf("severity unmapped: %s", token)
	}
}

// CVSSBand returns the inclusive score band for a level. Used to clamp
// tool-reported scores that disagree with their own severity token.
func CVSSBand(level Level) (min, max float64) {
	switch level {
	case LevelCritical:
		return 9.0, 10.0
	case LevelHigh:
		return 7.0, 8.9
	case LevelMedium:
		return 4.0, 6.9
	case LevelLow:
		return 0.1, 3.9
	default:
		return 0.0, 0.0
	}
}

// LevelFromCVSS maps a CVSS score onto the unified scale.
func LevelFromCVSS(score float64) Level {
	switch {
	case score >= 9.0:
		return LevelCritical
	case score >= 7.0:
		return LevelHigh
	case score >= 4.0:
		return LevelMedium
	case score > 0.0:
		return LevelLow
	default:
		return LevelInfo
	}
}
