package schema

import (
	"strings"
	"testing"
)

func TestNormalizeSeverity(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		want       Level
		wantReason bool
	}{
		{
			name:  "critical",
			token: "critical",
			want:  LevelCritical,
		},
		{
			name:  "severe maps to critical",
			token: "SEVERE",
			want:  LevelCritical,
		},
		{
			name:  "high",
			token: "High",
			want:  LevelHigh,
		},
		{
			name:  "warning maps to medium",
			token: "WARNING",
			want:  LevelMedium,
		},
		{
			name:  "medium",
			token: "medium",
			want:  LevelMedium,
		},
		{
			name:  "low",
			token: "low",
			want:  LevelLow,
		},
		{
			name:  "info",
			token: "info",
			want:  LevelInfo,
		},
		{
			name:  "informational",
			token: "informational",
			want:  LevelInfo,
		},
		{
			name:  "note maps to info",
			token: "note",
			want:  LevelInfo,
		},
		{
			name:  "whitespace tolerated",
			token: "  high ",
			want:  LevelHigh,
		},
		{
			name:       "unknown maps to medium with reason",
			token:      "weird",
			want:       LevelMedium,
			wantReason: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := NormalizeSeverity(tt.token)
			if got != tt.want {
				t.Errorf("NormalizeSeverity(%q) = %v, want %v", tt.token, got, tt.want)
			}
			if tt.wantReason {
				if !strings.Contains(reason, "severity unmapped") {
					t.Errorf("reason = %q, want it to contain 'severity unmapped'", reason)
				}
				if !strings.Contains(reason, tt.token) {
					t.Errorf("reason = %q, want it to name the token %q", reason, tt.token)
				}
			} else if reason != "" {
				t.Errorf("reason = %q, want empty for mapped token", reason)
			}
		})
	}
}

func TestLevelRankOrdering(t *testing.T) {
	ordered := []Level{LevelInfo, LevelLow, LevelMedium, LevelHigh, LevelCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Errorf("Rank(%s)=%d not greater than Rank(%s)=%d",
				ordered[i], ordered[i].Rank(), ordered[i-1], ordered[i-1].Rank())
		}
	}
}

func TestLevelFromCVSS(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{9.8, LevelCritical},
		{9.0, LevelCritical},
		{8.9, LevelHigh},
		{7.0, LevelHigh},
		{6.9, LevelMedium},
		{4.0, LevelMedium},
		{3.9, LevelLow},
		{0.1, LevelLow},
		{0.0, LevelInfo},
	}

	for _, tt := range tests {
		if got := LevelFromCVSS(tt.score); got != tt.want {
			t.Errorf("LevelFromCVSS(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestCVSSBandMatchesLevelFromCVSS(t *testing.T) {
	for _, level := range []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow} {
		min, max := CVSSBand(level)
		if LevelFromCVSS(min) != level {
			t.Errorf("band min %v of %s maps to %s", min, level, LevelFromCVSS(min))
		}
		if LevelFromCVSS(max) != level {
			t.Errorf("band max %v of %s maps to %s", max, level, LevelFromCVSS(max))
		}
	}
}
