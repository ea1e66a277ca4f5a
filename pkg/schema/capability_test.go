package schema

import (
	"testing"
	"time"
)

func validCapability() Capability {
	return Capability{
		ToolID:      "semgrep",
		ToolName:    "Semgrep",
		ToolVersion: "1.50.0",
		Category:    CategorySAST,
		CWECoverage: []int{89, 79},
		InputRequirements: InputRequirements{
			RequiresSourceCode: true,
			TargetKinds:        []TargetKind{TargetLocalPath, TargetGitRepo},
		},
		Execution: ExecutionProfile{DefaultTimeout: 30 * time.Minute},
	}
}

func TestCapabilityValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Capability)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Capability) {},
		},
		{
			name:    "missing tool id",
			mutate:  func(c *Capability) { c.ToolID = "" },
			wantErr: true,
		},
		{
			name:    "missing tool name",
			mutate:  func(c *Capability) { c.ToolName = "" },
			wantErr: true,
		},
		{
			name:    "unknown category",
			mutate:  func(c *Capability) { c.Category = "LINTER" },
			wantErr: true,
		},
		{
			name:    "non-positive cwe",
			mutate:  func(c *Capability) { c.CWECoverage = []int{89, 0} },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Capability) { c.Execution.DefaultTimeout = 0 },
			wantErr: true,
		},
		{
			name: "running app without http target",
			mutate: func(c *Capability) {
				c.InputRequirements.RequiresRunningApp = true
			},
			wantErr: true,
		},
		{
			name: "running app with http target",
			mutate: func(c *Capability) {
				c.InputRequirements.RequiresRunningApp = true
				c.InputRequirements.TargetKinds = append(c.InputRequirements.TargetKinds, TargetHTTPURL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCapability()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCapabilityAcceptsTarget(t *testing.T) {
	c := validCapability()
	if !c.AcceptsTarget(TargetLocalPath) {
		t.Error("expected LOCAL_PATH to be accepted")
	}
	if c.AcceptsTarget(TargetHTTPURL) {
		t.Error("expected HTTP_URL to be rejected")
	}
}

func TestCapabilitySupportsLanguage(t *testing.T) {
	c := validCapability()
	if !c.SupportsLanguage("rust") {
		t.Error("empty language list should be language-agnostic")
	}

	c.SupportedLanguages = []string{"python", "go"}
	if !c.SupportsLanguage("go") {
		t.Error("expected go to be supported")
	}
	if c.SupportsLanguage("rust") {
		t.Error("expected rust to be unsupported")
	}
}

func TestScanRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ScanRequest
		wantErr bool
	}{
		{
			name: "valid local path",
			req: ScanRequest{
				ScanID: "s1",
				Target: Target{Kind: TargetLocalPath, Path: "/src"},
			},
		},
		{
			name: "valid url",
			req: ScanRequest{
				ScanID: "s2",
				Target: Target{Kind: TargetHTTPURL, URL: "https://staging.example.com"},
			},
		},
		{
			name: "missing scan id",
			req: ScanRequest{
				Target: Target{Kind: TargetLocalPath, Path: "/src"},
			},
			wantErr: true,
		},
		{
			name: "local path without path",
			req: ScanRequest{
				ScanID: "s3",
				Target: Target{Kind: TargetLocalPath},
			},
			wantErr: true,
		},
		{
			name: "url kind without url",
			req: ScanRequest{
				ScanID: "s4",
				Target: Target{Kind: TargetHTTPURL},
			},
			wantErr: true,
		},
		{
			name: "unknown kind",
			req: ScanRequest{
				ScanID: "s5",
				Target: Target{Kind: "FTP", Path: "/src"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveTimeout(t *testing.T) {
	c := validCapability() // 30m default

	tests := []struct {
		name  string
		limit time.Duration
		want  time.Duration
	}{
		{
			name: "no request limit uses descriptor",
			want: 30 * time.Minute,
		},
		{
			name:  "tighter request limit wins",
			limit: 5 * time.Minute,
			want:  5 * time.Minute,
		},
		{
			name:  "looser request limit ignored",
			limit: 2 * time.Hour,
			want:  30 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ScanRequest{Limits: ScanLimits{Timeout: tt.limit}}
			if got := req.EffectiveTimeout(&c); got != tt.want {
				t.Errorf("EffectiveTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}
