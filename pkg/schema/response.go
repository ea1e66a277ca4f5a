package schema

import "time"

// Diagnostics captures the observable facts of one tool invocation.
type Diagnostics struct {
	CommandHash string  `json:"command_hash,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	StderrTail  string  `json:"stderr_tail,omitempty"`
	DurationSec float64 `json:"duration_seconds,omitempty"`
}

// ResponseError is the error half of a scan response.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ScanResponse is the textual payload returned from a tools/call and by the
// CLI scan command.
type ScanResponse struct {
	Success            bool           `json:"success"`
	ScanID             string         `json:"scan_id"`
	ToolName           string         `json:"tool_name"`
	TargetPath         string         `json:"target_path,omitempty"`
	ExecutionTimeSec   float64        `json:"execution_time_seconds"`
	VulnerabilityCount int            `json:"vulnerability_count"`
	Findings           []Finding      `json:"findings"`
	Diagnostics        Diagnostics    `json:"diagnostics"`
	Error              *ResponseError `json:"error,omitempty"`
	ScannedAt          time.Time      `json:"scanned_at"`
}
