// Package adapter defines the uniform contract that fronts every external
// security tool, the execution plumbing shared by adapters, and the registry
// that the broker and engine resolve tools through.
package adapter

import (
	"context"
	"time"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

// RawOutput is a tool's native result plus the observable facts of the
// invocation that produced it.
type RawOutput struct {
	Payload     []byte
	Diagnostics schema.Diagnostics
}

// ExecContext carries the per-run execution envelope. Cancellation rides the
// context.Context passed alongside it.
type ExecContext struct {
	WorkDir        string
	Timeout        time.Duration
	NetworkAllowed bool
	// GracePeriod is how long a terminated subprocess gets before it is
	// killed outright.
	GracePeriod time.Duration
}

const DefaultGracePeriod = 5 * time.Second

// Adapter fronts one external scanner. Implementations hold no mutable
// state; every method may be called concurrently.
//
//   - Describe is pure and stable across calls.
//   - Validate rejects requests violating the descriptor's input
//     requirements before any process is launched.
//   - Execute runs the tool and returns its native output; failures are
//     typed *Error values.
//   - Parse deterministically maps native output to unified findings.
type Adapter interface {
	Describe() schema.Capability
	Validate(req *schema.ScanRequest) error
	Execute(ctx context.Context, req *schema.ScanRequest, execCtx ExecContext) (RawOutput, error)
	Parse(output RawOutput, req *schema.ScanRequest) ([]schema.Finding, error)
}

// Streamer is implemented by adapters whose tools emit usable partial output
// under a timeout. Partial payloads are parsed and each resulting finding is
// tagged "partial".
type Streamer interface {
	SupportsStreaming() bool
}

// HealthChecker is implemented by adapters that can report whether their
// backing binary or service is reachable without running a scan.
type HealthChecker interface {
	Available() bool
}
