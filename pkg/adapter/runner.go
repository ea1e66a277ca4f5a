package adapter

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/safeflowhq/safeflow/pkg/observability"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

// Stage names the three phases of a run, emitted in order for observability.
type Stage string

const (
	StageValidated Stage = "validated"
	StageExecuted  Stage = "executed"
	StageParsed    Stage = "parsed"
)

// StageFunc observes run progress. May be nil.
type StageFunc func(toolID string, stage Stage)

// RunResult is the successful outcome of a full adapter run.
type RunResult struct {
	Findings    []schema.Finding
	Diagnostics schema.Diagnostics
	Raw         RawOutput
	Partial     bool
}

// Run drives one adapter through validate, execute, parse. The per-call
// deadline is min(request limit, descriptor timeout). A timeout with partial
// output from a streaming tool still parses; every finding from a partial
// payload is tagged "partial".
func Run(ctx context.Context, a Adapter, req *schema.ScanRequest, execCtx ExecContext, observe StageFunc) (*RunResult, error) {
	capability := a.Describe()
	toolID := capability.ToolID

	ctx, span := observability.GetTracer("safeflow.adapter").Start(ctx, "adapter.run")
	span.SetAttributes(
		attribute.String("tool.id", toolID),
		attribute.String("scan.id", req.ScanID),
	)
	defer span.End()

	if err := a.Validate(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	emit(observe, toolID, StageValidated)

	if execCtx.Timeout <= 0 {
		execCtx.Timeout = req.EffectiveTimeout(&capability)
	}

	start := time.Now()
	raw, execErr := a.Execute(ctx, req, execCtx)
	if raw.Diagnostics.DurationSec == 0 {
		raw.Diagnostics.DurationSec = time.Since(start).Seconds()
	}

	partial := false
	if execErr != nil {
		ae, ok := AsError(execErr)
		if !ok || ae.Kind != KindTimeout || len(ae.Partial) == 0 || !supportsStreaming(a) {
			span.RecordError(execErr)
			span.SetStatus(codes.Error, "execution failed")
			return nil, execErr
		}
		// Streaming tool timed out mid-run; salvage what it wrote.
		raw.Payload = ae.Partial
		partial = true
		slog.Warn("tool timed out with partial output", "tool", toolID, "scan_id", req.ScanID)
	}
	emit(observe, toolID, StageExecuted)

	findings, err := a.Parse(raw, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	emit(observe, toolID, StageParsed)

	for i := range findings {
		if partial {
			findings[i].AddTag("partial")
		}
		if req.Limits.MaxFindings > 0 && i >= req.Limits.MaxFindings {
			findings = findings[:req.Limits.MaxFindings]
			break
		}
	}

	span.SetAttributes(attribute.Int("findings.count", len(findings)))

	if partial {
		// Surface the timeout even though findings were salvaged.
		return &RunResult{Findings: findings, Diagnostics: raw.Diagnostics, Raw: raw, Partial: true},
			NewTimeout(toolID, nil)
	}
	return &RunResult{Findings: findings, Diagnostics: raw.Diagnostics, Raw: raw}, nil
}

func supportsStreaming(a Adapter) bool {
	s, ok := a.(Streamer)
	return ok && s.SupportsStreaming()
}

func emit(observe StageFunc, toolID string, stage Stage) {
	if observe != nil {
		observe(toolID, stage)
	}
}
