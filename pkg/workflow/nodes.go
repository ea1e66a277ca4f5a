package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/scheduler"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

// runNode executes the node at the cursor and returns its record. A FAILED
// record fails the workflow; the engine loop owns that transition.
func (e *Engine) runNode(ctx context.Context, r *run, spec NodeSpec, index int) NodeResult {
	result := NodeResult{
		Kind:      spec.Kind,
		Index:     index,
		Status:    NodeRunning,
		StartedAt: time.Now().UTC(),
	}

	var err error
	switch spec.Kind {
	case NodeInitialize:
		err = e.nodeInitialize(r, &result)
	case NodeSingleScan:
		err = e.nodeSingleScan(ctx, r, spec, &result)
	case NodeParallelScan:
		err = e.nodeParallelScan(ctx, r, spec, &result)
	case NodeResultCollection:
		err = e.nodeResultCollection(r, &result)
	case NodeValidation:
		err = e.nodeValidation(r, spec, &result)
	case NodeRetry:
		err = e.nodeRetry(ctx, r, &result)
	case NodeFinalize:
		err = e.nodeFinalize(r, &result)
	default:
		err = fmt.Errorf("unknown node kind %q", spec.Kind)
	}

	result.FinishedAt = time.Now().UTC()
	if result.Status == NodeRunning {
		result.Status = NodeSucceeded
	}
	if err != nil {
		result.Status = NodeFailed
		result.Error = err.Error()
	}
	return result
}

// nodeInitialize validates the target and resolves the tool set. With no
// explicit selection, every registered tool that accepts the target kind
// (narrowed by the template's categories) is selected.
func (e *Engine) nodeInitialize(r *run, result *NodeResult) error {
	state := r.state

	probe := schema.ScanRequest{ScanID: state.WorkflowID, Target: state.Target}
	if err := probe.Validate(); err != nil {
		return err
	}

	selected := append([]string(nil), state.SelectedToolIDs...)
	if len(selected) == 0 {
		caps := e.adapters.FilterByTarget(state.Target.Kind)
		template, err := e.templates.Resolve(state.WorkflowType)
		if err != nil {
			return err
		}
		for _, c := range caps {
			if len(template.Categories) > 0 && !categoryIn(template.Categories, c.Category) {
				continue
			}
			selected = append(selected, c.ToolID)
		}
	} else {
		for _, toolID := range selected {
			if _, err := e.adapters.Resolve(toolID); err != nil {
				return err
			}
		}
	}

	if len(selected) == 0 {
		return fmt.Errorf("no registered tool accepts target kind %s", state.Target.Kind)
	}

	r.mu.Lock()
	state.SelectedToolIDs = selected
	r.mu.Unlock()

	result.Details = map[string]string{"tools": strings.Join(selected, ",")}
	slog.Info("workflow initialized",
		"workflow", state.WorkflowID, "type", state.WorkflowType, "tools", selected)
	return nil
}

func (e *Engine) nodeSingleScan(ctx context.Context, r *run, spec NodeSpec, result *NodeResult) error {
	toolID := spec.ToolID
	if toolID == "" {
		toolID = r.state.SelectedToolIDs[0]
	}

	task := e.buildTask(r, toolID)
	e.bus.Publish(Event{WorkflowID: r.state.WorkflowID, Type: EventToolStarted, ToolID: toolID})

	res := e.sched.RunSequential(ctx, []scheduler.Task{task})[0]
	result.Attempts = res.Attempts
	e.recordTaskResult(r, res)

	if res.Status != scheduler.StatusSucceeded {
		return fmt.Errorf("tool %s %s: %w", toolID, strings.ToLower(string(res.Status)), res.Err)
	}
	result.Details = map[string]string{
		"tool":     toolID,
		"findings": strconv.Itoa(len(res.Outcome.Findings)),
	}
	return nil
}

// nodeParallelScan fans the selected tools out through the scheduler and
// folds completions back in arrival order. The node succeeds as long as at
// least one tool produced results.
func (e *Engine) nodeParallelScan(ctx context.Context, r *run, spec NodeSpec, result *NodeResult) error {
	toolIDs := spec.ToolIDs
	if len(toolIDs) == 0 {
		toolIDs = r.state.SelectedToolIDs
	}

	tasks := make([]scheduler.Task, 0, len(toolIDs))
	for _, toolID := range toolIDs {
		tasks = append(tasks, e.buildTask(r, toolID))
		e.bus.Publish(Event{WorkflowID: r.state.WorkflowID, Type: EventToolStarted, ToolID: toolID})
	}

	var succeeded, canceled int
	var failures []string
	for res := range e.sched.Dispatch(ctx, tasks) {
		e.recordTaskResult(r, res)
		switch res.Status {
		case scheduler.StatusSucceeded:
			succeeded++
		case scheduler.StatusCanceled:
			canceled++
		default:
			failures = append(failures, fmt.Sprintf("%s: %v", res.ToolID, res.Err))
		}
	}

	result.Details = map[string]string{
		"tools":     strings.Join(toolIDs, ","),
		"succeeded": strconv.Itoa(succeeded),
	}
	if canceled > 0 && succeeded == 0 {
		return adapter.NewCanceled("parallel_scan")
	}
	if succeeded == 0 {
		return fmt.Errorf("all tools failed: %s", strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		slog.Warn("parallel scan partially failed",
			"workflow", r.state.WorkflowID, "failures", failures)
	}
	return nil
}

func (e *Engine) nodeResultCollection(r *run, result *NodeResult) error {
	r.mu.Lock()
	before := len(r.state.Findings)
	r.state.Findings = Aggregate(r.state.Findings)
	after := len(r.state.Findings)
	r.mu.Unlock()

	result.Details = map[string]string{
		"before": strconv.Itoa(before),
		"after":  strconv.Itoa(after),
	}
	return nil
}

func (e *Engine) nodeValidation(r *run, spec NodeSpec, result *NodeResult) error {
	// ApplyValidationPolicy tags findings in place.
	r.mu.Lock()
	passed := ApplyValidationPolicy(r.state.Findings, spec.Policy)
	total := len(r.state.Findings)
	r.mu.Unlock()

	result.Details = map[string]string{
		"passed":   strconv.Itoa(passed),
		"filtered": strconv.Itoa(total - passed),
	}
	return nil
}

// nodeRetry re-runs the most recent scan node when it failed or came back
// empty. With usable results already in hand the node is skipped.
func (e *Engine) nodeRetry(ctx context.Context, r *run, result *NodeResult) error {
	var prev *NodeResult
	var prevSpec NodeSpec
	for i := len(r.state.NodeResults) - 1; i >= 0; i-- {
		nr := r.state.NodeResults[i]
		if nr.Kind == NodeSingleScan || nr.Kind == NodeParallelScan {
			prev = &r.state.NodeResults[i]
			prevSpec = r.state.Plan[nr.Index]
			break
		}
	}
	if prev == nil {
		return fmt.Errorf("retry node has no preceding scan node")
	}
	if prev.Status == NodeSucceeded && len(r.state.Findings) > 0 {
		result.Status = NodeSkipped
		return nil
	}

	rerun := e.runNode(ctx, r, prevSpec, prev.Index)
	result.Attempts = rerun.Attempts
	result.Details = rerun.Details
	if rerun.Status == NodeFailed {
		return fmt.Errorf("retry of %s failed: %s", prevSpec.Kind, rerun.Error)
	}
	return nil
}

func (e *Engine) nodeFinalize(r *run, result *NodeResult) error {
	summary := r.state.Summarize()
	result.Details = map[string]string{
		"findings": strconv.Itoa(summary.FindingCount),
		"critical": strconv.Itoa(summary.BySeverity[schema.LevelCritical]),
		"high":     strconv.Itoa(summary.BySeverity[schema.LevelHigh]),
	}
	return nil
}

// buildTask wraps one tool run as a schedulable task. The per-run deadline
// ceiling rides the request limits; the adapter resolves the final value
// against its descriptor.
func (e *Engine) buildTask(r *run, toolID string) scheduler.Task {
	state := r.state
	req := &schema.ScanRequest{
		ScanID:  uuid.NewString(),
		Target:  state.Target,
		Options: state.Options,
		Context: schema.ScanContext{
			WorkflowID: state.WorkflowID,
			ScanType:   schema.ScanFull,
		},
		Limits:         schema.ScanLimits{Timeout: e.cfg.ToolTimeout(toolID)},
		NetworkAllowed: state.NetworkAllowed,
	}
	execCtx := adapter.ExecContext{
		WorkDir:        e.cfg.WorkDir,
		NetworkAllowed: state.NetworkAllowed,
		GracePeriod:    e.cfg.GracePeriod,
	}
	return scheduler.Task{
		ID:     req.ScanID,
		ToolID: toolID,
		Run: func(ctx context.Context) (*adapter.RunResult, error) {
			return e.adapters.Execute(ctx, toolID, req, execCtx, nil)
		},
	}
}

// recordTaskResult folds one completion message into workflow state, in
// arrival order, and emits the matching events. Partial output from failed
// runs is kept.
func (e *Engine) recordTaskResult(r *run, res scheduler.Result) {
	state := r.state

	if res.Outcome != nil {
		r.mu.Lock()
		for i := range res.Outcome.Findings {
			res.Outcome.Findings[i].ScanSessionID = res.TaskID
			state.Findings = append(state.Findings, res.Outcome.Findings[i])
		}
		r.mu.Unlock()

		for i := range res.Outcome.Findings {
			e.bus.Publish(Event{
				WorkflowID: state.WorkflowID,
				Type:       EventFindingEmitted,
				ToolID:     res.ToolID,
				FindingID:  res.Outcome.Findings[i].FindingID,
			})
		}
	}

	status := NodeSucceeded
	if res.Status != scheduler.StatusSucceeded {
		status = NodeFailed
	}
	event := Event{
		WorkflowID: state.WorkflowID,
		Type:       EventToolFinished,
		ToolID:     res.ToolID,
		Status:     status,
	}
	if res.Err != nil {
		event.Message = res.Err.Error()
	}
	e.bus.Publish(event)
}

func categoryIn(categories []schema.Category, c schema.Category) bool {
	for _, candidate := range categories {
		if candidate == c {
			return true
		}
	}
	return false
}
