package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/observability"
	"github.com/safeflowhq/safeflow/pkg/scheduler"
	"github.com/safeflowhq/safeflow/pkg/schema"
	"github.com/safeflowhq/safeflow/pkg/storage"
)

// Request starts one workflow.
type Request struct {
	WorkflowID     string             `json:"workflow_id,omitempty"`
	Type           Type               `json:"type"`
	Target         schema.Target      `json:"target"`
	ToolIDs        []string           `json:"tool_ids,omitempty"`
	Options        schema.ScanOptions `json:"options,omitempty"`
	NetworkAllowed bool               `json:"network_allowed,omitempty"`
	TriggeredBy    string             `json:"triggered_by,omitempty"`
}

// ReviewDecision is the human sign-off that releases a human_review gate.
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// run is the in-memory handle for one executing workflow. The loop goroutine
// owns state; everyone else reads through the mutex and Clone.
type run struct {
	mu       sync.RWMutex
	state    *State
	paused   bool
	pauseReq bool
	resumeCh chan *ReviewDecision
	cancel   context.CancelFunc
	done     chan struct{}
}

// Engine executes workflows: one serializing loop per workflow, tool runs
// delegated to the scheduler, state checkpointed through the store, progress
// published on the event bus. Constructed explicitly; no package-level
// instance exists.
type Engine struct {
	cfg       Config
	adapters  *adapter.Registry
	sched     *scheduler.Scheduler
	store     storage.Store
	bus       *EventBus
	templates *TemplateRegistry

	mu   sync.RWMutex
	runs map[string]*run
}

func NewEngine(cfg Config, adapters *adapter.Registry, sched *scheduler.Scheduler, store storage.Store) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		adapters:  adapters,
		sched:     sched,
		store:     store,
		bus:       NewEventBus(),
		templates: NewTemplateRegistry(),
		runs:      make(map[string]*run),
	}, nil
}

// Events exposes the engine's event bus for subscribers.
func (e *Engine) Events() *EventBus {
	return e.bus
}

// Templates exposes the scenario templates, for listing and registration of
// custom plans.
func (e *Engine) Templates() *TemplateRegistry {
	return e.templates
}

// Start launches a workflow and returns its id. The workflow runs on its own
// goroutine under the engine's total-duration budget; the caller's context
// only covers admission.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	_, span := observability.GetTracer("safeflow.workflow").Start(ctx, "engine.start")
	defer span.End()

	template, err := e.templates.Resolve(req.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown workflow type")
		return "", err
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("workflow.type", string(req.Type)),
	)

	state := NewState(workflowID, req.Type, req.Target, template.Nodes)
	state.SelectedToolIDs = req.ToolIDs
	state.Options = req.Options
	state.NetworkAllowed = req.NetworkAllowed
	if req.TriggeredBy != "" {
		state.Context["triggered_by"] = req.TriggeredBy
	}

	if err := e.admit(workflowID, state); err != nil {
		span.RecordError(err)
		return "", err
	}
	return workflowID, nil
}

// admit registers the run and launches its loop, enforcing the concurrent
// workflow cap.
func (e *Engine) admit(workflowID string, state *State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.runs[workflowID]; exists {
		return fmt.Errorf("workflow %s is already running", workflowID)
	}
	active := 0
	for _, r := range e.runs {
		select {
		case <-r.done:
		default:
			active++
		}
	}
	if active >= e.cfg.MaxParallelWorkflows {
		return fmt.Errorf("workflow limit reached (%d running)", active)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout.WorkflowTotal)
	r := &run{
		state:    state,
		resumeCh: make(chan *ReviewDecision, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.runs[workflowID] = r

	go e.loop(runCtx, r)
	return nil
}

// loop is the serializing executor for one workflow. All state mutation
// happens here; pause requests are honored between nodes, so an in-flight
// parallel scan always completes before PAUSED is recorded.
func (e *Engine) loop(ctx context.Context, r *run) {
	defer r.cancel()
	defer close(r.done)

	r.mu.Lock()
	r.state.WithPhase(PhaseRunning)
	r.mu.Unlock()

	e.bus.Publish(Event{
		WorkflowID: r.state.WorkflowID,
		Type:       EventWorkflowStarted,
		Phase:      PhaseRunning,
	})
	e.checkpoint(ctx, r)

	for {
		if ctx.Err() != nil {
			e.finish(r, PhaseCanceled, errors.New("workflow canceled"))
			return
		}
		if e.waitIfPaused(ctx, r) {
			e.finish(r, PhaseCanceled, errors.New("workflow canceled while paused"))
			return
		}

		r.mu.RLock()
		cursor := r.state.Cursor
		planLen := len(r.state.Plan)
		r.mu.RUnlock()
		if cursor >= planLen {
			e.finish(r, PhaseSucceeded, nil)
			return
		}

		spec := r.state.Plan[cursor]
		if spec.Kind == NodeHumanReview {
			e.bus.Publish(Event{
				WorkflowID: r.state.WorkflowID,
				Type:       EventNodeStarted,
				NodeKind:   spec.Kind,
				NodeIndex:  cursor,
			})
			if canceled := e.awaitReview(ctx, r, cursor); canceled {
				e.finish(r, PhaseCanceled, errors.New("workflow canceled during review"))
				return
			}
			r.mu.RLock()
			failed := r.state.Phase == PhaseFailed
			r.mu.RUnlock()
			status := NodeSucceeded
			message := ""
			if failed {
				status = NodeFailed
				message = "rejected by reviewer"
			}
			e.bus.Publish(Event{
				WorkflowID: r.state.WorkflowID,
				Type:       EventNodeFinished,
				NodeKind:   spec.Kind,
				NodeIndex:  cursor,
				Status:     status,
				Message:    message,
			})
			if failed {
				e.finish(r, PhaseFailed, errors.New("review rejected"))
				return
			}
			continue
		}

		e.bus.Publish(Event{
			WorkflowID: r.state.WorkflowID,
			Type:       EventNodeStarted,
			NodeKind:   spec.Kind,
			NodeIndex:  cursor,
		})

		result := e.runNode(ctx, r, spec, cursor)

		r.mu.Lock()
		r.state.AddNodeResult(result)
		if result.Status != NodeFailed {
			r.state.AdvanceCursor()
		}
		progress := r.state.Progress
		r.mu.Unlock()

		e.bus.Publish(Event{
			WorkflowID: r.state.WorkflowID,
			Type:       EventNodeFinished,
			NodeKind:   spec.Kind,
			NodeIndex:  cursor,
			Status:     result.Status,
			Message:    result.Error,
		})
		e.bus.Publish(Event{
			WorkflowID: r.state.WorkflowID,
			Type:       EventProgress,
			Progress:   progress,
		})

		// Persist before the next node can cause side effects, so a crash
		// resumes here instead of re-running external tools.
		e.checkpoint(ctx, r)

		if result.Status == NodeFailed {
			if ctx.Err() != nil {
				e.finish(r, PhaseCanceled, errors.New("workflow canceled"))
				return
			}
			e.finish(r, PhaseFailed, errors.New(result.Error))
			return
		}
	}
}

// waitIfPaused blocks while a pause is requested. Returns true when the
// workflow was canceled while paused.
func (e *Engine) waitIfPaused(ctx context.Context, r *run) bool {
	r.mu.Lock()
	if !r.pauseReq {
		r.mu.Unlock()
		return false
	}
	r.pauseReq = false
	r.paused = true
	r.state.WithPhase(PhasePaused)
	r.mu.Unlock()

	e.checkpoint(ctx, r)
	e.bus.Publish(Event{WorkflowID: r.state.WorkflowID, Type: EventPaused, Phase: PhasePaused})
	slog.Info("workflow paused", "workflow", r.state.WorkflowID)

	select {
	case <-r.resumeCh:
	case <-ctx.Done():
		return true
	}

	r.mu.Lock()
	r.paused = false
	r.state.WithPhase(PhaseRunning)
	r.mu.Unlock()

	e.bus.Publish(Event{WorkflowID: r.state.WorkflowID, Type: EventResumed, Phase: PhaseRunning})
	slog.Info("workflow resumed", "workflow", r.state.WorkflowID)
	return false
}

// awaitReview pauses at a human_review gate, surfaces the finding counts the
// reviewer needs, and applies the decision. Returns true on cancellation.
func (e *Engine) awaitReview(ctx context.Context, r *run, cursor int) bool {
	r.mu.Lock()
	r.paused = true
	r.state.WithPhase(PhasePaused)
	total, critical, high := reviewCounts(r.state.Findings)
	r.state.Context["review_total"] = strconv.Itoa(total)
	r.state.Context["review_critical"] = strconv.Itoa(critical)
	r.state.Context["review_high"] = strconv.Itoa(high)
	r.mu.Unlock()

	e.checkpoint(ctx, r)
	e.bus.Publish(Event{
		WorkflowID: r.state.WorkflowID,
		Type:       EventPaused,
		Phase:      PhasePaused,
		NodeKind:   NodeHumanReview,
		NodeIndex:  cursor,
		Message:    fmt.Sprintf("awaiting review: %d findings (%d critical, %d high)", total, critical, high),
	})

	var decision *ReviewDecision
	select {
	case decision = <-r.resumeCh:
	case <-ctx.Done():
		return true
	}

	result := NodeResult{
		Kind:       NodeHumanReview,
		Index:      cursor,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Status:     NodeSucceeded,
	}
	if decision != nil {
		result.Details = map[string]string{
			"approved": strconv.FormatBool(decision.Approved),
			"reviewer": decision.Reviewer,
		}
		if decision.Comment != "" {
			result.Details["comment"] = decision.Comment
		}
	}

	r.mu.Lock()
	r.paused = false
	if decision != nil && !decision.Approved {
		result.Status = NodeFailed
		result.Error = "rejected by reviewer"
		r.state.AddNodeResult(result)
		r.state.WithPhase(PhaseFailed).WithError(errors.New(result.Error))
	} else {
		r.state.AddNodeResult(result)
		r.state.AdvanceCursor()
		r.state.WithPhase(PhaseRunning)
	}
	phase := r.state.Phase
	r.mu.Unlock()

	e.checkpoint(ctx, r)
	e.bus.Publish(Event{WorkflowID: r.state.WorkflowID, Type: EventResumed, Phase: phase})
	return false
}

// finish records the terminal phase, takes the final checkpoint, and prunes
// old snapshots.
func (e *Engine) finish(r *run, phase Phase, cause error) {
	r.mu.Lock()
	if !r.state.Phase.Terminal() {
		r.state.WithPhase(phase)
		if cause != nil && r.state.Error == "" {
			r.state.WithError(cause)
		}
	}
	if phase == PhaseSucceeded {
		r.state.Progress = 1.0
	}
	finalPhase := r.state.Phase
	r.mu.Unlock()

	// The run context may already be dead; persistence still has to happen.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.checkpoint(persistCtx, r)

	e.bus.Publish(Event{
		WorkflowID: r.state.WorkflowID,
		Type:       EventWorkflowFinished,
		Phase:      finalPhase,
	})
	slog.Info("workflow finished",
		"workflow", r.state.WorkflowID, "phase", finalPhase, "findings", len(r.state.Findings))
}

// checkpoint persists a snapshot under the next monotonic sequence number
// and prunes beyond the retention window.
func (e *Engine) checkpoint(ctx context.Context, r *run) {
	if !e.cfg.CheckpointsEnabled() {
		return
	}

	r.mu.Lock()
	r.state.CheckpointSeq++
	seq := r.state.CheckpointSeq
	snapshot, err := r.state.Serialize()
	meta := storage.WorkflowMeta{
		WorkflowID:   r.state.WorkflowID,
		WorkflowType: string(r.state.WorkflowType),
		Phase:        string(r.state.Phase),
		CreatedAt:    r.state.CreatedAt,
		UpdatedAt:    r.state.UpdatedAt,
	}
	workflowID := r.state.WorkflowID
	r.mu.Unlock()

	if err != nil {
		slog.Error("checkpoint serialization failed", "workflow", workflowID, "error", err)
		return
	}
	if err := e.store.PutCheckpoint(ctx, workflowID, seq, snapshot); err != nil {
		slog.Error("checkpoint write failed", "workflow", workflowID, "seq", seq, "error", err)
		return
	}
	if err := e.store.PutWorkflowMeta(ctx, meta); err != nil {
		slog.Error("workflow metadata write failed", "workflow", workflowID, "error", err)
	}
	if err := e.store.PruneCheckpoints(ctx, workflowID, e.cfg.Checkpoint.RetentionCount); err != nil {
		slog.Warn("checkpoint prune failed", "workflow", workflowID, "error", err)
	}

	e.bus.Publish(Event{
		WorkflowID: workflowID,
		Type:       EventCheckpointSaved,
		Message:    strconv.FormatUint(seq, 10),
	})
}

// Pause requests a pause; it takes effect once the current node completes.
func (e *Engine) Pause(workflowID string) error {
	r, err := e.activeRun(workflowID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Phase.Terminal() {
		return fmt.Errorf("workflow %s already finished (%s)", workflowID, r.state.Phase)
	}
	if r.paused || r.pauseReq {
		return fmt.Errorf("workflow %s is already paused", workflowID)
	}
	r.pauseReq = true
	return nil
}

// Resume releases a paused workflow. At a human_review gate the decision is
// required; for plain pauses it is ignored.
func (e *Engine) Resume(workflowID string, decision *ReviewDecision) error {
	r, err := e.activeRun(workflowID)
	if err != nil {
		return err
	}

	r.mu.RLock()
	paused := r.paused
	r.mu.RUnlock()
	if !paused {
		return fmt.Errorf("workflow %s is not paused", workflowID)
	}

	select {
	case r.resumeCh <- decision:
		return nil
	default:
		return fmt.Errorf("workflow %s already has a pending resume", workflowID)
	}
}

// Restore relaunches a workflow from a persisted checkpoint. Sequence 0
// means the latest. The restored run continues from its cursor; completed
// nodes never re-run.
func (e *Engine) Restore(ctx context.Context, workflowID string, seq uint64) error {
	var snapshot []byte
	var err error
	if seq == 0 {
		_, snapshot, err = e.store.LatestCheckpoint(ctx, workflowID)
	} else {
		snapshot, err = e.store.GetCheckpoint(ctx, workflowID, seq)
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for %s: %w", workflowID, err)
	}

	state, err := DeserializeState(snapshot)
	if err != nil {
		return err
	}
	if state.Phase.Terminal() {
		return fmt.Errorf("workflow %s already finished (%s)", workflowID, state.Phase)
	}
	state.WithPhase(PhaseRunning)
	return e.admit(workflowID, state)
}

// Cancel stops a workflow. In-flight tool processes receive the termination
// signal through their contexts.
func (e *Engine) Cancel(workflowID string) error {
	r, err := e.activeRun(workflowID)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// Wait blocks until the workflow's loop exits or ctx is done.
func (e *Engine) Wait(ctx context.Context, workflowID string) error {
	r, err := e.activeRun(workflowID)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a copy of the workflow state, falling back to the latest
// checkpoint for workflows no longer in memory.
func (e *Engine) Get(ctx context.Context, workflowID string) (*State, error) {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if ok {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.state.Clone(), nil
	}

	_, snapshot, err := e.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s not found: %w", workflowID, err)
	}
	return DeserializeState(snapshot)
}

// Summary returns the aggregate view of a workflow.
func (e *Engine) Summary(ctx context.Context, workflowID string) (Summary, error) {
	state, err := e.Get(ctx, workflowID)
	if err != nil {
		return Summary{}, err
	}
	return state.Summarize(), nil
}

// List returns the durable metadata rows for all known workflows.
func (e *Engine) List(ctx context.Context) ([]storage.WorkflowMeta, error) {
	return e.store.ListWorkflows(ctx)
}

func (e *Engine) activeRun(workflowID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s is not active", workflowID)
	}
	return r, nil
}

func reviewCounts(findings []schema.Finding) (total, critical, high int) {
	total = len(findings)
	for _, f := range findings {
		switch f.Severity.Level {
		case schema.LevelCritical:
			critical++
		case schema.LevelHigh:
			high++
		}
	}
	return total, critical, high
}
