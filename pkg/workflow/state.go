// Package workflow drives scan workflows through typed plans with
// checkpoints, pause/resume, cancellation, and event emission.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

// Phase is the workflow lifecycle state.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseRunning   Phase = "RUNNING"
	PhasePaused    Phase = "PAUSED"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
	PhaseCanceled  Phase = "CANCELED"
)

// Terminal reports whether the phase ends the workflow.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseCanceled
}

// NodeKind enumerates the units of work a plan is built from.
type NodeKind string

const (
	NodeInitialize       NodeKind = "initialize"
	NodeSingleScan       NodeKind = "single_scan"
	NodeParallelScan     NodeKind = "parallel_scan"
	NodeResultCollection NodeKind = "result_collection"
	NodeValidation       NodeKind = "validation"
	NodeHumanReview      NodeKind = "human_review"
	NodeRetry            NodeKind = "retry"
	NodeFinalize         NodeKind = "finalize"
)

// ValidationPolicy is the predicate set a validation node applies.
type ValidationPolicy struct {
	SeverityFloor Level `json:"severity_floor,omitempty" yaml:"severity_floor,omitempty"`
	MinConfidence int   `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
	CWEInclude    []int `json:"cwe_include,omitempty" yaml:"cwe_include,omitempty"`
	CWEExclude    []int `json:"cwe_exclude,omitempty" yaml:"cwe_exclude,omitempty"`
}

// Level aliases the unified severity scale for policy fields.
type Level = schema.Level

// NodeSpec is one entry of a plan.
type NodeSpec struct {
	Kind    NodeKind          `json:"kind"`
	ToolID  string            `json:"tool_id,omitempty"`  // single_scan
	ToolIDs []string          `json:"tool_ids,omitempty"` // parallel_scan; empty means all selected tools
	Policy  *ValidationPolicy `json:"policy,omitempty"`   // validation
}

// NodeStatus is a node's terminal outcome within the plan.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeSucceeded NodeStatus = "SUCCEEDED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// NodeResult records one node execution.
type NodeResult struct {
	Kind       NodeKind          `json:"kind"`
	Index      int               `json:"index"`
	Status     NodeStatus        `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Error      string            `json:"error,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// State is the complete, serializable state of one workflow. The engine's
// loop owns it; external readers get copies.
type State struct {
	WorkflowID      string             `json:"workflow_id"`
	WorkflowType    Type               `json:"workflow_type"`
	Phase           Phase              `json:"phase"`
	Target          schema.Target      `json:"target"`
	Options         schema.ScanOptions `json:"options,omitempty"`
	NetworkAllowed  bool               `json:"network_allowed"`
	SelectedToolIDs []string           `json:"selected_tool_ids,omitempty"`
	Plan            []NodeSpec         `json:"plan"`
	Cursor          int                `json:"cursor"`
	NodeResults     []NodeResult       `json:"node_results,omitempty"`
	Findings        []schema.Finding   `json:"findings,omitempty"`
	Context         map[string]string  `json:"context,omitempty"`
	Progress        float64            `json:"progress"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CheckpointSeq   uint64             `json:"checkpoint_seq"`
}

// NewState builds the initial state for a plan.
func NewState(workflowID string, workflowType Type, target schema.Target, plan []NodeSpec) *State {
	now := time.Now().UTC()
	return &State{
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		Phase:        PhasePending,
		Target:       target,
		Plan:         plan,
		Context:      make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Serialize produces the checkpoint snapshot.
func (s *State) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workflow state: %w", err)
	}
	return data, nil
}

// DeserializeState restores a state from a checkpoint snapshot.
func DeserializeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize workflow state: %w", err)
	}
	if s.Context == nil {
		s.Context = make(map[string]string)
	}
	return &s, nil
}

// Clone returns a deep copy for external readers.
func (s *State) Clone() *State {
	data, err := s.Serialize()
	if err != nil {
		// State is always JSON-serializable by construction.
		panic(err)
	}
	clone, err := DeserializeState(data)
	if err != nil {
		panic(err)
	}
	return clone
}

// WithPhase transitions the phase and bumps UpdatedAt.
func (s *State) WithPhase(phase Phase) *State {
	s.Phase = phase
	s.UpdatedAt = time.Now().UTC()
	return s
}

// WithError records a workflow-level error.
func (s *State) WithError(err error) *State {
	if err != nil {
		s.Error = err.Error()
	}
	s.UpdatedAt = time.Now().UTC()
	return s
}

// AdvanceCursor moves past the current node and refreshes progress.
// Progress only moves forward.
func (s *State) AdvanceCursor() {
	s.Cursor++
	if progress := float64(s.Cursor) / float64(len(s.Plan)); progress > s.Progress {
		s.Progress = progress
	}
	s.UpdatedAt = time.Now().UTC()
}

// AddNodeResult appends the record of a finished node.
func (s *State) AddNodeResult(result NodeResult) {
	s.NodeResults = append(s.NodeResults, result)
	s.UpdatedAt = time.Now().UTC()
}

// CurrentNode returns the node at the cursor.
func (s *State) CurrentNode() (NodeSpec, error) {
	if s.Cursor < 0 || s.Cursor >= len(s.Plan) {
		return NodeSpec{}, fmt.Errorf("cursor %d outside plan of %d nodes", s.Cursor, len(s.Plan))
	}
	return s.Plan[s.Cursor], nil
}

// Summary aggregates the state for read APIs.
type Summary struct {
	WorkflowID    string        `json:"workflow_id"`
	WorkflowType  Type          `json:"workflow_type"`
	Phase         Phase         `json:"phase"`
	Progress      float64       `json:"progress"`
	FindingCount  int           `json:"finding_count"`
	BySeverity    map[Level]int `json:"by_severity"`
	Duration      time.Duration `json:"duration"`
	CheckpointSeq uint64        `json:"checkpoint_seq"`
	Error         string        `json:"error,omitempty"`
}

// Summarize computes severity counts and duration.
func (s *State) Summarize() Summary {
	bySeverity := make(map[Level]int)
	for _, f := range s.Findings {
		bySeverity[f.Severity.Level]++
	}
	return Summary{
		WorkflowID:    s.WorkflowID,
		WorkflowType:  s.WorkflowType,
		Phase:         s.Phase,
		Progress:      s.Progress,
		FindingCount:  len(s.Findings),
		BySeverity:    bySeverity,
		Duration:      s.UpdatedAt.Sub(s.CreatedAt),
		CheckpointSeq: s.CheckpointSeq,
		Error:         s.Error,
	}
}
