package workflow

import (
	"testing"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

func TestStateSerializeRoundTrip(t *testing.T) {
	state := NewState("wf-1", TypeCodeCommit, localTarget(), BuiltinTemplates()[0].Nodes)
	state.SelectedToolIDs = []string{"semgrep"}
	state.Findings = []schema.Finding{mkFinding("semgrep", "sqli", "a.py", 1, schema.LevelHigh, 90)}
	state.Context["triggered_by"] = "ci"
	state.CheckpointSeq = 7

	data, err := state.Serialize()
	if err != nil {
		t.Fatalf("Serialize() failed: %v", err)
	}
	restored, err := DeserializeState(data)
	if err != nil {
		t.Fatalf("DeserializeState() failed: %v", err)
	}

	if restored.WorkflowID != "wf-1" || restored.WorkflowType != TypeCodeCommit {
		t.Errorf("identity lost: %s/%s", restored.WorkflowID, restored.WorkflowType)
	}
	if restored.CheckpointSeq != 7 {
		t.Errorf("checkpoint seq = %d, want 7", restored.CheckpointSeq)
	}
	if len(restored.Findings) != 1 || restored.Findings[0].FindingID != state.Findings[0].FindingID {
		t.Errorf("findings lost in round trip")
	}
	if restored.Context["triggered_by"] != "ci" {
		t.Errorf("context lost in round trip")
	}
	if len(restored.Plan) != len(state.Plan) {
		t.Errorf("plan lost in round trip")
	}
}

func TestStateProgressMonotonic(t *testing.T) {
	state := NewState("wf", TypeCodeCommit, localTarget(), BuiltinTemplates()[0].Nodes)

	var last float64
	for i := 0; i < len(state.Plan); i++ {
		state.AdvanceCursor()
		if state.Progress < last {
			t.Fatalf("progress went backwards at node %d: %v -> %v", i, last, state.Progress)
		}
		last = state.Progress
	}
	if last != 1.0 {
		t.Errorf("final progress = %v, want 1.0", last)
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	state := NewState("wf", TypeCodeCommit, localTarget(), BuiltinTemplates()[0].Nodes)
	state.Context["key"] = "original"

	clone := state.Clone()
	clone.Context["key"] = "changed"
	clone.Findings = append(clone.Findings, schema.Finding{FindingID: "x"})

	if state.Context["key"] != "original" {
		t.Error("clone shares context map with original")
	}
	if len(state.Findings) != 0 {
		t.Error("clone shares findings slice with original")
	}
}

func TestPhaseTerminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhasePending, false},
		{PhaseRunning, false},
		{PhasePaused, false},
		{PhaseSucceeded, true},
		{PhaseFailed, true},
		{PhaseCanceled, true},
	}
	for _, tt := range tests {
		if got := tt.phase.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.phase, got, tt.want)
		}
	}
}
