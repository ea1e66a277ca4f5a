package workflow

import (
	"sync"
	"time"
)

// EventType names what happened.
type EventType string

const (
	EventWorkflowStarted  EventType = "workflow_started"
	EventNodeStarted      EventType = "node_started"
	EventNodeFinished     EventType = "node_finished"
	EventToolStarted      EventType = "tool_started"
	EventToolFinished     EventType = "tool_finished"
	EventFindingEmitted   EventType = "finding_emitted"
	EventProgress         EventType = "progress"
	EventCheckpointSaved  EventType = "checkpoint_saved"
	EventPaused           EventType = "paused"
	EventResumed          EventType = "resumed"
	EventWorkflowFinished EventType = "workflow_finished"
)

// Event is one entry of a workflow's ordered stream. (WorkflowID, Seq) is
// the idempotency key: consumers that track the last seq they processed can
// reconnect and replay without double-handling.
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`

	NodeKind  NodeKind   `json:"node_kind,omitempty"`
	NodeIndex int        `json:"node_index,omitempty"`
	ToolID    string     `json:"tool_id,omitempty"`
	FindingID string     `json:"finding_id,omitempty"`
	Status    NodeStatus `json:"status,omitempty"`
	Phase     Phase      `json:"phase,omitempty"`
	Progress  float64    `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type subscriber struct {
	workflowID string
	ch         chan Event
}

// EventBus assigns per-workflow monotonic sequence numbers, retains history
// for replay, and fans events out to subscribers. Slow subscribers fall back
// to replay: delivery never blocks publishers.
type EventBus struct {
	mu      sync.Mutex
	seqs    map[string]uint64
	history map[string][]Event
	subs    []*subscriber
}

func NewEventBus() *EventBus {
	return &EventBus{
		seqs:    make(map[string]uint64),
		history: make(map[string][]Event),
	}
}

// Publish stamps the event with the next sequence number and delivers it.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	b.seqs[event.WorkflowID]++
	event.Seq = b.seqs[event.WorkflowID]
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.history[event.WorkflowID] = append(b.history[event.WorkflowID], event)

	for _, sub := range b.subs {
		if sub.workflowID != "" && sub.workflowID != event.WorkflowID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Dropped; the subscriber recovers via History replay.
		}
	}
	b.mu.Unlock()
	return event
}

// Subscribe registers a live listener. Empty workflowID receives every
// workflow's events. The returned cancel func unregisters and closes the
// channel.
func (b *EventBus) Subscribe(workflowID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{workflowID: workflowID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// History returns the retained events for a workflow with Seq > afterSeq.
func (b *EventBus) History(workflowID string, afterSeq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.history[workflowID]
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

// Drop discards history and counters for a finished workflow.
func (b *EventBus) Drop(workflowID string) {
	b.mu.Lock()
	delete(b.history, workflowID)
	delete(b.seqs, workflowID)
	b.mu.Unlock()
}
