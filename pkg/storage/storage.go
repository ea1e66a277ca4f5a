// Package storage persists workflow checkpoints and metadata. The engine
// treats it as an external service with idempotent writes keyed by
// (workflow_id, checkpoint_seq).
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// WorkflowMeta is the durable summary row for one workflow.
type WorkflowMeta struct {
	WorkflowID   string    `json:"workflow_id"`
	WorkflowType string    `json:"workflow_type"`
	Phase        string    `json:"phase"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the persistence interface consumed by the engine. Snapshots are
// opaque serialized workflow states. All writes are idempotent: re-writing
// an existing (workflow_id, seq) pair with the same snapshot is a no-op.
type Store interface {
	PutCheckpoint(ctx context.Context, workflowID string, seq uint64, snapshot []byte) error
	GetCheckpoint(ctx context.Context, workflowID string, seq uint64) ([]byte, error)
	LatestCheckpoint(ctx context.Context, workflowID string) (uint64, []byte, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]uint64, error)
	// PruneCheckpoints removes the oldest checkpoints beyond keep.
	PruneCheckpoints(ctx context.Context, workflowID string, keep int) error

	PutWorkflowMeta(ctx context.Context, meta WorkflowMeta) error
	GetWorkflowMeta(ctx context.Context, workflowID string) (WorkflowMeta, error)
	ListWorkflows(ctx context.Context) ([]WorkflowMeta, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error

	Close() error
}
