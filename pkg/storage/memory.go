package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints and metadata in process memory. Used by
// tests and by runs that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]map[uint64][]byte
	meta        map[string]WorkflowMeta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]map[uint64][]byte),
		meta:        make(map[string]WorkflowMeta),
	}
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, workflowID string, seq uint64, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySeq, ok := s.checkpoints[workflowID]
	if !ok {
		bySeq = make(map[uint64][]byte)
		s.checkpoints[workflowID] = bySeq
	}
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	bySeq[seq] = cp
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, workflowID string, seq uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.checkpoints[workflowID][seq]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	return cp, nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, workflowID string) (uint64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeq := s.checkpoints[workflowID]
	if len(bySeq) == 0 {
		return 0, nil, ErrNotFound
	}
	var latest uint64
	for seq := range bySeq {
		if seq > latest {
			latest = seq
		}
	}
	snapshot := bySeq[latest]
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	return latest, cp, nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, workflowID string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeq := s.checkpoints[workflowID]
	seqs := make([]uint64, 0, len(bySeq))
	for seq := range bySeq {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *MemoryStore) PruneCheckpoints(ctx context.Context, workflowID string, keep int) error {
	if keep <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySeq := s.checkpoints[workflowID]
	if len(bySeq) <= keep {
		return nil
	}
	seqs := make([]uint64, 0, len(bySeq))
	for seq := range bySeq {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs[:len(seqs)-keep] {
		delete(bySeq, seq)
	}
	return nil
}

func (s *MemoryStore) PutWorkflowMeta(ctx context.Context, meta WorkflowMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[meta.WorkflowID] = meta
	return nil
}

func (s *MemoryStore) GetWorkflowMeta(ctx context.Context, workflowID string) (WorkflowMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.meta[workflowID]
	if !ok {
		return WorkflowMeta{}, ErrNotFound
	}
	return meta, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]WorkflowMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]WorkflowMeta, 0, len(s.meta))
	for _, meta := range s.meta {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].WorkflowID < metas[j].WorkflowID })
	return metas, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, workflowID)
	delete(s.meta, workflowID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
