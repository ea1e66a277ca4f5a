package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	workflow_id TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	snapshot    BLOB NOT NULL,
	created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (workflow_id, seq)
);

CREATE TABLE IF NOT EXISTS workflows (
	workflow_id   TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	phase         TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
`

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	slog.Debug("sqlite store opened", "path", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, workflowID string, seq uint64, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (workflow_id, seq, snapshot) VALUES (?, ?, ?)`,
		workflowID, int64(seq), snapshot)
	if err != nil {
		return fmt.Errorf("failed to put checkpoint %s/%d: %w", workflowID, seq, err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, workflowID string, seq uint64) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE workflow_id = ? AND seq = ?`,
		workflowID, int64(seq)).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s/%d: %w", workflowID, seq, err)
	}
	return snapshot, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, workflowID string) (uint64, []byte, error) {
	var seq int64
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, snapshot FROM checkpoints WHERE workflow_id = ? ORDER BY seq DESC LIMIT 1`,
		workflowID).Scan(&seq, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get latest checkpoint for %s: %w", workflowID, err)
	}
	return uint64(seq), snapshot, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, workflowID string) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq FROM checkpoints WHERE workflow_id = ? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var seqs []uint64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, uint64(seq))
	}
	return seqs, rows.Err()
}

func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, workflowID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE workflow_id = ? AND seq NOT IN (
			SELECT seq FROM checkpoints WHERE workflow_id = ? ORDER BY seq DESC LIMIT ?
		)`, workflowID, workflowID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints for %s: %w", workflowID, err)
	}
	return nil
}

func (s *SQLiteStore) PutWorkflowMeta(ctx context.Context, meta WorkflowMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, workflow_type, phase, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET phase = excluded.phase, updated_at = excluded.updated_at`,
		meta.WorkflowID, meta.WorkflowType, meta.Phase, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put workflow metadata %s: %w", meta.WorkflowID, err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflowMeta(ctx context.Context, workflowID string) (WorkflowMeta, error) {
	var meta WorkflowMeta
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, workflow_type, phase, created_at, updated_at
		 FROM workflows WHERE workflow_id = ?`, workflowID).
		Scan(&meta.WorkflowID, &meta.WorkflowType, &meta.Phase, &meta.CreatedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowMeta{}, ErrNotFound
	}
	if err != nil {
		return WorkflowMeta{}, fmt.Errorf("failed to get workflow metadata %s: %w", workflowID, err)
	}
	return meta, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]WorkflowMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, workflow_type, phase, created_at, updated_at
		 FROM workflows ORDER BY workflow_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var metas []WorkflowMeta
	for rows.Next() {
		var meta WorkflowMeta
		if err := rows.Scan(&meta.WorkflowID, &meta.WorkflowType, &meta.Phase,
			&meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("failed to delete checkpoints for %s: %w", workflowID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflows WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", workflowID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
