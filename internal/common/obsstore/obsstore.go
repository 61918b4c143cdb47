// Package obsstore implements the observability store (spec.md §7
// BestEffortFailure, §4.1.6 "write an error record to the observability
// store", §6.1 POST /nodes/{id}/errors): a durable sink for task failures
// and node-agent-reported error batches that nothing downstream depends on
// for correctness. Grounded on the CMS Postgres repository's shape (one
// struct owning schema and every statement) but kept as its own store since
// nothing in CMS reads these rows back at request time.
package obsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flywheel-dev/taskengine/internal/db"
)

// ErrorRecord is one row in the observability store.
type ErrorRecord struct {
	ID        string          `json:"id"`
	TaskID    *string         `json:"taskId,omitempty"`
	NodeID    *string         `json:"nodeId,omitempty"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NodeErrorEntry is one element of the POST /nodes/{id}/errors batch body.
type NodeErrorEntry struct {
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the Postgres-backed observability sink.
type Store struct {
	pool *db.Pool
}

// NewStore wraps an already-opened pool and ensures the schema exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init obsstore schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS error_records (
		id TEXT PRIMARY KEY,
		task_id TEXT,
		node_id TEXT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		context JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_error_records_task_id ON error_records(task_id);
	CREATE INDEX IF NOT EXISTS idx_error_records_node_id ON error_records(node_id);
	`)
	return err
}

func (s *Store) Close() error { return s.pool.Close() }

// RecordTaskError appends a task-failure error record (spec.md §4.1.6).
func (s *Store) RecordTaskError(ctx context.Context, taskID, message string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO error_records (id, task_id, level, message) VALUES ($1, $2, 'error', $3)`,
		uuid.New().String(), taskID, message)
	return err
}

// RecordNodeErrors inserts a batch of node-agent-reported errors (spec.md
// §6.1 POST /nodes/{id}/errors). Entries are inserted independently; a
// failure on one entry doesn't block the rest.
func (s *Store) RecordNodeErrors(ctx context.Context, nodeID string, entries []NodeErrorEntry) error {
	var firstErr error
	for _, e := range entries {
		var ctxBytes interface{}
		if len(e.Context) > 0 {
			ctxBytes = []byte(e.Context)
		}
		_, err := s.pool.Writer().ExecContext(ctx, `
			INSERT INTO error_records (id, node_id, level, message, context, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New().String(), nodeID, e.Level, e.Message, ctxBytes, e.Timestamp)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
