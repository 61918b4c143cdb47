package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flywheel-dev/taskengine/internal/db"
)

// StateStore persists the opaque per-task state record (spec.md §4.1.3) so
// an instance resumes the same step after a process crash. One row per
// task, keyed by task id, sharing the CMS's Postgres pool since both need
// the same cross-process durability; grounded on the CMS
// PostgresRepository's one-struct-owns-schema-and-CRUD shape.
type StateStore struct {
	pool *db.Pool
}

func NewStateStore(pool *db.Pool) (*StateStore, error) {
	s := &StateStore{pool: pool}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init orchestrator state schema: %w", err)
	}
	return s, nil
}

func (s *StateStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS orchestrator_state (
		task_id TEXT PRIMARY KEY,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`)
	return err
}

// Load returns the persisted state for a task, or (nil, false, nil) if none
// exists yet.
func (s *StateStore) Load(ctx context.Context, taskID string) (*State, bool, error) {
	var raw []byte
	err := s.pool.Reader().QueryRowContext(ctx, `SELECT state FROM orchestrator_state WHERE task_id = $1`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decode orchestrator state for task %s: %w", taskID, err)
	}
	return &st, true, nil
}

// Save upserts the task's state record.
func (s *StateStore) Save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode orchestrator state for task %s: %w", st.TaskID, err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO orchestrator_state (task_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (task_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		st.TaskID, raw)
	return err
}

// Delete removes a task's persisted state once the instance is evicted from
// the in-memory registry after reaching a terminal step.
func (s *StateStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM orchestrator_state WHERE task_id = $1`, taskID)
	return err
}

// LoadAll returns every persisted state record, used by the registry at
// process boot to re-arm alarms for tasks that were mid-flight when the
// process last exited (spec.md §4.1.1 crash survival). Every row here is
// non-terminal by construction: runAlarm deletes a task's row the moment it
// reaches running or failed.
func (s *StateStore) LoadAll(ctx context.Context) ([]*State, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `SELECT state FROM orchestrator_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st State
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decode orchestrator state row: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
