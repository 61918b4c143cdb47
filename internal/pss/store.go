package pss

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// Store is the embedded SQLite-backed storage for one project's PSS
// instance (spec.md §3.2, §4.2.5), grounded on the teacher's
// SQLiteRepository: one struct owning schema and every statement, a
// single-connection writer to serialize mutations, a multi-connection
// reader for concurrent reads under WAL.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

// OpenStore wraps writer and reader handles the caller has already opened
// on the SQLite file at path (path is used only in error messages) and
// applies any pending migrations through the writer under the startup
// barrier described in spec.md §4.2.5.
func OpenStore(path string, writer, reader *sql.DB) (*Store, error) {
	if err := runMigrations(writer); err != nil {
		return nil, fmt.Errorf("run pss migrations for %s: %w", path, err)
	}
	return &Store{writer: writer, reader: reader}, nil
}

func (s *Store) Close() error {
	werr := s.writer.Close()
	if s.reader != s.writer {
		if rerr := s.reader.Close(); rerr != nil && werr == nil {
			return rerr
		}
	}
	return werr
}

// --- project meta ---

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.reader.QueryRowContext(ctx, `SELECT value FROM project_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO project_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- chat sessions ---

func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&n)
	return n, err
}

func (s *Store) CreateSession(ctx context.Context, sess *v1.ChatSession) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, workspace_id, task_id, topic, status, message_count, started_at)
		VALUES (?,?,?,?,?,?,?)`,
		sess.ID, sess.WorkspaceID, sess.TaskID, sess.Topic, sess.Status, sess.MessageCount, sess.StartedAt)
	return err
}

func (s *Store) scanSession(row interface{ Scan(...interface{}) error }) (*v1.ChatSession, error) {
	var sess v1.ChatSession
	var workspaceID, taskID sql.NullString
	var agentCompletedAt, suspendedAt, endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &workspaceID, &taskID, &sess.Topic, &sess.Status, &sess.MessageCount,
		&agentCompletedAt, &suspendedAt, &sess.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	sess.WorkspaceID = nullStringPtr(workspaceID)
	sess.TaskID = nullStringPtr(taskID)
	sess.AgentCompletedAt = nullTimePtr(agentCompletedAt)
	sess.SuspendedAt = nullTimePtr(suspendedAt)
	sess.EndedAt = nullTimePtr(endedAt)
	return &sess, nil
}

const sessionColumns = `id, workspace_id, task_id, topic, status, message_count, agent_completed_at, suspended_at, started_at, ended_at`

func (s *Store) GetSession(ctx context.Context, id string) (*v1.ChatSession, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := s.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat session not found: %s", id)
	}
	return sess, err
}

// UpdateSessionStatusCond performs the conditional status transition used
// by StopSession (spec.md §4.2.1): only matches rows currently in `from`.
func (s *Store) UpdateSessionStatusCond(ctx context.Context, id string, from, to v1.ChatSessionStatus, endedAt *time.Time) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `
		UPDATE chat_sessions SET status = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ? AND status = ?`,
		to, nullTime(endedAt), id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) SetSessionTopic(ctx context.Context, id, topic string) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE chat_sessions SET topic = ? WHERE id = ?`, topic, id)
	return err
}

// SetSessionWorkspaceID backfills a session's workspace_id, used by the
// orchestrator's workspace_creation step when a task supplies an
// already-existing chatSessionId (spec.md §4.1.4 workspace_creation's
// best-effort PSS link).
func (s *Store) SetSessionWorkspaceID(ctx context.Context, id, workspaceID string) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE chat_sessions SET workspace_id = ? WHERE id = ?`, workspaceID, id)
	return err
}

func (s *Store) IncrementMessageCount(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE chat_sessions SET message_count = message_count + 1 WHERE id = ?`, id)
	return err
}

// MarkAgentCompletedIfNull implements MarkAgentCompleted's "only if NULL"
// contract (spec.md §4.2.1).
func (s *Store) MarkAgentCompletedIfNull(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `
		UPDATE chat_sessions SET agent_completed_at = ? WHERE id = ? AND agent_completed_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListSessions(ctx context.Context, status *v1.ChatSessionStatus, taskID *string, limit, offset int) ([]*v1.ChatSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE 1=1`
	var args []interface{}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	if taskID != nil {
		query += ` AND task_id = ?`
		args = append(args, *taskID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.ChatSession
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- chat messages ---

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func (s *Store) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE id = ?`, messageID).Scan(&n)
	return n > 0, err
}

func (s *Store) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := s.reader.QueryRowContext(ctx, `SELECT MAX(seq) FROM chat_messages WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func (s *Store) InsertMessage(ctx context.Context, m *v1.ChatMessage) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, seq, role, content, tool_metadata, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		m.MessageID, m.SessionID, m.Seq, m.Role, m.Content, nullString(m.ToolMetadata), m.CreatedAt)
	return err
}

func (s *Store) scanMessage(row interface{ Scan(...interface{}) error }) (*v1.ChatMessage, error) {
	var m v1.ChatMessage
	var toolMetadata sql.NullString
	if err := row.Scan(&m.MessageID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &toolMetadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ToolMetadata = nullStringPtr(toolMetadata)
	return &m, nil
}

const messageColumns = `id, session_id, seq, role, content, tool_metadata, created_at`

// GetMessages implements the cursor-paginated read (spec.md §4.2.1):
// `before` is an exclusive timestamp cursor. Returns one extra row
// internally to compute hasMore without a second round trip.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int, before *time.Time) ([]*v1.ChatMessage, bool, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = ?`
	args := []interface{}{sessionID}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, *before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []*v1.ChatMessage
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	// reverse to ascending seq order for the caller
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, hasMore, nil
}

// --- activity events ---

func (s *Store) InsertActivityEvent(ctx context.Context, ev *v1.ActivityEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO activity_events (id, event_type, actor_type, actor_id, workspace_id, session_id, task_id, payload, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.EventType, ev.ActorType, nullString(ev.ActorID), nullString(ev.WorkspaceID),
		nullString(ev.SessionID), nullString(ev.TaskID), string(payload), ev.CreatedAt)
	return err
}

func (s *Store) scanActivityEvent(row interface{ Scan(...interface{}) error }) (*v1.ActivityEvent, error) {
	var ev v1.ActivityEvent
	var actorID, workspaceID, sessionID, taskID sql.NullString
	var payload string
	if err := row.Scan(&ev.ID, &ev.EventType, &ev.ActorType, &actorID, &workspaceID, &sessionID, &taskID, &payload, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.ActorID = nullStringPtr(actorID)
	ev.WorkspaceID = nullStringPtr(workspaceID)
	ev.SessionID = nullStringPtr(sessionID)
	ev.TaskID = nullStringPtr(taskID)
	ev.Payload = []byte(payload)
	return &ev, nil
}

const activityColumns = `id, event_type, actor_type, actor_id, workspace_id, session_id, task_id, payload, created_at`

func (s *Store) ListActivityEvents(ctx context.Context, eventType *string, limit int, before *time.Time) ([]*v1.ActivityEvent, error) {
	query := `SELECT ` + activityColumns + ` FROM activity_events WHERE 1=1`
	var args []interface{}
	if eventType != nil {
		query += ` AND event_type = ?`
		args = append(args, *eventType)
	}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, *before)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.ActivityEvent
	for rows.Next() {
		ev, err := s.scanActivityEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MaxActivityCreatedAt feeds the summary syncback read (spec.md §4.2.4).
func (s *Store) MaxActivityCreatedAt(ctx context.Context) (*time.Time, error) {
	var max sql.NullTime
	err := s.reader.QueryRowContext(ctx, `SELECT MAX(created_at) FROM activity_events`).Scan(&max)
	if err != nil {
		return nil, err
	}
	return nullTimePtr(max), nil
}

func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE status = ?`, v1.ChatSessionActive).Scan(&n)
	return n, err
}

// --- idle cleanup schedule ---

func (s *Store) UpsertIdleCleanup(ctx context.Context, row *v1.IdleCleanupSchedule) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO idle_cleanup_schedule (session_id, workspace_id, task_id, cleanup_at, retry_count, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			task_id = excluded.task_id,
			cleanup_at = excluded.cleanup_at,
			retry_count = excluded.retry_count`,
		row.SessionID, row.WorkspaceID, nullString(row.TaskID), row.CleanupAt, row.RetryCount, row.CreatedAt)
	return err
}

func (s *Store) DeleteIdleCleanup(ctx context.Context, sessionID string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM idle_cleanup_schedule WHERE session_id = ?`, sessionID)
	return err
}

func (s *Store) GetIdleCleanup(ctx context.Context, sessionID string) (*v1.IdleCleanupSchedule, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT session_id, workspace_id, task_id, cleanup_at, retry_count, created_at
		FROM idle_cleanup_schedule WHERE session_id = ?`, sessionID)
	sched, err := scanIdleCleanup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sched, err
}

func scanIdleCleanup(row interface{ Scan(...interface{}) error }) (*v1.IdleCleanupSchedule, error) {
	var sched v1.IdleCleanupSchedule
	var taskID sql.NullString
	if err := row.Scan(&sched.SessionID, &sched.WorkspaceID, &taskID, &sched.CleanupAt, &sched.RetryCount, &sched.CreatedAt); err != nil {
		return nil, err
	}
	sched.TaskID = nullStringPtr(taskID)
	return &sched, nil
}

// ListExpiredIdleCleanups returns every schedule row whose cleanup_at has
// passed, for the alarm handler (spec.md §4.2.2).
func (s *Store) ListExpiredIdleCleanups(ctx context.Context, now time.Time) ([]*v1.IdleCleanupSchedule, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT session_id, workspace_id, task_id, cleanup_at, retry_count, created_at
		FROM idle_cleanup_schedule WHERE cleanup_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.IdleCleanupSchedule
	for rows.Next() {
		sched, err := scanIdleCleanup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// NextIdleCleanupAt finds the earliest upcoming cleanup_at, used to
// recompute the next alarm fire time (spec.md §4.2.2).
func (s *Store) NextIdleCleanupAt(ctx context.Context) (*time.Time, error) {
	var next sql.NullTime
	err := s.reader.QueryRowContext(ctx, `SELECT MIN(cleanup_at) FROM idle_cleanup_schedule`).Scan(&next)
	if err != nil {
		return nil, err
	}
	return nullTimePtr(next), nil
}

func (s *Store) UpdateIdleCleanupRetry(ctx context.Context, sessionID string, retryCount int, cleanupAt time.Time) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE idle_cleanup_schedule SET retry_count = ?, cleanup_at = ? WHERE session_id = ?`,
		retryCount, cleanupAt, sessionID)
	return err
}

// --- helpers ---

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// marshalPayload is a small helper for callers building ActivityEvent
// payloads from structured data instead of raw bytes.
func marshalPayload(v interface{}) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
