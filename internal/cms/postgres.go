package cms

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flywheel-dev/taskengine/internal/db"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// PostgresRepository is the production CMS backend: a shared Postgres
// database accessed through a read/write pool (internal/db.Pool), mirroring
// the teacher's SQLite repository's shape (one struct, schema owned here,
// every mutation a single statement) adapted to Postgres placeholders and
// conditional UPDATEs instead of SQLite's single-writer simplicity.
type PostgresRepository struct {
	pool *db.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wraps an already-opened pool and ensures the schema
// exists.
func NewPostgresRepository(pool *db.Pool) (*PostgresRepository, error) {
	r := &PostgresRepository{pool: pool}
	if err := r.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init cms schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRepository) Close() error { return r.pool.Close() }

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		github_repo_id BIGINT,
		repository TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_activity_at TIMESTAMPTZ,
		active_session_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_user_repo ON projects(user_id, github_repo_id) WHERE github_repo_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		vm_size TEXT NOT NULL,
		vm_location TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		health_status TEXT NOT NULL DEFAULT 'healthy',
		last_heartbeat_at TIMESTAMPTZ,
		warm_since TIMESTAMPTZ,
		last_metrics JSONB NOT NULL DEFAULT '{}',
		provider_instance_id TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_user ON nodes(user_id);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		node_id TEXT,
		repository TEXT NOT NULL,
		branch TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'creating',
		chat_session_id TEXT,
		display_name TEXT NOT NULL DEFAULT '',
		normalized_display_name TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_workspaces_node ON workspaces(node_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_task ON workspaces(task_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		priority INTEGER NOT NULL DEFAULT 0,
		execution_step TEXT,
		workspace_id TEXT,
		auto_provisioned_node_id TEXT,
		output_branch TEXT,
		output_pr_url TEXT,
		finalized_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);

	CREATE TABLE IF NOT EXISTS task_status_events (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_task_status_events_task ON task_status_events(task_id);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS error_records (
		id TEXT PRIMARY KEY,
		task_id TEXT,
		node_id TEXT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		context JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	_, err := r.pool.Writer().ExecContext(ctx, schema)
	return err
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func scanPtrString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func scanPtrTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// GetProject reads a project row.
func (r *PostgresRepository) GetProject(ctx context.Context, projectID string) (*v1.Project, error) {
	row := r.pool.Reader().QueryRowContext(ctx, `
		SELECT id, user_id, github_repo_id, repository, status, last_activity_at, active_session_count
		FROM projects WHERE id = $1`, projectID)

	var p v1.Project
	var repoID sql.NullInt64
	var lastActivity sql.NullTime
	if err := row.Scan(&p.ID, &p.UserID, &repoID, &p.Repository, &p.Status, &lastActivity, &p.ActiveSessionCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project not found: %s", projectID)
		}
		return nil, err
	}
	if repoID.Valid {
		p.GithubRepoID = &repoID.Int64
	}
	p.LastActivityAt = scanPtrTime(lastActivity)
	return &p, nil
}

// UpdateProjectActivity is the PSS summary-syncback write (spec.md §4.2.4).
func (r *PostgresRepository) UpdateProjectActivity(ctx context.Context, projectID string, lastActivityAt time.Time, activeSessionCount int) error {
	_, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE projects SET last_activity_at = $1, active_session_count = $2 WHERE id = $3`,
		lastActivityAt, activeSessionCount, projectID)
	return err
}

func (r *PostgresRepository) scanNode(row interface{ Scan(...interface{}) error }) (*v1.Node, error) {
	var n v1.Node
	var heartbeat, warmSince sql.NullTime
	var metricsJSON []byte
	if err := row.Scan(&n.ID, &n.UserID, &n.VMSize, &n.VMLocation, &n.Status, &n.HealthStatus,
		&heartbeat, &warmSince, &metricsJSON, &n.ProviderInstanceID, &n.IPAddress); err != nil {
		return nil, err
	}
	n.LastHeartbeatAt = scanPtrTime(heartbeat)
	n.WarmSince = scanPtrTime(warmSince)
	if len(metricsJSON) > 0 {
		_ = json.Unmarshal(metricsJSON, &n.LastMetrics)
	}
	return &n, nil
}

const nodeColumns = `id, user_id, vm_size, vm_location, status, health_status, last_heartbeat_at, warm_since, last_metrics, provider_instance_id, ip_address`

func (r *PostgresRepository) GetNode(ctx context.Context, nodeID string) (*v1.Node, error) {
	row := r.pool.Reader().QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, nodeID)
	n, err := r.scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}
	return n, err
}

// ListWarmNodesForUser implements the warm-claim candidate query (spec.md §4.1.4 step 2).
func (r *PostgresRepository) ListWarmNodesForUser(ctx context.Context, userID string) ([]*v1.Node, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE user_id = $1 AND status = 'running' AND warm_since IS NOT NULL`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanNodes(rows)
}

// ListCandidateNodesForUser implements the capacity-search candidate query
// (spec.md §4.1.4 step 3): running, non-unhealthy nodes for the user.
func (r *PostgresRepository) ListCandidateNodesForUser(ctx context.Context, userID string) ([]*v1.Node, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE user_id = $1 AND status = 'running' AND health_status != 'unhealthy'`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanNodes(rows)
}

func (r *PostgresRepository) scanNodes(rows *sql.Rows) ([]*v1.Node, error) {
	var out []*v1.Node
	for rows.Next() {
		n, err := r.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountNodesForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE user_id = $1 AND status != 'stopped'`, userID).Scan(&n)
	return n, err
}

func (r *PostgresRepository) CountWorkspacesOnNode(ctx context.Context, nodeID string, statuses []v1.WorkspaceStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM workspaces WHERE node_id = $1 AND status = ANY($2)`
	arr := make([]string, len(statuses))
	for i, s := range statuses {
		arr[i] = string(s)
	}
	var n int
	err := r.pool.Reader().QueryRowContext(ctx, query, nodeID, arr).Scan(&n)
	return n, err
}

func (r *PostgresRepository) CreateNode(ctx context.Context, node *v1.Node) error {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	metricsJSON, _ := json.Marshal(node.LastMetrics)
	_, err := r.pool.Writer().ExecContext(ctx, `
		INSERT INTO nodes (id, user_id, vm_size, vm_location, status, health_status, last_heartbeat_at, warm_since, last_metrics, provider_instance_id, ip_address)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		node.ID, node.UserID, node.VMSize, node.VMLocation, node.Status, node.HealthStatus,
		nullTime(node.LastHeartbeatAt), nullTime(node.WarmSince), metricsJSON, node.ProviderInstanceID, node.IPAddress)
	return err
}

func (r *PostgresRepository) UpdateNodeStatus(ctx context.Context, nodeID string, status v1.NodeStatus) error {
	_, err := r.pool.Writer().ExecContext(ctx, `UPDATE nodes SET status = $1 WHERE id = $2`, status, nodeID)
	return err
}

func (r *PostgresRepository) UpdateNodeProviderInfo(ctx context.Context, nodeID, providerInstanceID, ipAddress string) error {
	_, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE nodes SET provider_instance_id = $1, ip_address = $2 WHERE id = $3`, providerInstanceID, ipAddress, nodeID)
	return err
}

func (r *PostgresRepository) UpdateNodeHeartbeat(ctx context.Context, nodeID string, metrics v1.NodeMetrics) error {
	metricsJSON, _ := json.Marshal(metrics)
	_, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE nodes SET last_heartbeat_at = now(), last_metrics = $1 WHERE id = $2`, metricsJSON, nodeID)
	return err
}

func (r *PostgresRepository) UpdateNodeHealth(ctx context.Context, nodeID string, health v1.NodeHealth) error {
	_, err := r.pool.Writer().ExecContext(ctx, `UPDATE nodes SET health_status = $1 WHERE id = $2`, health, nodeID)
	return err
}

// ClaimNodeWarm implements NLM.TryClaim's CMS half (spec.md §4.3): the NLM's
// per-node actor still serializes concurrent callers, but the actual mutation
// is this conditional UPDATE so a racing reaper/claim never interleaves
// inconsistently.
func (r *PostgresRepository) ClaimNodeWarm(ctx context.Context, nodeID string) (bool, error) {
	res, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE nodes SET warm_since = NULL
		WHERE id = $1 AND status = 'running' AND warm_since IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM workspaces WHERE node_id = $1 AND status IN ('running','creating','recovery'))`,
		nodeID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkNodeWarm implements NLM.MarkIdle (spec.md §4.3).
func (r *PostgresRepository) MarkNodeWarm(ctx context.Context, nodeID string) (bool, error) {
	res, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE nodes SET warm_since = now()
		WHERE id = $1 AND warm_since IS NULL
		AND NOT EXISTS (SELECT 1 FROM workspaces WHERE node_id = $1 AND status IN ('running','creating','recovery'))`,
		nodeID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *PostgresRepository) ListStaleHeartbeatNodes(ctx context.Context, olderThan time.Time) ([]*v1.Node, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE status = 'running' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanNodes(rows)
}

// ListOrphanedNodes finds nodes with no warm_since and no live workspace —
// the orphan condition the node reaper watches for (SPEC_FULL.md §3).
func (r *PostgresRepository) ListOrphanedNodes(ctx context.Context) ([]*v1.Node, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes n
		WHERE n.status = 'running' AND n.warm_since IS NULL
		AND NOT EXISTS (SELECT 1 FROM workspaces w WHERE w.node_id = n.id AND w.status IN ('running','creating','recovery'))`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanNodes(rows)
}

const workspaceColumns = `id, task_id, user_id, project_id, node_id, repository, branch, status, chat_session_id, display_name, normalized_display_name`

func (r *PostgresRepository) scanWorkspace(row interface{ Scan(...interface{}) error }) (*v1.Workspace, error) {
	var w v1.Workspace
	var nodeID, chatSessionID sql.NullString
	if err := row.Scan(&w.ID, &w.TaskID, &w.UserID, &w.ProjectID, &nodeID, &w.Repository, &w.Branch, &w.Status, &chatSessionID, &w.DisplayName, &w.NormalizedDisplayName); err != nil {
		return nil, err
	}
	w.NodeID = scanPtrString(nodeID)
	w.ChatSessionID = scanPtrString(chatSessionID)
	return &w, nil
}

func (r *PostgresRepository) GetWorkspace(ctx context.Context, workspaceID string) (*v1.Workspace, error) {
	row := r.pool.Reader().QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, workspaceID)
	w, err := r.scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace not found: %s", workspaceID)
	}
	return w, err
}

func (r *PostgresRepository) CreateWorkspace(ctx context.Context, ws *v1.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	_, err := r.pool.Writer().ExecContext(ctx, `
		INSERT INTO workspaces (id, task_id, user_id, project_id, node_id, repository, branch, status, chat_session_id, display_name, normalized_display_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ws.ID, ws.TaskID, ws.UserID, ws.ProjectID, nullString(ws.NodeID), ws.Repository, ws.Branch, ws.Status,
		nullString(ws.ChatSessionID), ws.DisplayName, ws.NormalizedDisplayName)
	return err
}

func (r *PostgresRepository) UpdateWorkspaceStatus(ctx context.Context, workspaceID string, status v1.WorkspaceStatus) error {
	_, err := r.pool.Writer().ExecContext(ctx, `UPDATE workspaces SET status = $1 WHERE id = $2`, status, workspaceID)
	return err
}

func (r *PostgresRepository) UpdateWorkspaceStatusCond(ctx context.Context, workspaceID string, from []v1.WorkspaceStatus, to v1.WorkspaceStatus) (bool, error) {
	arr := make([]string, len(from))
	for i, s := range from {
		arr[i] = string(s)
	}
	res, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE workspaces SET status = $1 WHERE id = $2 AND status = ANY($3)`, to, workspaceID, arr)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *PostgresRepository) UpdateWorkspaceChatSession(ctx context.Context, workspaceID, chatSessionID string) error {
	_, err := r.pool.Writer().ExecContext(ctx, `UPDATE workspaces SET chat_session_id = $1 WHERE id = $2`, chatSessionID, workspaceID)
	return err
}

func (r *PostgresRepository) UpdateWorkspaceNode(ctx context.Context, workspaceID, nodeID string) error {
	_, err := r.pool.Writer().ExecContext(ctx, `UPDATE workspaces SET node_id = $1 WHERE id = $2`, nodeID, workspaceID)
	return err
}

const taskColumns = `id, project_id, user_id, status, priority, execution_step, workspace_id, auto_provisioned_node_id, output_branch, output_pr_url, finalized_at, started_at, completed_at, error_message`

func (r *PostgresRepository) scanTask(row interface{ Scan(...interface{}) error }) (*v1.Task, error) {
	var t v1.Task
	var step, workspaceID, autoNode, outputBranch, outputPR, errMsg sql.NullString
	var finalizedAt, startedAt, completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &t.UserID, &t.Status, &t.Priority, &step, &workspaceID, &autoNode,
		&outputBranch, &outputPR, &finalizedAt, &startedAt, &completedAt, &errMsg); err != nil {
		return nil, err
	}
	t.ExecutionStep = scanPtrString(step)
	t.WorkspaceID = scanPtrString(workspaceID)
	t.AutoProvisionedNode = scanPtrString(autoNode)
	t.OutputBranch = scanPtrString(outputBranch)
	t.OutputPRURL = scanPtrString(outputPR)
	t.FinalizedAt = scanPtrTime(finalizedAt)
	t.StartedAt = scanPtrTime(startedAt)
	t.CompletedAt = scanPtrTime(completedAt)
	t.ErrorMessage = scanPtrString(errMsg)
	return &t, nil
}

func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	row := r.pool.Reader().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	t, err := r.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return t, err
}

func (r *PostgresRepository) UpdateTaskExecutionStep(ctx context.Context, taskID string, step *string) error {
	_, err := r.pool.Writer().ExecContext(ctx, `UPDATE tasks SET execution_step = $1, updated_at = now() WHERE id = $2`, nullString(step), taskID)
	return err
}

// UpdateTaskWorkspace atomically sets workspace_id and output_branch,
// falling back to "task/{taskId}" when none is supplied (spec.md §4.1.4
// workspace_creation).
func (r *PostgresRepository) UpdateTaskWorkspace(ctx context.Context, taskID, workspaceID, outputBranch string) error {
	if outputBranch == "" {
		outputBranch = fmt.Sprintf("task/%s", taskID)
	}
	_, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE tasks SET workspace_id = $1, output_branch = $2, updated_at = now() WHERE id = $3`,
		workspaceID, outputBranch, taskID)
	return err
}

func (r *PostgresRepository) UpdateTaskAutoProvisionedNode(ctx context.Context, taskID, nodeID string) error {
	_, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE tasks SET auto_provisioned_node_id = $1, updated_at = now() WHERE id = $2`, nodeID, taskID)
	return err
}

func (r *PostgresRepository) UpdateTaskStatusCond(ctx context.Context, taskID string, from, to v1.TaskStatus, extra TaskUpdateExtra) (bool, error) {
	var stepArg interface{}
	setStep := ""
	if extra.ClearStep {
		setStep = ", execution_step = NULL"
	} else if extra.ExecutionStep != nil {
		setStep = ", execution_step = $6"
		stepArg = *extra.ExecutionStep
	}

	query := fmt.Sprintf(`
		UPDATE tasks SET status = $1, updated_at = now(),
			started_at = COALESCE($2, started_at),
			completed_at = COALESCE($3, completed_at),
			finalized_at = COALESCE(finalized_at, $4),
			error_message = COALESCE($5, error_message)
			%s
		WHERE id = $7 AND status = $8`, setStep)

	args := []interface{}{to, nullTime(extra.StartedAt), nullTime(extra.CompletedAt), nullTime(extra.FinalizedAt), nullString(extra.ErrorMessage)}
	if setStep != "" {
		args = append(args, stepArg)
	} else {
		args = append(args, nil)
	}
	args = append(args, taskID, from)

	res, err := r.pool.Writer().ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *PostgresRepository) ListStuckTasks(ctx context.Context, status v1.TaskStatus, updatedBefore time.Time) ([]*v1.Task, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = $1 AND updated_at < $2`, status, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*v1.Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AppendTaskStatusEvent(ctx context.Context, ev *v1.TaskStatusEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Writer().ExecContext(ctx, `
		INSERT INTO task_status_events (id, task_id, from_status, to_status, actor_type, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.ID, ev.TaskID, ev.FromStatus, ev.ToStatus, ev.ActorType, ev.Reason, ev.CreatedAt)
	return err
}

func (r *PostgresRepository) GetAgentSession(ctx context.Context, agentSessionID string) (*AgentSession, error) {
	var s AgentSession
	err := r.pool.Reader().QueryRowContext(ctx, `
		SELECT id, workspace_id, task_id, status, created_at FROM agent_sessions WHERE id = $1`, agentSessionID).
		Scan(&s.ID, &s.WorkspaceID, &s.TaskID, &s.Status, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent session not found: %s", agentSessionID)
	}
	return &s, err
}

func (r *PostgresRepository) CreateAgentSession(ctx context.Context, s *AgentSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Writer().ExecContext(ctx, `
		INSERT INTO agent_sessions (id, workspace_id, task_id, status, created_at) VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.WorkspaceID, s.TaskID, s.Status, s.CreatedAt)
	return err
}
