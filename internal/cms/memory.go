package cms

import (
	"context"
	"fmt"
	"sync"
	"time"

	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// MemoryRepository is an in-process Repository fake used by orchestrator,
// NLM, and sweeper unit tests so they never need a live Postgres instance.
// Mirrors the teacher's in-memory task repository fake: one mutex guarding
// plain maps, no attempt at SQL semantics beyond what callers rely on.
type MemoryRepository struct {
	mu sync.Mutex

	projects      map[string]*v1.Project
	nodes         map[string]*v1.Node
	workspaces    map[string]*v1.Workspace
	tasks         map[string]*v1.Task
	taskUpdatedAt map[string]time.Time
	taskEvents    []*v1.TaskStatusEvent
	agentSessions map[string]*AgentSession
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty fake; callers seed it via the Put*
// helpers or CreateNode/CreateWorkspace.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:      make(map[string]*v1.Project),
		nodes:         make(map[string]*v1.Node),
		workspaces:    make(map[string]*v1.Workspace),
		tasks:         make(map[string]*v1.Task),
		taskUpdatedAt: make(map[string]time.Time),
		agentSessions: make(map[string]*AgentSession),
	}
}

func (r *MemoryRepository) Close() error { return nil }

// PutProject seeds a project row for test setup.
func (r *MemoryRepository) PutProject(p *v1.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.projects[p.ID] = &cp
}

// PutTask seeds a task row for test setup.
func (r *MemoryRepository) PutTask(t *v1.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tasks[t.ID] = &cp
	r.taskUpdatedAt[t.ID] = time.Now().UTC()
}

// PutTaskUpdatedAt backdates a seeded task's bookkeeping timestamp, letting
// sweeper tests simulate a task that has been stuck for longer than any
// threshold without sleeping in real time.
func (r *MemoryRepository) PutTaskUpdatedAt(taskID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskUpdatedAt[taskID] = at
}

// PutWorkspace seeds a workspace row for test setup.
func (r *MemoryRepository) PutWorkspace(w *v1.Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.workspaces[w.ID] = &cp
}

// PutNode seeds a node row for test setup.
func (r *MemoryRepository) PutNode(n *v1.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.nodes[n.ID] = &cp
}

func (r *MemoryRepository) GetProject(ctx context.Context, projectID string) (*v1.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project not found: %s", projectID)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) UpdateProjectActivity(ctx context.Context, projectID string, lastActivityAt time.Time, activeSessionCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return fmt.Errorf("project not found: %s", projectID)
	}
	p.LastActivityAt = &lastActivityAt
	p.ActiveSessionCount = activeSessionCount
	return nil
}

func (r *MemoryRepository) GetNode(ctx context.Context, nodeID string) (*v1.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}
	cp := *n
	return &cp, nil
}

func (r *MemoryRepository) ListWarmNodesForUser(ctx context.Context, userID string) ([]*v1.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Node
	for _, n := range r.nodes {
		if n.UserID == userID && n.Status == v1.NodeStatusRunning && n.WarmSince != nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListCandidateNodesForUser(ctx context.Context, userID string) ([]*v1.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Node
	for _, n := range r.nodes {
		if n.UserID == userID && n.Status == v1.NodeStatusRunning && n.HealthStatus != v1.NodeHealthUnhealthy {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountNodesForUser(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, node := range r.nodes {
		if node.UserID == userID && node.Status != v1.NodeStatusStopped {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountWorkspacesOnNode(ctx context.Context, nodeID string, statuses []v1.WorkspaceStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[v1.WorkspaceStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	n := 0
	for _, w := range r.workspaces {
		if w.NodeID != nil && *w.NodeID == nodeID && want[w.Status] {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CreateNode(ctx context.Context, node *v1.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node.ID == "" {
		node.ID = fmt.Sprintf("node-%d", len(r.nodes)+1)
	}
	cp := *node
	r.nodes[node.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateNodeStatus(ctx context.Context, nodeID string, status v1.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node not found: %s", nodeID)
	}
	n.Status = status
	return nil
}

func (r *MemoryRepository) UpdateNodeProviderInfo(ctx context.Context, nodeID, providerInstanceID, ipAddress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node not found: %s", nodeID)
	}
	n.ProviderInstanceID = providerInstanceID
	n.IPAddress = ipAddress
	return nil
}

func (r *MemoryRepository) UpdateNodeHeartbeat(ctx context.Context, nodeID string, metrics v1.NodeMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node not found: %s", nodeID)
	}
	now := time.Now().UTC()
	n.LastHeartbeatAt = &now
	n.LastMetrics = metrics
	return nil
}

func (r *MemoryRepository) UpdateNodeHealth(ctx context.Context, nodeID string, health v1.NodeHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node not found: %s", nodeID)
	}
	n.HealthStatus = health
	return nil
}

func (r *MemoryRepository) hasLiveWorkspace(nodeID string) bool {
	for _, w := range r.workspaces {
		if w.NodeID != nil && *w.NodeID == nodeID {
			switch w.Status {
			case v1.WorkspaceStatusRunning, v1.WorkspaceStatusCreating, v1.WorkspaceStatusRecovery:
				return true
			}
		}
	}
	return false
}

func (r *MemoryRepository) ClaimNodeWarm(ctx context.Context, nodeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return false, fmt.Errorf("node not found: %s", nodeID)
	}
	if n.Status != v1.NodeStatusRunning || n.WarmSince == nil || r.hasLiveWorkspace(nodeID) {
		return false, nil
	}
	n.WarmSince = nil
	return true, nil
}

func (r *MemoryRepository) MarkNodeWarm(ctx context.Context, nodeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return false, fmt.Errorf("node not found: %s", nodeID)
	}
	if n.WarmSince != nil || r.hasLiveWorkspace(nodeID) {
		return false, nil
	}
	now := time.Now().UTC()
	n.WarmSince = &now
	return true, nil
}

func (r *MemoryRepository) ListStaleHeartbeatNodes(ctx context.Context, olderThan time.Time) ([]*v1.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Node
	for _, n := range r.nodes {
		if n.Status == v1.NodeStatusRunning && (n.LastHeartbeatAt == nil || n.LastHeartbeatAt.Before(olderThan)) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListOrphanedNodes(ctx context.Context) ([]*v1.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Node
	for _, n := range r.nodes {
		if n.Status == v1.NodeStatusRunning && n.WarmSince == nil && !r.hasLiveWorkspace(n.ID) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetWorkspace(ctx context.Context, workspaceID string) (*v1.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("workspace not found: %s", workspaceID)
	}
	cp := *w
	return &cp, nil
}

func (r *MemoryRepository) CreateWorkspace(ctx context.Context, ws *v1.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws.ID == "" {
		ws.ID = fmt.Sprintf("workspace-%d", len(r.workspaces)+1)
	}
	cp := *ws
	r.workspaces[ws.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateWorkspaceStatus(ctx context.Context, workspaceID string, status v1.WorkspaceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace not found: %s", workspaceID)
	}
	w.Status = status
	return nil
}

func (r *MemoryRepository) UpdateWorkspaceStatusCond(ctx context.Context, workspaceID string, from []v1.WorkspaceStatus, to v1.WorkspaceStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[workspaceID]
	if !ok {
		return false, fmt.Errorf("workspace not found: %s", workspaceID)
	}
	for _, f := range from {
		if w.Status == f {
			w.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) UpdateWorkspaceChatSession(ctx context.Context, workspaceID, chatSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace not found: %s", workspaceID)
	}
	w.ChatSessionID = &chatSessionID
	return nil
}

func (r *MemoryRepository) UpdateWorkspaceNode(ctx context.Context, workspaceID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace not found: %s", workspaceID)
	}
	w.NodeID = &nodeID
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) UpdateTaskExecutionStep(ctx context.Context, taskID string, step *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.ExecutionStep = step
	r.taskUpdatedAt[taskID] = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateTaskWorkspace(ctx context.Context, taskID, workspaceID, outputBranch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if outputBranch == "" {
		outputBranch = fmt.Sprintf("task/%s", taskID)
	}
	t.WorkspaceID = &workspaceID
	t.OutputBranch = &outputBranch
	r.taskUpdatedAt[taskID] = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateTaskAutoProvisionedNode(ctx context.Context, taskID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.AutoProvisionedNode = &nodeID
	r.taskUpdatedAt[taskID] = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateTaskStatusCond(ctx context.Context, taskID string, from, to v1.TaskStatus, extra TaskUpdateExtra) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("task not found: %s", taskID)
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	if extra.StartedAt != nil {
		t.StartedAt = extra.StartedAt
	}
	if extra.CompletedAt != nil {
		t.CompletedAt = extra.CompletedAt
	}
	if extra.FinalizedAt != nil && t.FinalizedAt == nil {
		t.FinalizedAt = extra.FinalizedAt
	}
	if extra.ErrorMessage != nil {
		t.ErrorMessage = extra.ErrorMessage
	}
	if extra.ClearStep {
		t.ExecutionStep = nil
	} else if extra.ExecutionStep != nil {
		t.ExecutionStep = extra.ExecutionStep
	}
	r.taskUpdatedAt[taskID] = time.Now().UTC()
	return true, nil
}

func (r *MemoryRepository) ListStuckTasks(ctx context.Context, status v1.TaskStatus, updatedBefore time.Time) ([]*v1.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Task
	for id, t := range r.tasks {
		if t.Status != status {
			continue
		}
		if ua, ok := r.taskUpdatedAt[id]; ok && !ua.Before(updatedBefore) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) AppendTaskStatusEvent(ctx context.Context, ev *v1.TaskStatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("event-%d", len(r.taskEvents)+1)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	r.taskEvents = append(r.taskEvents, &cp)
	return nil
}

// TaskStatusEvents returns every event appended so far, for test assertions.
func (r *MemoryRepository) TaskStatusEvents() []*v1.TaskStatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*v1.TaskStatusEvent, len(r.taskEvents))
	copy(out, r.taskEvents)
	return out
}

func (r *MemoryRepository) GetAgentSession(ctx context.Context, agentSessionID string) (*AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.agentSessions[agentSessionID]
	if !ok {
		return nil, fmt.Errorf("agent session not found: %s", agentSessionID)
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) CreateAgentSession(ctx context.Context, s *AgentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = fmt.Sprintf("agent-session-%d", len(r.agentSessions)+1)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	r.agentSessions[s.ID] = &cp
	return nil
}
