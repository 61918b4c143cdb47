// Package cms implements the Central Metadata Store: the durable,
// cross-project relational source of truth for users, projects, nodes,
// workspaces, tasks, and task status events (spec.md §3.1).
package cms

import (
	"context"
	"time"

	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// AgentSessionStatus enumerates agent_session.status values. The agent
// session row isn't tabled in spec.md §3.1 but is read/written by the
// agent_session step (§4.1.4); modeled here as a small table alongside
// workspace, owned the same way.
type AgentSessionStatus string

const (
	AgentSessionRunning   AgentSessionStatus = "running"
	AgentSessionCompleted AgentSessionStatus = "completed"
	AgentSessionError     AgentSessionStatus = "error"
)

// AgentSession is the CMS row created by the orchestrator's agent_session
// step.
type AgentSession struct {
	ID          string             `json:"id"`
	WorkspaceID string             `json:"workspaceId"`
	TaskID      string             `json:"taskId"`
	Status      AgentSessionStatus `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Repository is the full set of CMS operations the orchestrator, the node
// lifecycle manager, and the sweeper read and write. All mutating methods
// that race across actors use conditional (optimistic-lock) semantics per
// spec.md §9 "Optimistic locking everywhere" — they report matched=false
// with a nil error when the row didn't match the expected prior state.
type Repository interface {
	// Projects
	GetProject(ctx context.Context, projectID string) (*v1.Project, error)
	UpdateProjectActivity(ctx context.Context, projectID string, lastActivityAt time.Time, activeSessionCount int) error

	// Nodes
	GetNode(ctx context.Context, nodeID string) (*v1.Node, error)
	ListWarmNodesForUser(ctx context.Context, userID string) ([]*v1.Node, error)
	ListCandidateNodesForUser(ctx context.Context, userID string) ([]*v1.Node, error)
	CountNodesForUser(ctx context.Context, userID string) (int, error)
	CountWorkspacesOnNode(ctx context.Context, nodeID string, statuses []v1.WorkspaceStatus) (int, error)
	CreateNode(ctx context.Context, node *v1.Node) error
	UpdateNodeStatus(ctx context.Context, nodeID string, status v1.NodeStatus) error
	// UpdateNodeProviderInfo records the cloud-provider-assigned instance id
	// and reachable IP address once node_provisioning's CreateNode call
	// returns (spec.md §4.1.4 node_provisioning), so later steps can reach
	// the node agent over internal/agentline.
	UpdateNodeProviderInfo(ctx context.Context, nodeID, providerInstanceID, ipAddress string) error
	UpdateNodeHeartbeat(ctx context.Context, nodeID string, metrics v1.NodeMetrics) error
	UpdateNodeHealth(ctx context.Context, nodeID string, health v1.NodeHealth) error
	// ClaimNodeWarm atomically clears warm_since iff status=running AND
	// warm_since IS NOT NULL AND no live workspace exists. Returns false,nil
	// (not an error) when the precondition didn't hold — this is a normal
	// "someone else claimed it first" outcome, not a conflict requiring
	// retry classification.
	ClaimNodeWarm(ctx context.Context, nodeID string) (bool, error)
	// MarkNodeWarm sets warm_since=now iff no live workspace exists.
	MarkNodeWarm(ctx context.Context, nodeID string) (bool, error)
	ListStaleHeartbeatNodes(ctx context.Context, olderThan time.Time) ([]*v1.Node, error)
	ListOrphanedNodes(ctx context.Context) ([]*v1.Node, error)

	// Workspaces
	GetWorkspace(ctx context.Context, workspaceID string) (*v1.Workspace, error)
	CreateWorkspace(ctx context.Context, ws *v1.Workspace) error
	UpdateWorkspaceStatus(ctx context.Context, workspaceID string, status v1.WorkspaceStatus) error
	// UpdateWorkspaceStatusCond performs status=to WHERE status IN(from...).
	UpdateWorkspaceStatusCond(ctx context.Context, workspaceID string, from []v1.WorkspaceStatus, to v1.WorkspaceStatus) (bool, error)
	UpdateWorkspaceChatSession(ctx context.Context, workspaceID, chatSessionID string) error
	UpdateWorkspaceNode(ctx context.Context, workspaceID, nodeID string) error

	// Tasks
	GetTask(ctx context.Context, taskID string) (*v1.Task, error)
	UpdateTaskExecutionStep(ctx context.Context, taskID string, step *string) error
	UpdateTaskWorkspace(ctx context.Context, taskID, workspaceID, outputBranch string) error
	UpdateTaskAutoProvisionedNode(ctx context.Context, taskID, nodeID string) error
	// UpdateTaskStatusCond performs status=to WHERE id=? AND status=from,
	// the optimistic lock described throughout spec.md §4.1.4/§4.5/§9.
	// Returns matched=false (not an error) on a lock miss.
	UpdateTaskStatusCond(ctx context.Context, taskID string, from, to v1.TaskStatus, extra TaskUpdateExtra) (bool, error)
	ListStuckTasks(ctx context.Context, status v1.TaskStatus, updatedBefore time.Time) ([]*v1.Task, error)
	AppendTaskStatusEvent(ctx context.Context, ev *v1.TaskStatusEvent) error

	// Agent sessions
	GetAgentSession(ctx context.Context, agentSessionID string) (*AgentSession, error)
	CreateAgentSession(ctx context.Context, s *AgentSession) error

	Close() error
}

// TaskUpdateExtra carries the side-effect column writes that must land in
// the same statement as a conditional task status transition, so a lock
// miss never leaves a half-applied update.
type TaskUpdateExtra struct {
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FinalizedAt   *time.Time
	ErrorMessage  *string
	ExecutionStep *string // nil means "don't touch"; non-nil sets execution_step to the pointed-to value
	ClearStep     bool    // sets execution_step to NULL; takes precedence over ExecutionStep
}
