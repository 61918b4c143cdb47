// Package v1 defines the wire types shared between the orchestrator, the
// session store, and their external collaborators (CMS rows, HTTP bodies).
package v1

import "time"

// UserRole and UserStatus mirror the CMS user table (spec.md §3.1).
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// ProjectStatus enumerates project.status values.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusDetached ProjectStatus = "detached"
)

// Project is the CMS project row.
type Project struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	GithubRepoID       *int64        `json:"githubRepoId,omitempty"`
	Repository         string        `json:"repository"`
	Status             ProjectStatus `json:"status"`
	LastActivityAt     *time.Time    `json:"lastActivityAt,omitempty"`
	ActiveSessionCount int           `json:"activeSessionCount"`
}

// NodeStatus enumerates node.status values.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusError   NodeStatus = "error"
	NodeStatusStopped NodeStatus = "stopped"
)

// NodeHealth enumerates node.health_status values.
type NodeHealth string

const (
	NodeHealthHealthy   NodeHealth = "healthy"
	NodeHealthDegraded  NodeHealth = "degraded"
	NodeHealthUnhealthy NodeHealth = "unhealthy"
)

// NodeMetrics is the JSON blob stored in node.last_metrics.
type NodeMetrics struct {
	CPULoadAvg1   float64 `json:"cpuLoadAvg1"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
}

// Node is the CMS node row.
type Node struct {
	ID                 string      `json:"id"`
	UserID             string      `json:"userId"`
	VMSize             string      `json:"vmSize"`
	VMLocation         string      `json:"vmLocation"`
	Status             NodeStatus  `json:"status"`
	HealthStatus       NodeHealth  `json:"healthStatus"`
	LastHeartbeatAt    *time.Time  `json:"lastHeartbeatAt,omitempty"`
	WarmSince          *time.Time  `json:"warmSince,omitempty"`
	LastMetrics        NodeMetrics `json:"lastMetrics"`
	ProviderInstanceID string      `json:"providerInstanceId,omitempty"`
	IPAddress          string      `json:"ipAddress,omitempty"`
}

// WorkspaceStatus enumerates workspace.status values.
type WorkspaceStatus string

const (
	WorkspaceStatusCreating WorkspaceStatus = "creating"
	WorkspaceStatusRunning  WorkspaceStatus = "running"
	WorkspaceStatusRecovery WorkspaceStatus = "recovery"
	WorkspaceStatusError    WorkspaceStatus = "error"
	WorkspaceStatusStopped  WorkspaceStatus = "stopped"
)

// Workspace is the CMS workspace row.
type Workspace struct {
	ID                    string          `json:"id"`
	TaskID                string          `json:"taskId"`
	UserID                string          `json:"userId"`
	ProjectID             string          `json:"projectId"`
	NodeID                *string         `json:"nodeId,omitempty"`
	Repository            string          `json:"repository"`
	Branch                string          `json:"branch"`
	Status                WorkspaceStatus `json:"status"`
	ChatSessionID         *string         `json:"chatSessionId,omitempty"`
	DisplayName           string          `json:"displayName"`
	NormalizedDisplayName string          `json:"normalizedDisplayName"`
}

// TaskStatus enumerates task.status values (spec.md §4.4).
type TaskStatus string

const (
	TaskStatusDraft            TaskStatus = "draft"
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusDelegated        TaskStatus = "delegated"
	TaskStatusInProgress       TaskStatus = "in_progress"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusCancelled        TaskStatus = "cancelled"
	TaskStatusAwaitingFollowup TaskStatus = "awaiting_followup"
)

// legalTaskTransitions mirrors spec.md §4.4 exactly.
var legalTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusDraft: {
		TaskStatusQueued: true,
	},
	TaskStatusQueued: {
		TaskStatusDelegated: true,
		TaskStatusFailed:    true,
		TaskStatusCancelled: true,
	},
	TaskStatusDelegated: {
		TaskStatusInProgress: true,
		TaskStatusFailed:     true,
		TaskStatusCancelled:  true,
	},
	TaskStatusInProgress: {
		TaskStatusAwaitingFollowup: true,
		TaskStatusCompleted:        true,
		TaskStatusFailed:           true,
		TaskStatusCancelled:        true,
	},
	TaskStatusAwaitingFollowup: {
		TaskStatusInProgress: true,
		TaskStatusCompleted:  true,
		TaskStatusFailed:     true,
		TaskStatusCancelled:  true,
	},
}

// IsLegalTaskTransition reports whether from->to is an allowed transition.
func IsLegalTaskTransition(from, to TaskStatus) bool {
	return legalTaskTransitions[from][to]
}

// IsTerminalTaskStatus reports whether a status has no outgoing transitions.
func IsTerminalTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the CMS task row.
type Task struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"projectId"`
	UserID              string     `json:"userId"`
	Status              TaskStatus `json:"status"`
	Priority            int        `json:"priority"`
	ExecutionStep       *string    `json:"executionStep,omitempty"`
	WorkspaceID         *string    `json:"workspaceId,omitempty"`
	AutoProvisionedNode *string    `json:"autoProvisionedNodeId,omitempty"`
	OutputBranch        *string    `json:"outputBranch,omitempty"`
	OutputPRURL         *string    `json:"outputPrUrl,omitempty"`
	FinalizedAt         *time.Time `json:"finalizedAt,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	ErrorMessage        *string    `json:"errorMessage,omitempty"`
}

// ActorType enumerates the actor attributing a status change or activity.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAgent  ActorType = "agent"
)

// TaskStatusEvent is the CMS append-only audit row.
type TaskStatusEvent struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	FromStatus TaskStatus `json:"fromStatus"`
	ToStatus   TaskStatus `json:"toStatus"`
	ActorType  ActorType  `json:"actorType"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ChatSessionStatus enumerates PSS chat_session.status values.
type ChatSessionStatus string

const (
	ChatSessionActive  ChatSessionStatus = "active"
	ChatSessionStopped ChatSessionStatus = "stopped"
)

// ChatSession is a PSS row (spec.md §3.2).
type ChatSession struct {
	ID               string            `json:"id"`
	WorkspaceID      *string           `json:"workspaceId,omitempty"`
	TaskID           *string           `json:"taskId,omitempty"`
	Topic            string            `json:"topic,omitempty"`
	Status           ChatSessionStatus `json:"status"`
	MessageCount     int               `json:"messageCount"`
	AgentCompletedAt *time.Time        `json:"agentCompletedAt,omitempty"`
	SuspendedAt      *time.Time        `json:"suspendedAt,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	EndedAt          *time.Time        `json:"endedAt,omitempty"`
}

// ChatRole enumerates chat_message.role values.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
	ChatRoleTool      ChatRole = "tool"
)

// ChatMessage is a PSS row, and also the wire format of spec.md §6.3.
type ChatMessage struct {
	MessageID    string    `json:"messageId"`
	SessionID    string    `json:"sessionId"`
	Seq          int64     `json:"seq"`
	Role         ChatRole  `json:"role"`
	Content      string    `json:"content"`
	ToolMetadata *string   `json:"toolMetadata,omitempty"`
	CreatedAt    time.Time `json:"timestamp"`
}

// ActivityEvent is a PSS row. Payload is kept as raw JSON bytes rather than a
// typed sum so new event shapes never require a schema migration.
type ActivityEvent struct {
	ID          string    `json:"id"`
	EventType   string    `json:"eventType"`
	ActorType   ActorType `json:"actorType"`
	ActorID     *string   `json:"actorId,omitempty"`
	WorkspaceID *string   `json:"workspaceId,omitempty"`
	SessionID   *string   `json:"sessionId,omitempty"`
	TaskID      *string   `json:"taskId,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Activity event type constants (spec.md §3.2 examples + §4.2).
const (
	EventSessionStarted          = "session.started"
	EventSessionStopped          = "session.stopped"
	EventSessionIdleCleanup      = "session.idle_cleanup"
	EventSessionIdleCleanupFail  = "session.idle_cleanup_failed"
	EventWorkspaceCreated        = "workspace.created"
	EventTaskStatusChanged       = "task.status_changed"
)

// IdleCleanupSchedule is the PSS row driving the idle-cleanup alarm.
type IdleCleanupSchedule struct {
	SessionID   string    `json:"sessionId"`
	WorkspaceID string    `json:"workspaceId"`
	TaskID      *string   `json:"taskId,omitempty"`
	CleanupAt   time.Time `json:"cleanupAt"`
	RetryCount  int       `json:"retryCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TaskStartConfig is the Start(...) argument described in spec.md §4.1.2.
type TaskStartConfig struct {
	VMSize          string  `json:"vmSize"`
	VMLocation      string  `json:"vmLocation"`
	Branch          string  `json:"branch"`
	PreferredNodeID *string `json:"preferredNodeId,omitempty"`
	TaskTitle       string  `json:"taskTitle"`
	TaskDescription *string `json:"taskDescription,omitempty"`
	Repository      string  `json:"repository"`
	InstallationID  string  `json:"installationId"`
	OutputBranch    *string `json:"outputBranch,omitempty"`
	ChatSessionID   *string `json:"chatSessionId,omitempty"`
	GitUserName     *string `json:"gitUserName,omitempty"`
	GitUserEmail    *string `json:"gitUserEmail,omitempty"`
	GitUserID       *string `json:"gitUserId,omitempty"`
}
