// Package orchestrator implements the Task Orchestrator (spec.md §4.1): one
// single-threaded instance per task, driving it from queued to one of
// {in_progress, failed} through a fixed, idempotent, independently
// retryable step sequence. Grounded on the teacher's
// orchestrator/executor/executor.go (per-task tracking map, maxConcurrent
// gating, folded here into node capacity search) and its
// orchestrator/queue/queue.go (priority ideas folded into node scoring).
package orchestrator

import (
	"time"

	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// Step enumerates the task orchestrator's step machine states (spec.md
// §4.1.4).
type Step string

const (
	StepNodeSelection     Step = "node_selection"
	StepNodeProvisioning  Step = "node_provisioning"
	StepNodeAgentReady    Step = "node_agent_ready"
	StepWorkspaceCreation Step = "workspace_creation"
	StepWorkspaceReady    Step = "workspace_ready"
	StepAgentSession      Step = "agent_session"
	StepRunning           Step = "running"
	StepFailed            Step = "failed"
)

func (s Step) Terminal() bool {
	return s == StepRunning || s == StepFailed
}

// StepResults accumulates the side-effect ids each step records, so a
// crash-recovered instance can tell what it already did (spec.md §4.1.3).
type StepResults struct {
	NodeID          *string `json:"nodeId,omitempty"`
	AutoProvisioned bool    `json:"autoProvisioned"`
	WorkspaceID     *string `json:"workspaceId,omitempty"`
	ChatSessionID   *string `json:"chatSessionId,omitempty"`
	AgentSessionID  *string `json:"agentSessionId,omitempty"`
	// CallbackToken is the signed token handed to the node agent alongside
	// the workspace-ready callback URL; the HTTP layer compares it against
	// the caller's token before invoking AdvanceWorkspaceReady (spec.md
	// §6.1 "Authenticated by signed callback token issued at workspace
	// creation").
	CallbackToken *string `json:"callbackToken,omitempty"`
}

// State is the task instance's persisted record (spec.md §4.1.3), an opaque
// JSON blob from the point of view of anything but the instance itself.
type State struct {
	Version     int    `json:"version"`
	TaskID      string `json:"taskId"`
	ProjectID   string `json:"projectId"`
	UserID      string `json:"userId"`
	CurrentStep Step   `json:"currentStep"`
	RetryCount  int    `json:"retryCount"`

	StepResults StepResults        `json:"stepResults"`
	Config      v1.TaskStartConfig `json:"config"`

	WorkspaceReadyReceived bool    `json:"workspaceReadyReceived"`
	WorkspaceReadyStatus   *string `json:"workspaceReadyStatus,omitempty"`
	WorkspaceErrorMessage  *string `json:"workspaceErrorMessage,omitempty"`

	AgentReadyStartedAt     *time.Time `json:"agentReadyStartedAt,omitempty"`
	WorkspaceReadyStartedAt *time.Time `json:"workspaceReadyStartedAt,omitempty"`

	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
	LastStepAt time.Time `json:"lastStepAt"`
}

const stateVersion = 1

func newState(taskID, projectID, userID string, cfg v1.TaskStartConfig) *State {
	now := time.Now().UTC()
	return &State{
		Version:     stateVersion,
		TaskID:      taskID,
		ProjectID:   projectID,
		UserID:      userID,
		CurrentStep: StepNodeSelection,
		Config:      cfg,
		CreatedAt:   now,
		LastStepAt:  now,
	}
}
