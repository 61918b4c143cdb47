package orchestrator

import (
	"context"

	"github.com/flywheel-dev/taskengine/internal/agentline"
	"github.com/flywheel-dev/taskengine/internal/provider"
)

// NodeClaimer is the NLM surface the orchestrator needs (internal/nlm.Manager
// satisfies it directly).
type NodeClaimer interface {
	TryClaim(ctx context.Context, nodeID string) (bool, error)
	MarkIdle(ctx context.Context, nodeID string) (bool, error)
}

// ErrorRecorder is the observability-store surface failTask writes to
// (internal/common/obsstore.Store satisfies it directly).
type ErrorRecorder interface {
	RecordTaskError(ctx context.Context, taskID, message string) error
}

// ProviderClient is the cloud-provider surface node_provisioning needs
// (internal/provider.Client satisfies it directly).
type ProviderClient interface {
	CreateNode(ctx context.Context, req provider.CreateNodeRequest) (*provider.NodeInstance, error)
	GetNodeStatus(ctx context.Context, providerInstanceID string) (*provider.NodeInstance, error)
	DeleteNode(ctx context.Context, providerInstanceID string) error
}

// AgentLineClient is the node-agent line-protocol surface node_agent_ready,
// workspace_creation, and agent_session need (internal/agentline.Client
// satisfies it directly).
type AgentLineClient interface {
	Health(ctx context.Context, ipAddress string) error
	CreateWorkspace(ctx context.Context, ipAddress string, params agentline.WorkspaceCreateParams) error
	StopWorkspace(ctx context.Context, ipAddress, workspaceID string) error
	SpawnSession(ctx context.Context, ipAddress string, params agentline.SessionSpawnParams) (*agentline.SessionSpawnResult, error)
}
