package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/agentline"
	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/apperrors"
	"github.com/flywheel-dev/taskengine/internal/provider"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// stepNodeSelection implements spec.md §4.1.4 step 1: honor an explicit
// preferred node, else try a warm-node claim, else fall back to provisioning
// a new one.
func (inst *Instance) stepNodeSelection(ctx context.Context) (time.Duration, error) {
	cfg := inst.state.Config

	if cfg.PreferredNodeID != nil {
		node, err := inst.cms.GetNode(ctx, *cfg.PreferredNodeID)
		if err != nil {
			return 0, err
		}
		if node.Status != v1.NodeStatusRunning {
			return 0, apperrors.Invalid(fmt.Sprintf("preferred node %s is not running", node.ID))
		}
		inst.recordNodeLocked(node.ID, false)
		inst.state.CurrentStep = StepWorkspaceCreation
		return 0, nil
	}

	if nodeID, ok, err := inst.tryWarmClaim(ctx); err != nil {
		return 0, err
	} else if ok {
		inst.recordNodeLocked(nodeID, false)
		inst.state.CurrentStep = StepWorkspaceCreation
		return 0, nil
	}

	if node, err := inst.capacitySearch(ctx); err != nil {
		return 0, err
	} else if node != nil {
		inst.recordNodeLocked(node.ID, false)
		inst.state.CurrentStep = StepWorkspaceCreation
		return 0, nil
	}

	inst.state.CurrentStep = StepNodeProvisioning
	return 0, nil
}

// recordNodeLocked stores the selected node id and whether this task run
// provisioned it, so cleanup later knows whether it owns the node's lifetime.
func (inst *Instance) recordNodeLocked(nodeID string, autoProvisioned bool) {
	inst.state.StepResults.NodeID = &nodeID
	inst.state.StepResults.AutoProvisioned = autoProvisioned
}

// tryWarmClaim lists the user's warm nodes, orders them by preferred
// size/location match, and attempts to claim one at a time until a claim
// succeeds or the list is exhausted.
func (inst *Instance) tryWarmClaim(ctx context.Context) (string, bool, error) {
	cfg := inst.state.Config
	warm, err := inst.cms.ListWarmNodesForUser(ctx, inst.state.UserID)
	if err != nil {
		return "", false, err
	}
	sortByPreferredMatch(warm, cfg.VMLocation, cfg.VMSize)

	for _, n := range warm {
		claimed, err := inst.nlm.TryClaim(ctx, n.ID)
		if err != nil {
			inst.logger.Warn("warm node claim attempt failed", zap.String("node_id", n.ID), zap.Error(err))
			continue
		}
		if claimed {
			return n.ID, true, nil
		}
	}
	return "", false, nil
}

// sortByPreferredMatch orders candidates so size+location matches sort
// first, then location-only matches, leaving non-matches in place.
func sortByPreferredMatch(nodes []*v1.Node, wantLocation, wantSize string) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return matchScore(nodes[i], wantLocation, wantSize) > matchScore(nodes[j], wantLocation, wantSize)
	})
}

func matchScore(n *v1.Node, wantLocation, wantSize string) int {
	score := 0
	if n.VMLocation == wantLocation {
		score += 2
	}
	if n.VMSize == wantSize {
		score++
	}
	return score
}

// capacitySearch implements spec.md §4.1.4 step 3: candidate nodes under the
// per-node workspace cap, scored and ranked by internal/orchestrator's
// nodeScorer.
func (inst *Instance) capacitySearch(ctx context.Context) (*v1.Node, error) {
	cfg := inst.state.Config
	candidates, err := inst.cms.ListCandidateNodesForUser(ctx, inst.state.UserID)
	if err != nil {
		return nil, err
	}

	var underCap []*v1.Node
	for _, n := range candidates {
		count, err := inst.cms.CountWorkspacesOnNode(ctx, n.ID, liveWorkspaceStatuses)
		if err != nil {
			inst.logger.Warn("failed to count workspaces on candidate node", zap.String("node_id", n.ID), zap.Error(err))
			continue
		}
		if count < inst.cfg.MaxWorkspacesPerNode {
			underCap = append(underCap, n)
		}
	}

	return inst.scorer.selectBest(underCap, cfg.VMLocation, cfg.VMSize), nil
}

// stepNodeProvisioning implements spec.md §4.1.4 step 2: create a CMS node
// row and ask the provider to build it, then poll until it's running.
func (inst *Instance) stepNodeProvisioning(ctx context.Context) (time.Duration, error) {
	if inst.state.StepResults.NodeID != nil {
		return inst.pollProvisioningNode(ctx, *inst.state.StepResults.NodeID)
	}

	count, err := inst.cms.CountNodesForUser(ctx, inst.state.UserID)
	if err != nil {
		return 0, err
	}
	if count >= inst.cfg.MaxNodesPerUser {
		return 0, apperrors.LimitExceeded(fmt.Sprintf("user %s already has %d nodes", inst.state.UserID, count))
	}

	cfg := inst.state.Config
	nodeID := newID()
	node := &v1.Node{
		ID:         nodeID,
		UserID:     inst.state.UserID,
		VMSize:     cfg.VMSize,
		VMLocation: cfg.VMLocation,
		Status:     v1.NodeStatusPending,
	}
	if err := inst.cms.CreateNode(ctx, node); err != nil {
		return 0, err
	}
	inst.recordNodeLocked(nodeID, true)

	if err := inst.cms.UpdateTaskAutoProvisionedNode(ctx, inst.state.TaskID, nodeID); err != nil {
		inst.logger.Warn("failed to link auto-provisioned node onto task", zap.Error(err))
	}

	instance, err := inst.provider.CreateNode(ctx, provider.CreateNodeRequest{
		UserID:     inst.state.UserID,
		VMSize:     cfg.VMSize,
		VMLocation: cfg.VMLocation,
	})
	if err != nil {
		return 0, err
	}

	if err := inst.cms.UpdateNodeProviderInfo(ctx, nodeID, instance.ProviderInstanceID, instance.IPAddress); err != nil {
		return 0, err
	}

	return inst.applyProviderStatus(ctx, nodeID, instance.Status)
}

// pollProvisioningNode re-checks a node already being provisioned, either
// against CMS's cached status or, once an IP is known, by asking the
// provider directly if CMS still shows it pending.
func (inst *Instance) pollProvisioningNode(ctx context.Context, nodeID string) (time.Duration, error) {
	node, err := inst.cms.GetNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	switch node.Status {
	case v1.NodeStatusRunning:
		inst.state.CurrentStep = StepNodeAgentReady
		return 0, nil
	case v1.NodeStatusError, v1.NodeStatusStopped:
		return 0, apperrors.Invalid(fmt.Sprintf("node %s entered status %s while provisioning", nodeID, node.Status))
	}

	if node.ProviderInstanceID == "" {
		return inst.cfg.ProvisionPollInterval(), nil
	}

	instance, err := inst.provider.GetNodeStatus(ctx, node.ProviderInstanceID)
	if err != nil {
		return 0, err
	}
	if instance.IPAddress != "" && instance.IPAddress != node.IPAddress {
		if err := inst.cms.UpdateNodeProviderInfo(ctx, nodeID, node.ProviderInstanceID, instance.IPAddress); err != nil {
			inst.logger.Warn("failed to refresh node ip address", zap.Error(err))
		}
	}
	return inst.applyProviderStatus(ctx, nodeID, instance.Status)
}

// applyProviderStatus maps a provider-reported status onto the CMS node row
// and, on success, advances to node_agent_ready.
func (inst *Instance) applyProviderStatus(ctx context.Context, nodeID, status string) (time.Duration, error) {
	switch status {
	case "running":
		if err := inst.cms.UpdateNodeStatus(ctx, nodeID, v1.NodeStatusRunning); err != nil {
			return 0, err
		}
		inst.state.CurrentStep = StepNodeAgentReady
		return 0, nil
	case "error", "stopped":
		if err := inst.cms.UpdateNodeStatus(ctx, nodeID, v1.NodeStatusError); err != nil {
			inst.logger.Warn("failed to mark provisioning node as errored", zap.Error(err))
		}
		return 0, apperrors.Invalid(fmt.Sprintf("provider reported node %s as %s", nodeID, status))
	default:
		return inst.cfg.ProvisionPollInterval(), nil
	}
}

// stepNodeAgentReady implements spec.md §4.1.4 step 4: poll the node agent's
// health endpoint until it answers or AGENT_READY_TIMEOUT elapses.
func (inst *Instance) stepNodeAgentReady(ctx context.Context) (time.Duration, error) {
	if inst.state.AgentReadyStartedAt == nil {
		now := time.Now().UTC()
		inst.state.AgentReadyStartedAt = &now
	}
	if time.Since(*inst.state.AgentReadyStartedAt) > inst.cfg.AgentReadyTimeout() {
		return 0, apperrors.Invalid("node agent did not become ready in time")
	}
	if inst.state.StepResults.NodeID == nil {
		return 0, apperrors.Invalid("corrupt state: missing nodeId before node_agent_ready")
	}

	node, err := inst.cms.GetNode(ctx, *inst.state.StepResults.NodeID)
	if err != nil {
		return 0, err
	}
	if node.IPAddress == "" || inst.agentLine.Health(ctx, node.IPAddress) != nil {
		return inst.cfg.AgentPollInterval(), nil
	}

	inst.state.CurrentStep = StepWorkspaceCreation
	return 0, nil
}

// stepWorkspaceCreation implements spec.md §4.1.4 step 5: create (or adopt,
// on crash recovery) the workspace row, tell the node agent to build it, and
// advance the task to delegated under an optimistic lock.
func (inst *Instance) stepWorkspaceCreation(ctx context.Context) (time.Duration, error) {
	task, err := inst.cms.GetTask(ctx, inst.state.TaskID)
	if err != nil {
		return 0, err
	}

	if inst.state.StepResults.WorkspaceID == nil && task.WorkspaceID != nil {
		inst.state.StepResults.WorkspaceID = task.WorkspaceID
	}

	if inst.state.StepResults.WorkspaceID != nil && task.Status == v1.TaskStatusDelegated {
		inst.state.CurrentStep = StepWorkspaceReady
		return 0, nil
	}

	if inst.state.StepResults.WorkspaceID == nil {
		if err := inst.createWorkspaceLocked(ctx); err != nil {
			return 0, err
		}
	}

	if inst.state.Config.ChatSessionID != nil {
		inst.state.StepResults.ChatSessionID = inst.state.Config.ChatSessionID
		inst.linkChatSessionBestEffort(ctx, *inst.state.Config.ChatSessionID, *inst.state.StepResults.WorkspaceID)
	}

	matched, err := inst.cms.UpdateTaskStatusCond(ctx, inst.state.TaskID, v1.TaskStatusQueued, v1.TaskStatusDelegated, cms.TaskUpdateExtra{})
	if err != nil {
		return 0, err
	}
	if !matched {
		inst.state.Completed = true
		return 0, nil
	}
	inst.appendStatusEvent(ctx, v1.TaskStatusQueued, v1.TaskStatusDelegated, "workspace created")

	inst.state.CurrentStep = StepWorkspaceReady
	return 0, nil
}

// createWorkspaceLocked creates the CMS workspace row, links it onto the
// task, and asks the node agent to materialize it.
func (inst *Instance) createWorkspaceLocked(ctx context.Context) error {
	cfg := inst.state.Config
	workspaceID := newID()
	ws := &v1.Workspace{
		ID:                    workspaceID,
		TaskID:                inst.state.TaskID,
		UserID:                inst.state.UserID,
		ProjectID:             inst.state.ProjectID,
		NodeID:                inst.state.StepResults.NodeID,
		Repository:            cfg.Repository,
		Branch:                cfg.Branch,
		Status:                v1.WorkspaceStatusCreating,
		DisplayName:           cfg.TaskTitle,
		NormalizedDisplayName: cfg.TaskTitle,
	}
	if err := inst.cms.CreateWorkspace(ctx, ws); err != nil {
		return err
	}
	inst.state.StepResults.WorkspaceID = &workspaceID

	outputBranch := "task/" + inst.state.TaskID
	if cfg.OutputBranch != nil && *cfg.OutputBranch != "" {
		outputBranch = *cfg.OutputBranch
	}
	if err := inst.cms.UpdateTaskWorkspace(ctx, inst.state.TaskID, workspaceID, outputBranch); err != nil {
		return err
	}

	if inst.state.StepResults.NodeID == nil {
		return apperrors.Invalid("corrupt state: missing nodeId before workspace_creation")
	}
	node, err := inst.cms.GetNode(ctx, *inst.state.StepResults.NodeID)
	if err != nil {
		return err
	}

	token := newID()
	inst.state.StepResults.CallbackToken = &token

	return inst.agentLine.CreateWorkspace(ctx, node.IPAddress, agentline.WorkspaceCreateParams{
		WorkspaceID:   workspaceID,
		TaskID:        inst.state.TaskID,
		Repository:    cfg.Repository,
		Branch:        cfg.Branch,
		OutputBranch:  outputBranch,
		CallbackURL:   fmt.Sprintf("/workspaces/%s/ready", workspaceID),
		CallbackToken: token,
	})
}

// linkChatSessionBestEffort implements the two best-effort links spec.md
// §4.1.4 workspace_creation describes: neither failure blocks the step.
func (inst *Instance) linkChatSessionBestEffort(ctx context.Context, chatSessionID, workspaceID string) {
	if err := inst.cms.UpdateWorkspaceChatSession(ctx, workspaceID, chatSessionID); err != nil {
		inst.logger.Warn("best-effort workspace chat-session link failed", zap.Error(err))
	}
	if inst.pssMgr == nil {
		return
	}
	pssInst, err := inst.pssMgr.GetOrCreate(ctx, inst.state.ProjectID)
	if err != nil {
		inst.logger.Warn("best-effort PSS session link failed to open project instance", zap.Error(err))
		return
	}
	if err := pssInst.SetSessionWorkspaceID(ctx, chatSessionID, workspaceID); err != nil {
		inst.logger.Warn("best-effort PSS session workspace link failed", zap.Error(err))
	}
}

// stepWorkspaceReady implements spec.md §4.1.4 step 6: wait for the
// workspace-ready signal (delivered via AdvanceWorkspaceReady or, failing
// that, observed directly on the CMS workspace row) up to
// WORKSPACE_READY_TIMEOUT.
func (inst *Instance) stepWorkspaceReady(ctx context.Context) (time.Duration, error) {
	if inst.state.WorkspaceReadyStartedAt == nil {
		now := time.Now().UTC()
		inst.state.WorkspaceReadyStartedAt = &now
	}

	if inst.state.WorkspaceReadyReceived && inst.state.WorkspaceReadyStatus != nil {
		switch *inst.state.WorkspaceReadyStatus {
		case "running", "recovery":
			inst.state.CurrentStep = StepAgentSession
			return 0, nil
		case "error":
			msg := "workspace reported error"
			if inst.state.WorkspaceErrorMessage != nil {
				msg = *inst.state.WorkspaceErrorMessage
			}
			return 0, apperrors.Invalid(msg)
		}
	}

	if inst.state.StepResults.WorkspaceID != nil {
		ws, err := inst.cms.GetWorkspace(ctx, *inst.state.StepResults.WorkspaceID)
		if err != nil {
			inst.logger.Warn("failed to poll workspace status", zap.Error(err))
		} else {
			switch ws.Status {
			case v1.WorkspaceStatusRunning, v1.WorkspaceStatusRecovery:
				inst.state.CurrentStep = StepAgentSession
				return 0, nil
			case v1.WorkspaceStatusError, v1.WorkspaceStatusStopped:
				return 0, apperrors.Invalid("workspace entered " + string(ws.Status))
			}
		}
	}

	if time.Since(*inst.state.WorkspaceReadyStartedAt) > inst.cfg.WorkspaceReadyTimeout() {
		return 0, apperrors.Invalid("workspace did not become ready in time")
	}
	return inst.cfg.AgentPollInterval(), nil
}

// stepAgentSession implements spec.md §4.1.4 step 7: spawn the agent on the
// node and transition the task to in_progress.
func (inst *Instance) stepAgentSession(ctx context.Context) (time.Duration, error) {
	if inst.state.StepResults.AgentSessionID != nil {
		if _, err := inst.cms.GetAgentSession(ctx, *inst.state.StepResults.AgentSessionID); err == nil {
			return inst.transitionToInProgress(ctx)
		}
	}

	if inst.state.StepResults.WorkspaceID == nil || inst.state.StepResults.NodeID == nil {
		return 0, apperrors.Invalid("corrupt state: missing workspaceId/nodeId before agent_session")
	}

	agentSessionID := newID()
	sess := &cms.AgentSession{
		ID:          agentSessionID,
		WorkspaceID: *inst.state.StepResults.WorkspaceID,
		TaskID:      inst.state.TaskID,
		Status:      cms.AgentSessionRunning,
		CreatedAt:   time.Now().UTC(),
	}
	if err := inst.cms.CreateAgentSession(ctx, sess); err != nil {
		return 0, err
	}
	inst.state.StepResults.AgentSessionID = &agentSessionID

	node, err := inst.cms.GetNode(ctx, *inst.state.StepResults.NodeID)
	if err != nil {
		return 0, err
	}
	cfg := inst.state.Config
	if _, err := inst.agentLine.SpawnSession(ctx, node.IPAddress, agentline.SessionSpawnParams{
		WorkspaceID:     *inst.state.StepResults.WorkspaceID,
		TaskID:          inst.state.TaskID,
		TaskTitle:       cfg.TaskTitle,
		TaskDescription: cfg.TaskDescription,
	}); err != nil {
		return 0, err
	}

	return inst.transitionToInProgress(ctx)
}

// transitionToInProgress performs the final optimistic-lock transition and
// marks the instance's own run complete; the task keeps running under the
// agent process from here on, outside the orchestrator's step machine.
func (inst *Instance) transitionToInProgress(ctx context.Context) (time.Duration, error) {
	now := time.Now().UTC()
	extra := cms.TaskUpdateExtra{StartedAt: &now, ExecutionStep: stringPtr(string(StepRunning))}
	matched, err := inst.cms.UpdateTaskStatusCond(ctx, inst.state.TaskID, v1.TaskStatusDelegated, v1.TaskStatusInProgress, extra)
	if err != nil {
		return 0, err
	}
	if matched {
		inst.appendStatusEvent(ctx, v1.TaskStatusDelegated, v1.TaskStatusInProgress, "agent session started")
	}

	inst.state.CurrentStep = StepRunning
	inst.state.Completed = true
	return 0, nil
}
