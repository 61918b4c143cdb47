package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/events"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// liveWorkspaceStatuses are the workspace statuses that count as "still
// occupying the node" for MAX_WORKSPACES_PER_NODE and node-release checks.
var liveWorkspaceStatuses = []v1.WorkspaceStatus{
	v1.WorkspaceStatusCreating, v1.WorkspaceStatusRunning, v1.WorkspaceStatusRecovery,
}

// failTask implements spec.md §4.1.6: idempotent skip if the CMS task is
// already terminal, then a best-effort failure sequence that never escalates
// past a log line.
func (inst *Instance) failTask(ctx context.Context, message string) {
	task, err := inst.cms.GetTask(ctx, inst.state.TaskID)
	if err != nil {
		inst.logger.Warn("failTask: could not read task, proceeding best-effort", zap.Error(err))
	} else if v1.IsTerminalTaskStatus(task.Status) {
		inst.state.Completed = true
		return
	}

	now := time.Now().UTC()
	extra := cms.TaskUpdateExtra{
		CompletedAt:  &now,
		ErrorMessage: &message,
		ClearStep:    true,
	}
	fromStatus := v1.TaskStatusDelegated
	if task != nil {
		fromStatus = task.Status
	}
	matched, err := inst.cms.UpdateTaskStatusCond(ctx, inst.state.TaskID, fromStatus, v1.TaskStatusFailed, extra)
	if err != nil {
		inst.logger.Error("failTask: status update failed", zap.Error(err))
	} else if matched {
		inst.appendStatusEvent(ctx, fromStatus, v1.TaskStatusFailed, message)
	}

	if inst.obs != nil {
		if err := inst.obs.RecordTaskError(ctx, inst.state.TaskID, message); err != nil {
			inst.logger.Warn("failTask: observability write failed", zap.Error(err))
		}
	}

	inst.cleanupBestEffort(ctx)

	inst.state.Completed = true
}

// appendStatusEvent appends a TaskStatusEvent, logging rather than
// propagating any failure (spec.md §4.4).
func (inst *Instance) appendStatusEvent(ctx context.Context, from, to v1.TaskStatus, reason string) {
	ev := &v1.TaskStatusEvent{
		ID:         newID(),
		TaskID:     inst.state.TaskID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  v1.ActorSystem,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	if err := inst.cms.AppendTaskStatusEvent(ctx, ev); err != nil {
		inst.logger.Warn("failed to append task status event", zap.Error(err))
	}

	if inst.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"taskId":     inst.state.TaskID,
		"fromStatus": string(from),
		"toStatus":   string(to),
		"reason":     reason,
	}
	be := bus.NewEvent(events.TaskStatusChanged, "orchestrator", data)
	if err := inst.eventBus.Publish(ctx, events.BuildTaskSubject(inst.state.TaskID), be); err != nil {
		inst.logger.Warn("failed to publish task status event", zap.Error(err))
	}

	if to == v1.TaskStatusFailed {
		if err := inst.eventBus.Publish(ctx, events.TaskFailed, bus.NewEvent(events.TaskFailed, "orchestrator", data)); err != nil {
			inst.logger.Warn("failed to publish task-failed event", zap.Error(err))
		}
	}
}

// cleanupBestEffort implements spec.md §4.1.6's cleanup paragraph: stop the
// workspace on the node, mark it stopped in CMS, and release the node back
// to warm if this task auto-provisioned it and nothing else is using it.
func (inst *Instance) cleanupBestEffort(ctx context.Context) {
	workspaceID := inst.state.StepResults.WorkspaceID

	if workspaceID != nil {
		if inst.agentLine != nil && inst.state.StepResults.NodeID != nil {
			if node, err := inst.cms.GetNode(ctx, *inst.state.StepResults.NodeID); err == nil && node.IPAddress != "" {
				if err := inst.agentLine.StopWorkspace(ctx, node.IPAddress, *workspaceID); err != nil {
					inst.logger.Warn("best-effort workspace stop on node failed", zap.Error(err))
				}
			}
		}
		if _, err := inst.cms.UpdateWorkspaceStatusCond(ctx, *workspaceID,
			[]v1.WorkspaceStatus{v1.WorkspaceStatusCreating, v1.WorkspaceStatusRunning, v1.WorkspaceStatusRecovery, v1.WorkspaceStatusError},
			v1.WorkspaceStatusStopped); err != nil {
			inst.logger.Warn("best-effort workspace stop in CMS failed", zap.Error(err))
		}
	}

	if !inst.state.StepResults.AutoProvisioned || inst.state.StepResults.NodeID == nil {
		return
	}
	nodeID := *inst.state.StepResults.NodeID

	if workspaceID != nil {
		inst.releaseNodeIfIdle(ctx, nodeID)
		return
	}

	if _, err := inst.nlm.MarkIdle(ctx, nodeID); err != nil {
		inst.logger.Warn("best-effort node release failed", zap.String("node_id", nodeID), zap.Error(err))
	}
}

// releaseNodeIfIdle is the "shared task-run cleanup" spec.md §4.1.6
// describes: check for sibling workspaces on the node and mark it warm only
// if none remain.
func (inst *Instance) releaseNodeIfIdle(ctx context.Context, nodeID string) {
	n, err := inst.cms.CountWorkspacesOnNode(ctx, nodeID, liveWorkspaceStatuses)
	if err != nil {
		inst.logger.Warn("failed to count sibling workspaces before node release", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	if _, err := inst.nlm.MarkIdle(ctx, nodeID); err != nil {
		inst.logger.Warn("best-effort node release failed", zap.String("node_id", nodeID), zap.Error(err))
	}
}
