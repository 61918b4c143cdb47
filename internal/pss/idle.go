package pss

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/cms"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
	wsproto "github.com/flywheel-dev/taskengine/pkg/wsproto"
)

// ScheduleIdleCleanup upserts the cleanup row and recomputes the alarm
// (spec.md §4.2.1).
func (i *Instance) ScheduleIdleCleanup(ctx context.Context, sessionID, workspaceID string, taskID *string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	row := &v1.IdleCleanupSchedule{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		CleanupAt:   time.Now().UTC().Add(i.cfg.SessionIdleTimeout()),
		RetryCount:  0,
		CreatedAt:   time.Now().UTC(),
	}
	if err := i.store.UpsertIdleCleanup(ctx, row); err != nil {
		return err
	}
	return i.recomputeAlarmLocked(ctx)
}

// CancelIdleCleanup deletes the row and recomputes the alarm.
func (i *Instance) CancelIdleCleanup(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.store.DeleteIdleCleanup(ctx, sessionID); err != nil {
		return err
	}
	return i.recomputeAlarmLocked(ctx)
}

// ResetIdleCleanup bumps cleanup_at back out to a fresh window if a row
// exists, and recomputes the alarm.
func (i *Instance) ResetIdleCleanup(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	existing, err := i.store.GetIdleCleanup(ctx, sessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	existing.CleanupAt = time.Now().UTC().Add(i.cfg.SessionIdleTimeout())
	existing.RetryCount = 0
	if err := i.store.UpsertIdleCleanup(ctx, existing); err != nil {
		return err
	}
	return i.recomputeAlarmLocked(ctx)
}

// recomputeAlarmLocked reschedules the in-process timer to fire at the
// earliest pending cleanup_at, or clears it if the schedule is empty
// (spec.md §4.2.2, final paragraph). Must be called with i.mu held.
func (i *Instance) recomputeAlarmLocked(ctx context.Context) error {
	if i.cleanupTmr != nil {
		i.cleanupTmr.Stop()
		i.cleanupTmr = nil
	}

	next, err := i.store.NextIdleCleanupAt(ctx)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	delay := time.Until(*next)
	if delay < 0 {
		delay = 0
	}
	i.cleanupTmr = time.AfterFunc(delay, i.runIdleCleanupAlarm)
	return nil
}

// runIdleCleanupAlarm is the timer callback; it re-enters the instance's
// executor by acquiring the mutex itself (spec.md §5: the alarm callback
// serializes with RPCs on the same instance).
func (i *Instance) runIdleCleanupAlarm() {
	ctx := context.Background()
	i.mu.Lock()
	defer i.mu.Unlock()

	expired, err := i.store.ListExpiredIdleCleanups(ctx, time.Now().UTC())
	if err != nil {
		i.logger.Error("failed to list expired idle cleanup schedules", zap.Error(err))
		return
	}

	for _, row := range expired {
		i.processIdleCleanupLocked(ctx, row)
	}

	if err := i.recomputeAlarmLocked(ctx); err != nil {
		i.logger.Error("failed to recompute idle cleanup alarm", zap.Error(err))
	}
}

// processIdleCleanupLocked executes one expired row's cleanup sequence
// (spec.md §4.2.2): stop the session without a broadcast, conditionally
// transition the CMS task/workspace, delete the schedule row, record and
// broadcast the outcome. On failure it retries up to
// IDLE_CLEANUP_MAX_RETRIES before giving up and telling the user.
func (i *Instance) processIdleCleanupLocked(ctx context.Context, row *v1.IdleCleanupSchedule) {
	if err := i.stopSessionLocked(ctx, row.SessionID, false); err != nil {
		i.retryOrFailLocked(ctx, row, err)
		return
	}

	if err := i.cmsCleanupLocked(ctx, row); err != nil {
		i.retryOrFailLocked(ctx, row, err)
		return
	}

	if err := i.store.DeleteIdleCleanup(ctx, row.SessionID); err != nil {
		i.retryOrFailLocked(ctx, row, err)
		return
	}

	i.recordActivityLocked(ctx, v1.EventSessionIdleCleanup, v1.ActorSystem, nil, &row.WorkspaceID, &row.SessionID, row.TaskID, nil)
	i.broadcast.Broadcast(wsproto.BroadcastSessionIdleCleanup, map[string]string{"sessionId": row.SessionID})
}

// cmsCleanupLocked performs the two conditional CMS updates the idle
// cleanup handler owns: task -> completed (only from running/delegated, the
// PSS's own vocabulary for "agent still attached"), workspace -> stopped
// (only from running/recovery), clearing execution_step.
func (i *Instance) cmsCleanupLocked(ctx context.Context, row *v1.IdleCleanupSchedule) error {
	if row.TaskID != nil {
		task, err := i.cms.GetTask(ctx, *row.TaskID)
		if err == nil {
			switch task.Status {
			case v1.TaskStatusInProgress, v1.TaskStatusDelegated:
				completedAt := time.Now().UTC()
				extra := cms.TaskUpdateExtra{ClearStep: true, CompletedAt: &completedAt}
				if _, err := i.cms.UpdateTaskStatusCond(ctx, *row.TaskID, task.Status, v1.TaskStatusCompleted, extra); err != nil {
					return err
				}
			}
		}
	}

	if row.WorkspaceID != "" {
		if _, err := i.cms.UpdateWorkspaceStatusCond(ctx, row.WorkspaceID,
			[]v1.WorkspaceStatus{v1.WorkspaceStatusRunning, v1.WorkspaceStatusRecovery},
			v1.WorkspaceStatusStopped); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) retryOrFailLocked(ctx context.Context, row *v1.IdleCleanupSchedule, cause error) {
	i.logger.Warn("idle cleanup attempt failed",
		zap.String("session_id", row.SessionID),
		zap.Int("retry_count", row.RetryCount),
		zap.Error(cause))

	if row.RetryCount >= i.cfg.IdleCleanupMaxRetries {
		if err := i.store.DeleteIdleCleanup(ctx, row.SessionID); err != nil {
			i.logger.Error("failed to delete exhausted idle cleanup schedule", zap.Error(err))
		}
		i.recordActivityLocked(ctx, v1.EventSessionIdleCleanupFail, v1.ActorSystem, nil, &row.WorkspaceID, &row.SessionID, row.TaskID, map[string]string{"error": cause.Error()})
		_, _ = i.persistMessageLocked(ctx, row.SessionID, "idle-cleanup-failure-"+row.SessionID,
			v1.ChatRoleSystem, "Automatic idle cleanup failed; please stop this session manually.", nil)
		return
	}

	row.RetryCount++
	row.CleanupAt = time.Now().UTC().Add(i.cfg.IdleCleanupRetryDelay())
	if err := i.store.UpdateIdleCleanupRetry(ctx, row.SessionID, row.RetryCount, row.CleanupAt); err != nil {
		i.logger.Error("failed to reschedule idle cleanup retry", zap.Error(err))
	}
}

