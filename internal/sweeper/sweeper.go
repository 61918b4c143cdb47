// Package sweeper implements the stuck-task sweeper (spec.md §4.5): a cron
// job that fails tasks the orchestrator has stopped making progress on,
// without ever contacting the orchestrator itself. It relies entirely on the
// same conditional UPDATE the orchestrator uses, so a task the orchestrator
// is still legitimately working cannot be double-failed: the orchestrator's
// own next alarm will simply find its optimistic-lock write rejected and
// exit silently (spec.md §4.1.7).
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/common/metrics"
	"github.com/flywheel-dev/taskengine/internal/events"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// maxConcurrentFails bounds how many conditional UPDATEs the sweeper issues
// at once per sweep; a single stuck batch should never be allowed to open
// an unbounded number of connections against the CMS pool.
const maxConcurrentFails = 8

// Sweeper periodically scans the CMS for tasks stuck past their status's
// timeout and fails them.
type Sweeper struct {
	repo     cms.Repository
	cfg      config.SweeperConfig
	logger   *logger.Logger
	eventBus bus.EventBus

	cron    *cron.Cron
	entryID cron.EntryID
}

// New builds a Sweeper; eventBus may be nil, in which case status events are
// still appended to the CMS but never mirrored onto the bus.
func New(repo cms.Repository, cfg config.SweeperConfig, log *logger.Logger, eventBus bus.EventBus) *Sweeper {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Sweeper{
		repo:     repo,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "sweeper")),
		eventBus: eventBus,
		cron:     c,
	}
}

// Start registers the sweep on the configured cron schedule and starts
// ticking. Call Stop to drain any sweep in flight before shutdown.
func (s *Sweeper) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.cfg.CronSpec, func() { s.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("sweeper: parsing cron spec %q: %w", s.cfg.CronSpec, err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("sweeper started", zap.String("cron_spec", s.cfg.CronSpec))
	return nil
}

// Stop cancels the schedule and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("sweeper stopped")
}

// sweep runs one pass: queued and delegated tasks share STUCK_QUEUED_TIMEOUT,
// in_progress tasks get STUCK_IN_PROGRESS_TIMEOUT (spec.md §4.5).
func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()
	queuedBefore := now.Add(-s.cfg.StuckQueuedTimeout())
	inProgressBefore := now.Add(-s.cfg.StuckInProgressTimeout())

	s.sweepStatus(ctx, v1.TaskStatusQueued, queuedBefore)
	s.sweepStatus(ctx, v1.TaskStatusDelegated, queuedBefore)
	s.sweepStatus(ctx, v1.TaskStatusInProgress, inProgressBefore)
}

func (s *Sweeper) sweepStatus(ctx context.Context, status v1.TaskStatus, updatedBefore time.Time) {
	tasks, err := s.repo.ListStuckTasks(ctx, status, updatedBefore)
	if err != nil {
		s.logger.Error("failed to list stuck tasks", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	metrics.SweeperStuckTasksTotal.WithLabelValues(string(status)).Add(float64(len(tasks)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFails)
	for _, t := range tasks {
		task := t
		g.Go(func() error {
			s.failStuckTask(gctx, task, status, updatedBefore)
			return nil
		})
	}
	_ = g.Wait()
}

// failStuckTask attempts the conditional UPDATE to failed. A lock miss means
// the orchestrator (or a concurrent sweep pass) already moved the task on,
// and is not logged as an error.
func (s *Sweeper) failStuckTask(ctx context.Context, task *v1.Task, from v1.TaskStatus, updatedBefore time.Time) {
	message := fmt.Sprintf("task stuck in status %q past its timeout (no update since before %s)",
		from, updatedBefore.Format(time.RFC3339))
	now := time.Now().UTC()
	extra := cms.TaskUpdateExtra{
		CompletedAt:  &now,
		ErrorMessage: &message,
		ClearStep:    true,
	}

	matched, err := s.repo.UpdateTaskStatusCond(ctx, task.ID, from, v1.TaskStatusFailed, extra)
	if err != nil {
		s.logger.Error("sweeper: failed to fail stuck task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !matched {
		s.logger.Debug("sweeper: lock miss failing stuck task, task already progressed",
			zap.String("task_id", task.ID), zap.String("from_status", string(from)))
		return
	}

	s.logger.Warn("sweeper failed stuck task", zap.String("task_id", task.ID), zap.String("from_status", string(from)))
	metrics.TasksFailedTotal.WithLabelValues(string(from), "sweeper").Inc()
	s.appendStatusEvent(ctx, task.ID, from, v1.TaskStatusFailed, message)
}

func (s *Sweeper) appendStatusEvent(ctx context.Context, taskID string, from, to v1.TaskStatus, reason string) {
	ev := &v1.TaskStatusEvent{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  v1.ActorSystem,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.AppendTaskStatusEvent(ctx, ev); err != nil {
		s.logger.Warn("sweeper: failed to append task status event", zap.String("task_id", taskID), zap.Error(err))
	}

	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"taskId":     taskID,
		"fromStatus": string(from),
		"toStatus":   string(to),
		"reason":     reason,
	}
	be := bus.NewEvent(events.TaskStatusChanged, "sweeper", data)
	if err := s.eventBus.Publish(ctx, events.BuildTaskSubject(taskID), be); err != nil {
		s.logger.Warn("sweeper: failed to publish task status event", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.eventBus.Publish(ctx, events.TaskFailed, bus.NewEvent(events.TaskFailed, "sweeper", data)); err != nil {
		s.logger.Warn("sweeper: failed to publish task-failed event", zap.String("task_id", taskID), zap.Error(err))
	}
}
