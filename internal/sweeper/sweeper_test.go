package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testSweeperConfig() config.SweeperConfig {
	return config.SweeperConfig{
		CronSpec:                  "* * * * *",
		StuckQueuedTimeoutSec:     300,
		StuckInProgressTimeoutSec: 1800,
	}
}

func TestSweep_FailsStuckQueuedTask(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "t-1", ProjectID: "p-1", UserID: "u-1", Status: v1.TaskStatusQueued})
	repo.PutTaskUpdatedAt("t-1", time.Now().UTC().Add(-10*time.Minute))

	s := New(repo, testSweeperConfig(), testLogger(t), nil)
	s.sweep(context.Background())

	task, err := repo.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "queued")
	assert.Nil(t, task.ExecutionStep)
}

func TestSweep_FailsStuckInProgressTaskUsingItsOwnTimeout(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "t-1", ProjectID: "p-1", UserID: "u-1", Status: v1.TaskStatusInProgress})
	// Stuck for 10 minutes: over the queued threshold but under the
	// in_progress threshold, so it must survive this sweep.
	repo.PutTaskUpdatedAt("t-1", time.Now().UTC().Add(-10*time.Minute))

	s := New(repo, testSweeperConfig(), testLogger(t), nil)
	s.sweep(context.Background())

	task, err := repo.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, task.Status)
}

func TestSweep_LeavesFreshTaskAlone(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "t-1", ProjectID: "p-1", UserID: "u-1", Status: v1.TaskStatusQueued})

	s := New(repo, testSweeperConfig(), testLogger(t), nil)
	s.sweep(context.Background())

	task, err := repo.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, task.Status)
}

func TestSweep_AppendsStatusEventOnFail(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "t-1", ProjectID: "p-1", UserID: "u-1", Status: v1.TaskStatusDelegated})
	repo.PutTaskUpdatedAt("t-1", time.Now().UTC().Add(-time.Hour))

	s := New(repo, testSweeperConfig(), testLogger(t), nil)
	s.sweep(context.Background())

	events := repo.TaskStatusEvents()
	require.Len(t, events, 1)
	assert.Equal(t, v1.TaskStatusDelegated, events[0].FromStatus)
	assert.Equal(t, v1.TaskStatusFailed, events[0].ToStatus)
	assert.Equal(t, v1.ActorSystem, events[0].ActorType)
}

func TestSweep_SkipsTaskAlreadyMovedOnConcurrently(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "t-1", ProjectID: "p-1", UserID: "u-1", Status: v1.TaskStatusQueued})
	repo.PutTaskUpdatedAt("t-1", time.Now().UTC().Add(-time.Hour))

	s := New(repo, testSweeperConfig(), testLogger(t), nil)

	// Simulate the orchestrator racing the sweeper to delegated between the
	// list and the conditional update.
	task, err := repo.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	s.failStuckTask(context.Background(), task, v1.TaskStatusDelegated, time.Now())

	got, err := repo.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, got.Status, "lock miss must leave the task untouched")
}
