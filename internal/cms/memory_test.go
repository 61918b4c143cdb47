package cms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

func TestUpdateTaskStatusCond_LockMiss(t *testing.T) {
	repo := NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "t1", Status: v1.TaskStatusQueued})

	ctx := context.Background()
	matched, err := repo.UpdateTaskStatusCond(ctx, "t1", v1.TaskStatusDelegated, v1.TaskStatusInProgress, TaskUpdateExtra{})
	require.NoError(t, err)
	assert.False(t, matched, "status was queued, not delegated, so the conditional update must not match")

	task, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, task.Status, "a lock miss must leave the row untouched")
}

func TestUpdateTaskStatusCond_Success(t *testing.T) {
	repo := NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "t1", Status: v1.TaskStatusQueued})

	ctx := context.Background()
	errMsg := "node unavailable"
	matched, err := repo.UpdateTaskStatusCond(ctx, "t1", v1.TaskStatusQueued, v1.TaskStatusFailed, TaskUpdateExtra{
		ErrorMessage: &errMsg,
	})
	require.NoError(t, err)
	assert.True(t, matched)

	task, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, errMsg, *task.ErrorMessage)
}

func TestClaimNodeWarm_RacingClaims(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	require.NoError(t, repo.CreateNode(context.Background(), &v1.Node{
		ID: "n1", UserID: "u1", Status: v1.NodeStatusRunning, WarmSince: &now,
	}))

	ctx := context.Background()
	first, err := repo.ClaimNodeWarm(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := repo.ClaimNodeWarm(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, second, "a node already claimed must not be claimable again")
}

func TestClaimNodeWarm_RefusesWithLiveWorkspace(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	require.NoError(t, repo.CreateNode(context.Background(), &v1.Node{
		ID: "n1", UserID: "u1", Status: v1.NodeStatusRunning, WarmSince: &now,
	}))
	nodeID := "n1"
	repo.PutWorkspace(&v1.Workspace{ID: "w1", NodeID: &nodeID, Status: v1.WorkspaceStatusRunning})

	claimed, err := repo.ClaimNodeWarm(context.Background(), "n1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestListOrphanedNodes(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateNode(ctx, &v1.Node{ID: "n1", UserID: "u1", Status: v1.NodeStatusRunning}))
	require.NoError(t, repo.CreateNode(ctx, &v1.Node{ID: "n2", UserID: "u1", Status: v1.NodeStatusRunning, WarmSince: timePtr(time.Now())}))

	orphans, err := repo.ListOrphanedNodes(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "n1", orphans[0].ID)
}

func timePtr(t time.Time) *time.Time { return &t }
