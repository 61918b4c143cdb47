package nlm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func warmNode(id string) *v1.Node {
	now := time.Now().UTC()
	return &v1.Node{ID: id, UserID: "user-1", Status: v1.NodeStatusRunning, WarmSince: &now}
}

func TestTryClaim_SucceedsOnceThenFailsConcurrently(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutNode(warmNode("node-1"))
	mgr := NewManager(repo, testLogger(t))

	const n = 8
	var claimedCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			claimed, err := mgr.TryClaim(context.Background(), "node-1")
			require.NoError(t, err)
			if claimed {
				mu.Lock()
				claimedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimedCount)
}

func TestTryClaim_RejectsWhenNotWarm(t *testing.T) {
	repo := cms.NewMemoryRepository()
	node := warmNode("node-1")
	node.WarmSince = nil
	repo.PutNode(node)
	mgr := NewManager(repo, testLogger(t))

	claimed, err := mgr.TryClaim(context.Background(), "node-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMarkIdle_RejectsWithLiveWorkspace(t *testing.T) {
	repo := cms.NewMemoryRepository()
	node := warmNode("node-1")
	node.WarmSince = nil
	repo.PutNode(node)
	repo.PutWorkspace(&v1.Workspace{ID: "ws-1", NodeID: strPtr("node-1"), Status: v1.WorkspaceStatusRunning})
	mgr := NewManager(repo, testLogger(t))

	marked, err := mgr.MarkIdle(context.Background(), "node-1")
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestMarkIdle_SucceedsWithoutLiveWorkspace(t *testing.T) {
	repo := cms.NewMemoryRepository()
	node := warmNode("node-1")
	node.WarmSince = nil
	repo.PutNode(node)
	mgr := NewManager(repo, testLogger(t))

	marked, err := mgr.MarkIdle(context.Background(), "node-1")
	require.NoError(t, err)
	assert.True(t, marked)
}

func TestRelease_BehavesLikeMarkIdle(t *testing.T) {
	repo := cms.NewMemoryRepository()
	node := warmNode("node-1")
	node.WarmSince = nil
	repo.PutNode(node)
	mgr := NewManager(repo, testLogger(t))

	require.NoError(t, mgr.Release(context.Background(), "node-1"))

	got, err := repo.GetNode(context.Background(), "node-1")
	require.NoError(t, err)
	assert.NotNil(t, got.WarmSince)
}

func strPtr(s string) *string { return &s }
