package nlm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

func testReaperConfig() config.NLMConfig {
	return config.NLMConfig{
		HeartbeatStaleDegradedSec:  60,
		HeartbeatStaleUnhealthySec: 300,
		ReaperIntervalSec:          1,
	}
}

func TestReaper_MarksOrphanedNodeWarm(t *testing.T) {
	repo := cms.NewMemoryRepository()
	node := warmNode("node-1")
	node.WarmSince = nil // orphaned: running, no live workspace, not warm
	repo.PutNode(node)

	mgr := NewManager(repo, testLogger(t))
	reaper := NewReaper(repo, mgr, testReaperConfig(), testLogger(t))

	reaper.tick(context.Background())

	got, err := repo.GetNode(context.Background(), "node-1")
	require.NoError(t, err)
	assert.NotNil(t, got.WarmSince)
}

func TestReaper_LeavesNodeWithLiveWorkspaceAlone(t *testing.T) {
	repo := cms.NewMemoryRepository()
	node := warmNode("node-1")
	node.WarmSince = nil
	repo.PutNode(node)
	repo.PutWorkspace(&v1.Workspace{ID: "ws-1", NodeID: strPtr("node-1"), Status: v1.WorkspaceStatusRunning})

	mgr := NewManager(repo, testLogger(t))
	reaper := NewReaper(repo, mgr, testReaperConfig(), testLogger(t))

	reaper.tick(context.Background())

	got, err := repo.GetNode(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Nil(t, got.WarmSince)
}

func TestReaper_DowngradesHealthOnStaleHeartbeat(t *testing.T) {
	repo := cms.NewMemoryRepository()

	degraded := warmNode("node-degraded")
	degradedHeartbeat := time.Now().UTC().Add(-90 * time.Second)
	degraded.LastHeartbeatAt = &degradedHeartbeat
	degraded.HealthStatus = v1.NodeHealthHealthy
	repo.PutNode(degraded)

	unhealthy := warmNode("node-unhealthy")
	unhealthyHeartbeat := time.Now().UTC().Add(-400 * time.Second)
	unhealthy.LastHeartbeatAt = &unhealthyHeartbeat
	unhealthy.HealthStatus = v1.NodeHealthHealthy
	repo.PutNode(unhealthy)

	fresh := warmNode("node-fresh")
	freshHeartbeat := time.Now().UTC()
	fresh.LastHeartbeatAt = &freshHeartbeat
	fresh.HealthStatus = v1.NodeHealthHealthy
	repo.PutNode(fresh)

	mgr := NewManager(repo, testLogger(t))
	reaper := NewReaper(repo, mgr, testReaperConfig(), testLogger(t))

	reaper.tick(context.Background())

	got, err := repo.GetNode(context.Background(), "node-degraded")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeHealthDegraded, got.HealthStatus)

	got, err = repo.GetNode(context.Background(), "node-unhealthy")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeHealthUnhealthy, got.HealthStatus)

	got, err = repo.GetNode(context.Background(), "node-fresh")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeHealthHealthy, got.HealthStatus)
}

func TestReaper_RunStopsCleanlyOnStop(t *testing.T) {
	repo := cms.NewMemoryRepository()
	mgr := NewManager(repo, testLogger(t))
	cfg := testReaperConfig()
	cfg.ReaperIntervalSec = 0 // not passed below: Run's time.NewTicker panics on a zero interval, so the reaper keeps the 1s test config
	reaper := NewReaper(repo, mgr, testReaperConfig(), testLogger(t))

	done := make(chan struct{})
	go func() {
		reaper.Run(context.Background())
		close(done)
	}()

	reaper.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop in time")
	}
}
