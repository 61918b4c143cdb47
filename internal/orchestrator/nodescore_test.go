package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/common/config"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		StepMaxRetries:             3,
		RetryBaseDelayMs:           100,
		RetryMaxDelayMs:            5000,
		AgentPollIntervalMs:        1000,
		AgentReadyTimeoutMs:        60000,
		WorkspaceReadyTimeoutMs:    120000,
		ProvisionPollIntervalMs:    2000,
		MaxNodesPerUser:            5,
		MaxWorkspacesPerNode:       3,
		NodeCPUThresholdPercent:    80,
		NodeMemoryThresholdPercent: 80,
	}
}

func scoredNode(id, location, size string, cpu, mem float64) *v1.Node {
	hb := time.Now().UTC()
	return &v1.Node{
		ID: id, VMLocation: location, VMSize: size, Status: v1.NodeStatusRunning,
		HealthStatus: v1.NodeHealthHealthy, LastHeartbeatAt: &hb,
		LastMetrics: v1.NodeMetrics{CPULoadAvg1: cpu, MemoryPercent: mem},
	}
}

func TestSelectBest_PrefersLocationThenSizeThenScore(t *testing.T) {
	s := newNodeScorer(testOrchestratorConfig())
	candidates := []*v1.Node{
		scoredNode("n-wrong-loc", "us-west", "small", 10, 10),
		scoredNode("n-right-loc-wrong-size", "us-east", "large", 10, 10),
		scoredNode("n-right-loc-right-size-high-score", "us-east", "small", 90, 90),
		scoredNode("n-right-loc-right-size-low-score", "us-east", "small", 5, 5),
	}

	best := s.selectBest(candidates, "us-east", "small")
	require.NotNil(t, best)
	assert.Equal(t, "n-right-loc-right-size-low-score", best.ID)
}

func TestSelectBest_ExcludesNodesOverThreshold(t *testing.T) {
	s := newNodeScorer(testOrchestratorConfig())
	candidates := []*v1.Node{
		scoredNode("n-hot", "us-east", "small", 95, 95),
		scoredNode("n-cool", "us-east", "small", 20, 20),
	}

	best := s.selectBest(candidates, "us-east", "small")
	require.NotNil(t, best)
	assert.Equal(t, "n-cool", best.ID)
}

func TestSelectBest_NoCandidatesReturnsNil(t *testing.T) {
	s := newNodeScorer(testOrchestratorConfig())
	assert.Nil(t, s.selectBest(nil, "us-east", "small"))
}

func TestScore_IsCachedByNodeAndHeartbeat(t *testing.T) {
	s := newNodeScorer(testOrchestratorConfig())
	n := scoredNode("n-1", "us-east", "small", 50, 50)

	first := s.score(n)
	n.LastMetrics.CPULoadAvg1 = 0
	assert.Equal(t, first, s.score(n), "score should be cached for the same heartbeat timestamp")

	later := *n.LastHeartbeatAt
	later = later.Add(time.Second)
	n.LastHeartbeatAt = &later
	assert.NotEqual(t, first, s.score(n), "a fresh heartbeat should invalidate the cache entry")
}
