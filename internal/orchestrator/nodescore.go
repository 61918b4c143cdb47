package orchestrator

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flywheel-dev/taskengine/internal/common/config"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// nodeScorer scores candidate nodes for the capacity-search branch of
// node_selection (spec.md §4.1.4 step 3). Scores are cached keyed by
// (node id, last heartbeat), so a node whose metrics haven't changed since
// the last selection round is never rescored; a fresh heartbeat naturally
// invalidates the entry by changing the key, and the bounded LRU capacity
// evicts nodes that stop showing up in candidate lists at all.
type nodeScorer struct {
	cache *lru.Cache[string, float64]
	cfg   config.OrchestratorConfig
}

func newNodeScorer(cfg config.OrchestratorConfig) *nodeScorer {
	cache, _ := lru.New[string, float64](512)
	return &nodeScorer{cache: cache, cfg: cfg}
}

func scoreCacheKey(n *v1.Node) string {
	hb := "none"
	if n.LastHeartbeatAt != nil {
		hb = n.LastHeartbeatAt.Format("150405.000000000")
	}
	return fmt.Sprintf("%s@%s", n.ID, hb)
}

// score implements spec.md §4.1.4 step 3's `0.4·cpu + 0.6·mem` formula,
// operating on the 0-100 percentages already carried on the node row.
func (s *nodeScorer) score(n *v1.Node) float64 {
	key := scoreCacheKey(n)
	if v, ok := s.cache.Get(key); ok {
		return v
	}
	v := 0.4*n.LastMetrics.CPULoadAvg1 + 0.6*n.LastMetrics.MemoryPercent
	s.cache.Add(key, v)
	return v
}

// withinThresholds reports whether a node's metrics (when present, i.e.
// it has ever heartbeated) sit below the configured CPU/memory ceilings.
func (s *nodeScorer) withinThresholds(n *v1.Node) bool {
	if n.LastHeartbeatAt == nil {
		return true
	}
	return n.LastMetrics.CPULoadAvg1 < float64(s.cfg.NodeCPUThresholdPercent) &&
		n.LastMetrics.MemoryPercent < float64(s.cfg.NodeMemoryThresholdPercent)
}

// selectBest implements the remainder of spec.md §4.1.4 step 3: among nodes
// within thresholds, prefer a location match, then a size match, then the
// lowest score. It does not check the per-node workspace cap; capacitySearch
// drops nodes at the cap before calling it.
func (s *nodeScorer) selectBest(candidates []*v1.Node, wantLocation, wantSize string) *v1.Node {
	var best *v1.Node
	var bestScore float64
	var bestLocMatch, bestSizeMatch bool

	for _, n := range candidates {
		if !s.withinThresholds(n) {
			continue
		}
		locMatch := n.VMLocation == wantLocation
		sizeMatch := n.VMSize == wantSize
		sc := s.score(n)

		if best == nil || better(locMatch, sizeMatch, sc, bestLocMatch, bestSizeMatch, bestScore) {
			best, bestScore, bestLocMatch, bestSizeMatch = n, sc, locMatch, sizeMatch
		}
	}
	return best
}

// better reports whether candidate (locMatch, sizeMatch, score) should
// replace the current best, in preference order location > size > score.
func better(locMatch, sizeMatch bool, score float64, curLocMatch, curSizeMatch bool, curBestScore float64) bool {
	if locMatch != curLocMatch {
		return locMatch
	}
	if sizeMatch != curSizeMatch {
		return sizeMatch
	}
	return score < curBestScore
}
