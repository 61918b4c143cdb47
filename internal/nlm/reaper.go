package nlm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/common/metrics"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// Reaper runs two independent periodic scans on the same ticker:
//
//   - orphaned warm-node recovery (SPEC_FULL.md §3, resolving spec.md §9's
//     first Open Question): any running node with warm_since IS NULL and no
//     live workspace gets marked warm again, regardless of what caused that
//     state (a sweeper-failed task, a crashed orchestrator instance, ...).
//   - heartbeat-staleness health update: a node whose last_heartbeat_at has
//     gone stale past nlm.heartbeatStaleDegradedSeconds or
//     nlm.heartbeatStaleUnhealthySeconds has its health_status flipped,
//     feeding directly into the node_selection capacity search.
type Reaper struct {
	repo   cms.Repository
	mgr    *Manager
	cfg    config.NLMConfig
	logger *logger.Logger

	stop chan struct{}
	done chan struct{}
}

func NewReaper(repo cms.Repository, mgr *Manager, cfg config.NLMConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		repo:   repo,
		mgr:    mgr,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "nlm_reaper")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run blocks, ticking until ctx is cancelled or Stop is called.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.ReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) tick(ctx context.Context) {
	r.reapOrphanedNodes(ctx)
	r.updateStaleHeartbeats(ctx)
}

func (r *Reaper) reapOrphanedNodes(ctx context.Context) {
	nodes, err := r.repo.ListOrphanedNodes(ctx)
	if err != nil {
		r.logger.Error("failed to list orphaned nodes", zap.Error(err))
		return
	}
	for _, node := range nodes {
		marked, err := r.mgr.MarkIdle(ctx, node.ID)
		if err != nil {
			r.logger.Error("failed to mark orphaned node idle", zap.String("node_id", node.ID), zap.Error(err))
			metrics.NodeIdleCleanupTotal.WithLabelValues("error").Inc()
			continue
		}
		if marked {
			r.logger.Info("recovered orphaned warm node", zap.String("node_id", node.ID))
			metrics.NodeIdleCleanupTotal.WithLabelValues("recovered").Inc()
		} else {
			metrics.NodeIdleCleanupTotal.WithLabelValues("skipped").Inc()
		}
	}
}

func (r *Reaper) updateStaleHeartbeats(ctx context.Context) {
	now := time.Now().UTC()
	degradedThreshold := now.Add(-time.Duration(r.cfg.HeartbeatStaleDegradedSec) * time.Second)
	unhealthyThreshold := now.Add(-time.Duration(r.cfg.HeartbeatStaleUnhealthySec) * time.Second)

	stale, err := r.repo.ListStaleHeartbeatNodes(ctx, degradedThreshold)
	if err != nil {
		r.logger.Error("failed to list stale-heartbeat nodes", zap.Error(err))
		return
	}

	for _, node := range stale {
		target := v1.NodeHealthDegraded
		if node.LastHeartbeatAt == nil || node.LastHeartbeatAt.Before(unhealthyThreshold) {
			target = v1.NodeHealthUnhealthy
		}
		if node.HealthStatus == target {
			continue
		}
		if err := r.repo.UpdateNodeHealth(ctx, node.ID, target); err != nil {
			r.logger.Error("failed to update node health status",
				zap.String("node_id", node.ID), zap.String("target", string(target)), zap.Error(err))
			continue
		}
		r.logger.Warn("node health downgraded on stale heartbeat",
			zap.String("node_id", node.ID), zap.String("health", string(target)))
	}
}
