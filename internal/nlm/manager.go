// Package nlm implements the Node Lifecycle Manager: a per-node singleton
// serializing the three racy transitions a node goes through (spec.md
// §4.3). The CMS repository methods it calls are themselves conditional
// UPDATEs, so the per-node mutex here isn't needed for correctness against
// Postgres directly — it exists so that a burst of concurrent callers for
// the same node observes the same single-threaded-executor ordering the
// rest of this system relies on, rather than racing ahead independently
// only to have most of them lose the conditional UPDATE.
package nlm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
)

// Manager owns one mutex per node id, grounded on the teacher's
// ExecutionStore (a mutex-guarded map keyed by id), generalized here from a
// value store to a lock registry.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	repo   cms.Repository
	logger *logger.Logger
}

func NewManager(repo cms.Repository, log *logger.Logger) *Manager {
	return &Manager{
		locks:  make(map[string]*sync.Mutex),
		repo:   repo,
		logger: log.WithFields(zap.String("component", "nlm")),
	}
}

func (m *Manager) lockFor(nodeID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[nodeID] = l
	}
	return l
}

// TryClaim atomically verifies the node is running and warm, clears
// warm_since, and rejects if the node has any live workspace (spec.md
// §4.3). The repository's ClaimNodeWarm already performs the check and
// clear in one conditional UPDATE; claimed=false is a normal "someone got
// there first" outcome, not an error.
func (m *Manager) TryClaim(ctx context.Context, nodeID string) (claimed bool, err error) {
	lock := m.lockFor(nodeID)
	lock.Lock()
	defer lock.Unlock()

	claimed, err = m.repo.ClaimNodeWarm(ctx, nodeID)
	if err != nil {
		m.logger.Error("claim node warm failed", zap.String("node_id", nodeID), zap.Error(err))
		return false, err
	}
	return claimed, nil
}

// MarkIdle verifies no live workspaces exist and sets warm_since=now, used
// when the last workspace on a node is destroyed or a failed
// auto-provisioned task never reached workspace creation (spec.md §4.3).
func (m *Manager) MarkIdle(ctx context.Context, nodeID string) (marked bool, err error) {
	lock := m.lockFor(nodeID)
	lock.Lock()
	defer lock.Unlock()

	marked, err = m.repo.MarkNodeWarm(ctx, nodeID)
	if err != nil {
		m.logger.Error("mark node idle failed", zap.String("node_id", nodeID), zap.Error(err))
		return false, err
	}
	return marked, nil
}

// Release is the inverse of TryClaim, used to roll a claim back when a
// later orchestrator step fails before the node is ever given a workspace.
// Unused in the happy path (spec.md §4.3); behaves exactly like MarkIdle
// since at that point the node still has no live workspace.
func (m *Manager) Release(ctx context.Context, nodeID string) error {
	_, err := m.MarkIdle(ctx, nodeID)
	return err
}
