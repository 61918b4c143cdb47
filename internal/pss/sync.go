package pss

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// scheduleSummarySyncLocked (re)arms the debounced summary-sync timer
// (spec.md §4.2.4): a coalescing window so bursts of activity/session
// events collapse into a single CMS write. Must be called with i.mu held.
func (i *Instance) scheduleSummarySyncLocked() {
	if i.syncTimer != nil {
		i.syncTimer.Stop()
	}
	i.syncTimer = time.AfterFunc(i.cfg.SummarySyncDebounce(), i.runSummarySync)
}

// runSummarySync fires on the debounce timer, outside the instance mutex
// scope of whatever RPC armed it, and re-enters the executor itself.
func (i *Instance) runSummarySync() {
	ctx := context.Background()
	i.mu.Lock()
	defer i.mu.Unlock()

	lastActivity, err := i.store.MaxActivityCreatedAt(ctx)
	if err != nil {
		i.logger.Warn("summary sync: failed to read max activity timestamp", zap.Error(err))
		return
	}
	activeSessions, err := i.store.CountActiveSessions(ctx)
	if err != nil {
		i.logger.Warn("summary sync: failed to count active sessions", zap.Error(err))
		return
	}
	if lastActivity == nil {
		now := time.Now().UTC()
		lastActivity = &now
	}

	// Best-effort: failures are logged, never retried (next activity
	// re-arms the debounce timer on its own), per spec.md §4.2.4.
	if err := i.cms.UpdateProjectActivity(ctx, i.projectID, *lastActivity, activeSessions); err != nil {
		i.logger.Warn("summary sync to CMS failed", zap.Error(err))
	}
}
