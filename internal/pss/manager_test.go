package pss

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	basePath := t.TempDir()
	repo := cms.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	return NewManager(basePath, repo, eventBus, testConfig(), testLogger(t))
}

func TestManager_GetOrCreate_ReturnsSameInstanceForSameProject(t *testing.T) {
	mgr := newTestManager(t)
	t.Cleanup(mgr.CloseAll)

	inst1, err := mgr.GetOrCreate(context.Background(), "proj-a")
	require.NoError(t, err)
	inst2, err := mgr.GetOrCreate(context.Background(), "proj-a")
	require.NoError(t, err)

	assert.Same(t, inst1, inst2)
}

func TestManager_GetOrCreate_CollapsesConcurrentFirstTouch(t *testing.T) {
	mgr := newTestManager(t)
	t.Cleanup(mgr.CloseAll)

	const n = 10
	results := make([]*Instance, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.GetOrCreate(context.Background(), "proj-concurrent")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestManager_GetOrCreate_IsolatesDistinctProjects(t *testing.T) {
	mgr := newTestManager(t)
	t.Cleanup(mgr.CloseAll)

	instA, err := mgr.GetOrCreate(context.Background(), "proj-a")
	require.NoError(t, err)
	instB, err := mgr.GetOrCreate(context.Background(), "proj-b")
	require.NoError(t, err)

	assert.NotSame(t, instA, instB)

	sessionID, err := instA.CreateSession(context.Background(), CreateSessionParams{Topic: "a"})
	require.NoError(t, err)

	_, err = instB.GetSession(context.Background(), sessionID)
	assert.Error(t, err, "session created in one project's store must not be visible in another's")
}

func TestManager_Evict_ClosesAndRemovesInstance(t *testing.T) {
	mgr := newTestManager(t)
	t.Cleanup(mgr.CloseAll)

	inst, err := mgr.GetOrCreate(context.Background(), "proj-a")
	require.NoError(t, err)
	require.NoError(t, mgr.Evict("proj-a"))

	mgr.mu.RLock()
	_, ok := mgr.instances["proj-a"]
	mgr.mu.RUnlock()
	assert.False(t, ok)

	// a fresh GetOrCreate must reopen the store rather than reuse the
	// closed instance.
	inst2, err := mgr.GetOrCreate(context.Background(), "proj-a")
	require.NoError(t, err)
	assert.NotSame(t, inst, inst2)
}
