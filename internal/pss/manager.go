package pss

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/db"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
)

// Manager owns the registry of live per-project PSS instances, one SQLite
// file and one exclusive executor per project id. Grounded on the
// teacher's lifecycle.Manager per-key map/mutex registry, with a
// singleflight.Group added so concurrent first-touch callers for the same
// project collapse into a single Store open + migration run instead of
// racing.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	group singleflight.Group

	basePath string
	cmsRepo  cms.Repository
	eventBus bus.EventBus
	cfg      config.PSSConfig
	logger   *logger.Logger
}

func NewManager(basePath string, cmsRepo cms.Repository, eventBus bus.EventBus, cfg config.PSSConfig, log *logger.Logger) *Manager {
	return &Manager{
		instances: make(map[string]*Instance),
		basePath:  basePath,
		cmsRepo:   cmsRepo,
		eventBus:  eventBus,
		cfg:       cfg,
		logger:    log,
	}
}

// GetOrCreate returns the live instance for a project, opening its SQLite
// store and running pending migrations on first touch.
func (m *Manager) GetOrCreate(ctx context.Context, projectID string) (*Instance, error) {
	m.mu.RLock()
	inst, ok := m.instances[projectID]
	m.mu.RUnlock()
	if ok {
		return inst, nil
	}

	v, err, _ := m.group.Do(projectID, func() (interface{}, error) {
		m.mu.RLock()
		if existing, ok := m.instances[projectID]; ok {
			m.mu.RUnlock()
			return existing, nil
		}
		m.mu.RUnlock()

		path := filepath.Join(m.basePath, fmt.Sprintf("%s.db", projectID))
		writer, reader, err := db.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open pss store for project %s: %w", projectID, err)
		}
		store, err := OpenStore(path, writer, reader)
		if err != nil {
			return nil, err
		}

		broadcast := NewBroadcaster(m.logger)
		inst := NewInstance(projectID, store, broadcast, m.cmsRepo, m.eventBus, m.cfg, m.logger)
		if err := inst.EnsureProjectID(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ensure project id for %s: %w", projectID, err)
		}

		m.mu.Lock()
		m.instances[projectID] = inst
		m.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

// Evict closes and removes an instance's resources, used by a project
// detach/cleanup flow.
func (m *Manager) Evict(projectID string) error {
	m.mu.Lock()
	inst, ok := m.instances[projectID]
	if ok {
		delete(m.instances, projectID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Close()
}

// CloseAll shuts down every live instance, used on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		if err := inst.Close(); err != nil {
			m.logger.Warn("error closing pss instance", zap.String("project_id", id), zap.Error(err))
		}
		delete(m.instances, id)
	}
}
