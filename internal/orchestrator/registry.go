package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
	"github.com/flywheel-dev/taskengine/internal/pss"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

// Registry owns the live in-memory Instance for every in-flight task,
// keyed by task id. Grounded on the teacher's executor.Executor execution
// map (mutex-guarded map keyed by id), generalized here from a flat status
// tracker into a registry of the per-task executors themselves, and on
// internal/pss.Manager's singleflight-guarded first-touch construction so
// two near-simultaneous Start calls for the same task never race to build
// two Instances.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	group singleflight.Group

	store     *StateStore
	cms       cms.Repository
	nlm       NodeClaimer
	provider  ProviderClient
	agentLine AgentLineClient
	obs       ErrorRecorder
	pssMgr    *pss.Manager
	eventBus  bus.EventBus
	cfg       config.OrchestratorConfig
	scorer    *nodeScorer
	logger    *logger.Logger
}

// RegistryDeps bundles the collaborators every Instance the registry builds
// will share.
type RegistryDeps struct {
	Store     *StateStore
	CMS       cms.Repository
	NLM       NodeClaimer
	Provider  ProviderClient
	AgentLine AgentLineClient
	Obs       ErrorRecorder
	PSSMgr    *pss.Manager
	EventBus  bus.EventBus
	Config    config.OrchestratorConfig
	Logger    *logger.Logger
}

func NewRegistry(deps RegistryDeps) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		store:     deps.Store,
		cms:       deps.CMS,
		nlm:       deps.NLM,
		provider:  deps.Provider,
		agentLine: deps.AgentLine,
		obs:       deps.Obs,
		pssMgr:    deps.PSSMgr,
		eventBus:  deps.EventBus,
		cfg:       deps.Config,
		scorer:    newNodeScorer(deps.Config),
		logger:    deps.Logger.WithFields(zap.String("component", "orchestrator-registry")),
	}
}

func (r *Registry) instanceDeps() InstanceDeps {
	return InstanceDeps{
		Store:     r.store,
		CMS:       r.cms,
		NLM:       r.nlm,
		Provider:  r.provider,
		AgentLine: r.agentLine,
		Obs:       r.obs,
		PSSMgr:    r.pssMgr,
		EventBus:  r.eventBus,
		Config:    r.cfg,
		Scorer:    r.scorer,
		Logger:    r.logger,
	}
}

// onTerminal evicts a completed task's Instance from the in-memory map; its
// persisted state row is already gone by the time this runs (runAlarm
// deletes it first).
func (r *Registry) onTerminal(taskID string) {
	r.mu.Lock()
	delete(r.instances, taskID)
	r.mu.Unlock()
}

// Start implements spec.md §4.1.2's Start entry point: idempotent per task
// id. If an instance for taskID is already live, this is a no-op; otherwise
// a fresh State is built and the instance is armed immediately.
func (r *Registry) Start(ctx context.Context, taskID, projectID, userID string, cfg v1.TaskStartConfig) error {
	r.mu.RLock()
	_, ok := r.instances[taskID]
	r.mu.RUnlock()
	if ok {
		r.logger.Info("orchestrator start: instance already running", zap.String("task_id", taskID))
		return nil
	}

	_, err, _ := r.group.Do(taskID, func() (interface{}, error) {
		r.mu.RLock()
		if existing, ok := r.instances[taskID]; ok {
			r.mu.RUnlock()
			return existing, nil
		}
		r.mu.RUnlock()

		st := newState(taskID, projectID, userID, cfg)
		inst := newInstance(st, r.instanceDeps(), r.onTerminal)

		r.mu.Lock()
		r.instances[taskID] = inst
		r.mu.Unlock()

		inst.Start(ctx)
		return inst, nil
	})
	return err
}

// AdvanceWorkspaceReady routes a node agent's workspace-ready callback to
// the live instance for its task, if one is still running. A task whose
// instance already completed (or whose process restarted without the
// instance having been resumed yet) silently drops the signal; the
// workspace_ready step's CMS-row fallback read covers that case.
func (r *Registry) AdvanceWorkspaceReady(ctx context.Context, taskID, status string, errorMessage *string) error {
	r.mu.RLock()
	inst, ok := r.instances[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	inst.AdvanceWorkspaceReady(ctx, status, errorMessage)
	return nil
}

// AdvanceWorkspaceReadyByWorkspace resolves the owning task for a workspace
// callback and verifies the caller's token against the one handed to the
// node agent at workspace-creation time (spec.md §6.1 "Authenticated by
// signed callback token issued at workspace creation") before delegating to
// AdvanceWorkspaceReady.
func (r *Registry) AdvanceWorkspaceReadyByWorkspace(ctx context.Context, workspaceID, token, status string, errorMessage *string) error {
	ws, err := r.cms.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("resolve workspace %s: %w", workspaceID, err)
	}

	r.mu.RLock()
	inst, ok := r.instances[ws.TaskID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no running orchestrator instance for task %s", ws.TaskID)
	}

	st := inst.GetStatus()
	if st.StepResults.CallbackToken == nil || *st.StepResults.CallbackToken != token {
		return fmt.Errorf("callback token mismatch for workspace %s", workspaceID)
	}

	inst.AdvanceWorkspaceReady(ctx, status, errorMessage)
	return nil
}

// CMS exposes the registry's repository handle for callers outside the
// package that need read/write access unrelated to a specific instance,
// such as the HTTP layer's node-heartbeat route.
func (r *Registry) CMS() cms.Repository {
	return r.cms
}

// GetStatus returns the live instance's state, or (nil, false) if no
// instance for taskID is currently running in this process.
func (r *Registry) GetStatus(taskID string) (*State, bool) {
	r.mu.RLock()
	inst, ok := r.instances[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return inst.GetStatus(), true
}

// ResumeAll reloads every persisted, non-terminal task state at process
// boot and re-arms its alarm at delay zero, implementing spec.md §4.1.1's
// crash-survival guarantee: a task mid-flight when the process died last
// picks its step machine back up from the last persisted step rather than
// restarting from node_selection.
func (r *Registry) ResumeAll(ctx context.Context) error {
	states, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load persisted orchestrator states: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		if st.Completed || st.CurrentStep.Terminal() {
			continue
		}
		if _, ok := r.instances[st.TaskID]; ok {
			continue
		}
		inst := newInstance(st, r.instanceDeps(), r.onTerminal)
		r.instances[st.TaskID] = inst
		inst.resume()
		r.logger.Info("resumed orchestrator instance after restart",
			zap.String("task_id", st.TaskID), zap.String("step", string(st.CurrentStep)))
	}
	return nil
}
