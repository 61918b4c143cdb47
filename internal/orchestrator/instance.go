package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/common/metrics"
	"github.com/flywheel-dev/taskengine/internal/common/tracing"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
	"github.com/flywheel-dev/taskengine/internal/pss"
)

func newID() string { return uuid.New().String() }

// Instance is the single-threaded executor for one task (spec.md §4.1.1,
// §5). Every exported method and the alarm callback acquire mu, mirroring
// internal/pss.Instance's and internal/nlm.Manager's treatment of the same
// "one actor per key" rule.
type Instance struct {
	mu sync.Mutex

	state *State
	store *StateStore

	cms       cms.Repository
	nlm       NodeClaimer
	provider  ProviderClient
	agentLine AgentLineClient
	obs       ErrorRecorder
	pssMgr    *pss.Manager
	eventBus  bus.EventBus

	cfg    config.OrchestratorConfig
	scorer *nodeScorer
	logger *logger.Logger

	alarm *time.Timer

	onTerminal func(taskID string)
}

// InstanceDeps bundles the collaborators an Instance needs, threaded
// through from the registry so each instance doesn't have to be wired
// individually.
type InstanceDeps struct {
	Store     *StateStore
	CMS       cms.Repository
	NLM       NodeClaimer
	Provider  ProviderClient
	AgentLine AgentLineClient
	Obs       ErrorRecorder
	PSSMgr    *pss.Manager
	EventBus  bus.EventBus
	Config    config.OrchestratorConfig
	Scorer    *nodeScorer
	Logger    *logger.Logger
}

func newInstance(st *State, deps InstanceDeps, onTerminal func(string)) *Instance {
	return &Instance{
		state:      st,
		store:      deps.Store,
		cms:        deps.CMS,
		nlm:        deps.NLM,
		provider:   deps.Provider,
		agentLine:  deps.AgentLine,
		obs:        deps.Obs,
		pssMgr:     deps.PSSMgr,
		eventBus:   deps.EventBus,
		cfg:        deps.Config,
		scorer:     deps.Scorer,
		logger:     deps.Logger.WithFields(zap.String("component", "orchestrator"), zap.String("task_id", st.TaskID)),
		onTerminal: onTerminal,
	}
}

// Start implements spec.md §4.1.2: idempotent if the instance is already
// initialised (which it always is here, since the registry only builds one
// the first time Start is called for a task id); it persists the initial
// state and arms an alarm immediately.
func (inst *Instance) Start(ctx context.Context) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.persistLocked(ctx); err != nil {
		inst.logger.Error("failed to persist initial orchestrator state", zap.Error(err))
	}
	inst.armAlarmLocked(0)
}

// AdvanceWorkspaceReady implements spec.md §4.1.2: records the
// workspace-ready signal; if the instance is already waiting on it, fires
// the alarm immediately rather than waiting for the next poll.
func (inst *Instance) AdvanceWorkspaceReady(ctx context.Context, status string, errorMessage *string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state.Completed {
		return
	}

	inst.state.WorkspaceReadyReceived = true
	inst.state.WorkspaceReadyStatus = &status
	inst.state.WorkspaceErrorMessage = errorMessage
	if err := inst.persistLocked(ctx); err != nil {
		inst.logger.Error("failed to persist workspace-ready signal", zap.Error(err))
	}

	if inst.state.CurrentStep == StepWorkspaceReady {
		inst.armAlarmLocked(0)
	}
}

// resume re-arms the alarm for an instance rebuilt from a previously
// persisted state (spec.md §4.1.1 crash recovery), without re-persisting it
// since nothing has changed yet.
func (inst *Instance) resume() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.armAlarmLocked(0)
}

// GetStatus returns a copy of the persisted state.
func (inst *Instance) GetStatus() *State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	cp := *inst.state
	return &cp
}

func (inst *Instance) persistLocked(ctx context.Context) error {
	inst.state.LastStepAt = time.Now().UTC()
	if inst.store == nil {
		return nil
	}
	return inst.store.Save(ctx, inst.state)
}

// armAlarmLocked replaces any pending alarm with one firing after delay
// (spec.md §5 "writing a new alarm replaces the old").
func (inst *Instance) armAlarmLocked(delay time.Duration) {
	if inst.alarm != nil {
		inst.alarm.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	inst.alarm = time.AfterFunc(delay, inst.runAlarm)
}

// runAlarm re-enters the instance's executor, advances at most one step,
// and classifies any error per spec.md §4.1.5.
func (inst *Instance) runAlarm() {
	ctx := context.Background()
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state.Completed {
		return
	}

	delay, err := inst.dispatchLocked(ctx)
	if err != nil {
		inst.handleStepErrorLocked(ctx, err)
	} else if !inst.state.Completed {
		inst.armAlarmLocked(delay)
	}

	if err := inst.persistLocked(ctx); err != nil {
		inst.logger.Error("failed to persist orchestrator state after step", zap.Error(err))
	}

	if inst.state.Completed && inst.onTerminal != nil {
		if inst.store != nil {
			if delErr := inst.store.Delete(ctx, inst.state.TaskID); delErr != nil {
				inst.logger.Warn("failed to delete terminal orchestrator state", zap.Error(delErr))
			}
		}
		inst.onTerminal(inst.state.TaskID)
	}
}

// dispatchLocked runs the handler for state.CurrentStep, returning the
// delay to re-arm the alarm at (spec.md §4.1.4's "per-step algorithm").
func (inst *Instance) dispatchLocked(ctx context.Context) (time.Duration, error) {
	step := inst.state.CurrentStep
	ctx, span := tracing.TraceStep(ctx, inst.state.TaskID, string(step), inst.state.RetryCount)
	defer span.End()

	start := time.Now()
	delay, err := inst.dispatchStepLocked(ctx)
	tracing.TraceStepResult(span, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.StepDurationSeconds.WithLabelValues(string(step), outcome).Observe(time.Since(start).Seconds())

	return delay, err
}

func (inst *Instance) dispatchStepLocked(ctx context.Context) (time.Duration, error) {
	switch inst.state.CurrentStep {
	case StepNodeSelection:
		return inst.stepNodeSelection(ctx)
	case StepNodeProvisioning:
		return inst.stepNodeProvisioning(ctx)
	case StepNodeAgentReady:
		return inst.stepNodeAgentReady(ctx)
	case StepWorkspaceCreation:
		return inst.stepWorkspaceCreation(ctx)
	case StepWorkspaceReady:
		return inst.stepWorkspaceReady(ctx)
	case StepAgentSession:
		return inst.stepAgentSession(ctx)
	default:
		return 0, nil
	}
}

// handleStepErrorLocked implements spec.md §4.1.5's retry/fail decision.
func (inst *Instance) handleStepErrorLocked(ctx context.Context, err error) {
	if classify(err) == ClassificationPermanent {
		inst.logger.Warn("step failed permanently", zap.String("step", string(inst.state.CurrentStep)), zap.Error(err))
		tracing.TraceTaskFailed(ctx, inst.state.TaskID, string(inst.state.CurrentStep), err.Error(), true)
		metrics.TasksFailedTotal.WithLabelValues(string(inst.state.CurrentStep), "orchestrator").Inc()
		inst.failTask(ctx, err.Error())
		return
	}

	inst.state.RetryCount++
	if inst.state.RetryCount > inst.cfg.StepMaxRetries {
		inst.logger.Warn("step exhausted retries, failing permanently",
			zap.String("step", string(inst.state.CurrentStep)), zap.Int("retry_count", inst.state.RetryCount), zap.Error(err))
		tracing.TraceTaskFailed(ctx, inst.state.TaskID, string(inst.state.CurrentStep), err.Error(), false)
		metrics.TasksFailedTotal.WithLabelValues(string(inst.state.CurrentStep), "orchestrator").Inc()
		inst.failTask(ctx, err.Error())
		return
	}

	delay := backoff(inst.cfg, inst.state.RetryCount)
	inst.logger.Warn("step failed transiently, retrying",
		zap.String("step", string(inst.state.CurrentStep)), zap.Int("retry_count", inst.state.RetryCount),
		zap.Duration("delay", delay), zap.Error(err))
	metrics.StepRetriesTotal.WithLabelValues(string(inst.state.CurrentStep)).Inc()
	inst.armAlarmLocked(delay)
}

// backoff implements spec.md §4.1.5: min(MAX_DELAY, BASE_DELAY * 2^retryCount).
func backoff(cfg config.OrchestratorConfig, retryCount int) time.Duration {
	d := cfg.RetryBaseDelay()
	for i := 0; i < retryCount && i < 32; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay() {
			return cfg.RetryMaxDelay()
		}
	}
	if d > cfg.RetryMaxDelay() {
		return cfg.RetryMaxDelay()
	}
	return d
}

func stringPtr(s string) *string { return &s }
