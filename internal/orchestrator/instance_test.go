package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/agentline"
	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/apperrors"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/provider"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type fakeNodeClaimer struct {
	mu      sync.Mutex
	claimOK map[string]bool
	idled   []string
}

func (f *fakeNodeClaimer) TryClaim(ctx context.Context, nodeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimOK[nodeID], nil
}

func (f *fakeNodeClaimer) MarkIdle(ctx context.Context, nodeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idled = append(f.idled, nodeID)
	return true, nil
}

type fakeProvider struct {
	instance *provider.NodeInstance
	err      error
}

func (f *fakeProvider) CreateNode(ctx context.Context, req provider.CreateNodeRequest) (*provider.NodeInstance, error) {
	return f.instance, f.err
}

func (f *fakeProvider) GetNodeStatus(ctx context.Context, providerInstanceID string) (*provider.NodeInstance, error) {
	return f.instance, f.err
}

func (f *fakeProvider) DeleteNode(ctx context.Context, providerInstanceID string) error { return nil }

type fakeAgentLine struct {
	mu        sync.Mutex
	healthy   bool
	createErr error
	stopErr   error
	spawnErr  error
	stopped   []string
}

func (f *fakeAgentLine) Health(ctx context.Context, ipAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return nil
	}
	return errors.New("agent not ready")
}

func (f *fakeAgentLine) CreateWorkspace(ctx context.Context, ipAddress string, params agentline.WorkspaceCreateParams) error {
	return f.createErr
}

func (f *fakeAgentLine) StopWorkspace(ctx context.Context, ipAddress, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, workspaceID)
	return f.stopErr
}

func (f *fakeAgentLine) SpawnSession(ctx context.Context, ipAddress string, params agentline.SessionSpawnParams) (*agentline.SessionSpawnResult, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return &agentline.SessionSpawnResult{AgentSessionID: "agent-session-1"}, nil
}

type fakeObs struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeObs) RecordTaskError(ctx context.Context, taskID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func testDeps(t *testing.T, cms cms.Repository) (InstanceDeps, *fakeNodeClaimer, *fakeProvider, *fakeAgentLine, *fakeObs) {
	nlm := &fakeNodeClaimer{claimOK: map[string]bool{}}
	prov := &fakeProvider{}
	al := &fakeAgentLine{healthy: true}
	obs := &fakeObs{}
	deps := InstanceDeps{
		CMS:       cms,
		NLM:       nlm,
		Provider:  prov,
		AgentLine: al,
		Obs:       obs,
		Config:    testOrchestratorConfig(),
		Scorer:    newNodeScorer(testOrchestratorConfig()),
		Logger:    testLogger(t),
	}
	return deps, nlm, prov, al, obs
}

func awaitStep(t *testing.T, inst *Instance, step Step) {
	t.Helper()
	require.Eventually(t, func() bool {
		return inst.GetStatus().CurrentStep == step
	}, time.Second, time.Millisecond)
}

func awaitCompleted(t *testing.T, inst *Instance) {
	t.Helper()
	require.Eventually(t, func() bool {
		return inst.GetStatus().Completed
	}, time.Second, time.Millisecond)
}

func TestInstance_PreferredNodeHappyPathReachesRunning(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutNode(&v1.Node{ID: "node-1", UserID: "user-1", Status: v1.NodeStatusRunning, HealthStatus: v1.NodeHealthHealthy, IPAddress: "10.0.0.1"})
	repo.PutTask(&v1.Task{ID: "task-1", ProjectID: "proj-1", UserID: "user-1", Status: v1.TaskStatusQueued})

	deps, _, _, _, _ := testDeps(t, repo)
	nodeID := "node-1"
	cfg := v1.TaskStartConfig{
		PreferredNodeID: &nodeID,
		VMSize:          "small",
		VMLocation:      "us-east",
		Branch:          "main",
		TaskTitle:       "do the thing",
		Repository:      "org/repo",
		InstallationID:  "inst-1",
	}
	st := newState("task-1", "proj-1", "user-1", cfg)
	inst := newInstance(st, deps, nil)
	inst.Start(context.Background())

	awaitStep(t, inst, StepWorkspaceReady)
	inst.AdvanceWorkspaceReady(context.Background(), "running", nil)

	awaitCompleted(t, inst)
	status := inst.GetStatus()
	assert.Equal(t, StepRunning, status.CurrentStep)
	assert.Equal(t, "node-1", *status.StepResults.NodeID)
	require.NotNil(t, status.StepResults.WorkspaceID)
	require.NotNil(t, status.StepResults.AgentSessionID)

	task, err := repo.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusInProgress, task.Status)
	assert.NotNil(t, task.WorkspaceID)
}

func TestInstance_PreferredNodeNotRunningFailsPermanently(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutNode(&v1.Node{ID: "node-1", UserID: "user-1", Status: v1.NodeStatusPending})
	repo.PutTask(&v1.Task{ID: "task-1", ProjectID: "proj-1", UserID: "user-1", Status: v1.TaskStatusQueued})

	deps, _, _, _, obs := testDeps(t, repo)
	nodeID := "node-1"
	cfg := v1.TaskStartConfig{PreferredNodeID: &nodeID, VMSize: "small", VMLocation: "us-east", Branch: "main", TaskTitle: "t", Repository: "org/repo", InstallationID: "inst-1"}
	st := newState("task-1", "proj-1", "user-1", cfg)
	inst := newInstance(st, deps, nil)
	inst.Start(context.Background())

	awaitCompleted(t, inst)
	task, err := repo.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.messages, 1)
}

func TestInstance_WarmClaimPrefersClaimableNode(t *testing.T) {
	repo := cms.NewMemoryRepository()
	warmAt := time.Now().UTC()
	repo.PutNode(&v1.Node{ID: "node-unclaimable", UserID: "user-1", Status: v1.NodeStatusRunning, WarmSince: &warmAt, IPAddress: "10.0.0.1"})
	repo.PutNode(&v1.Node{ID: "node-claimable", UserID: "user-1", Status: v1.NodeStatusRunning, WarmSince: &warmAt, IPAddress: "10.0.0.2"})
	repo.PutTask(&v1.Task{ID: "task-1", ProjectID: "proj-1", UserID: "user-1", Status: v1.TaskStatusQueued})

	deps, nlm, _, _, _ := testDeps(t, repo)
	nlm.claimOK["node-claimable"] = true

	cfg := v1.TaskStartConfig{VMSize: "small", VMLocation: "us-east", Branch: "main", TaskTitle: "t", Repository: "org/repo", InstallationID: "inst-1"}
	st := newState("task-1", "proj-1", "user-1", cfg)
	inst := newInstance(st, deps, nil)
	inst.Start(context.Background())

	awaitStep(t, inst, StepWorkspaceReady)
	status := inst.GetStatus()
	assert.Equal(t, "node-claimable", *status.StepResults.NodeID)
}

func TestInstance_NoWarmOrCapacityNodeProvisions(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "task-1", ProjectID: "proj-1", UserID: "user-1", Status: v1.TaskStatusQueued})

	deps, _, prov, _, _ := testDeps(t, repo)
	prov.instance = &provider.NodeInstance{ProviderInstanceID: "prov-inst-1", Status: "running", IPAddress: "10.0.0.9"}

	cfg := v1.TaskStartConfig{VMSize: "small", VMLocation: "us-east", Branch: "main", TaskTitle: "t", Repository: "org/repo", InstallationID: "inst-1"}
	st := newState("task-1", "proj-1", "user-1", cfg)
	inst := newInstance(st, deps, nil)
	inst.Start(context.Background())

	awaitStep(t, inst, StepWorkspaceReady)
	inst.AdvanceWorkspaceReady(context.Background(), "running", nil)

	awaitCompleted(t, inst)
	status := inst.GetStatus()
	assert.Equal(t, StepRunning, status.CurrentStep)
	require.NotNil(t, status.StepResults.NodeID)
	assert.True(t, status.StepResults.AutoProvisioned)

	node, err := repo.GetNode(context.Background(), *status.StepResults.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "prov-inst-1", node.ProviderInstanceID)
	assert.Equal(t, v1.NodeStatusRunning, node.Status)

	task, err := repo.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, task.AutoProvisionedNode)
	assert.Equal(t, *status.StepResults.NodeID, *task.AutoProvisionedNode)
}

func TestInstance_WorkspaceReadySignalAdvancesImmediately(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutNode(&v1.Node{ID: "node-1", UserID: "user-1", Status: v1.NodeStatusRunning, HealthStatus: v1.NodeHealthHealthy, IPAddress: "10.0.0.1"})
	repo.PutTask(&v1.Task{ID: "task-1", ProjectID: "proj-1", UserID: "user-1", Status: v1.TaskStatusQueued})

	deps, _, _, _, _ := testDeps(t, repo)
	nodeID := "node-1"
	cfg := v1.TaskStartConfig{PreferredNodeID: &nodeID, VMSize: "small", VMLocation: "us-east", Branch: "main", TaskTitle: "t", Repository: "org/repo", InstallationID: "inst-1"}
	st := newState("task-1", "proj-1", "user-1", cfg)
	inst := newInstance(st, deps, nil)
	inst.Start(context.Background())

	awaitStep(t, inst, StepWorkspaceReady)
	inst.AdvanceWorkspaceReady(context.Background(), "running", nil)

	awaitCompleted(t, inst)
	assert.Equal(t, StepRunning, inst.GetStatus().CurrentStep)
}

func TestInstance_WorkspaceErrorFailsPermanently(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutNode(&v1.Node{ID: "node-1", UserID: "user-1", Status: v1.NodeStatusRunning, HealthStatus: v1.NodeHealthHealthy, IPAddress: "10.0.0.1"})
	repo.PutTask(&v1.Task{ID: "task-1", ProjectID: "proj-1", UserID: "user-1", Status: v1.TaskStatusQueued})

	deps, _, _, _, _ := testDeps(t, repo)
	nodeID := "node-1"
	cfg := v1.TaskStartConfig{PreferredNodeID: &nodeID, VMSize: "small", VMLocation: "us-east", Branch: "main", TaskTitle: "t", Repository: "org/repo", InstallationID: "inst-1"}
	st := newState("task-1", "proj-1", "user-1", cfg)
	inst := newInstance(st, deps, nil)
	inst.Start(context.Background())

	awaitStep(t, inst, StepWorkspaceReady)
	errMsg := "build failed"
	inst.AdvanceWorkspaceReady(context.Background(), "error", &errMsg)

	awaitCompleted(t, inst)
	task, err := repo.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	assert.Equal(t, errMsg, *task.ErrorMessage)
}

func TestInstance_CleanupReleasesAutoProvisionedNodeOnFailure(t *testing.T) {
	repo := cms.NewMemoryRepository()
	repo.PutTask(&v1.Task{ID: "task-1", ProjectID: "proj-1", UserID: "user-1", Status: v1.TaskStatusQueued})

	deps, nlm, prov, al, _ := testDeps(t, repo)
	prov.instance = &provider.NodeInstance{ProviderInstanceID: "prov-inst-1", Status: "running", IPAddress: "10.0.0.9"}
	al.spawnErr = apperrors.Invalid("agent rejected session spawn")

	cfg := v1.TaskStartConfig{VMSize: "small", VMLocation: "us-east", Branch: "main", TaskTitle: "t", Repository: "org/repo", InstallationID: "inst-1"}
	st := newState("task-1", "proj-1", "user-1", cfg)
	inst := newInstance(st, deps, nil)
	inst.Start(context.Background())

	awaitStep(t, inst, StepWorkspaceReady)
	inst.AdvanceWorkspaceReady(context.Background(), "running", nil)

	awaitCompleted(t, inst)
	status := inst.GetStatus()
	require.NotNil(t, status.StepResults.NodeID)
	nodeID := *status.StepResults.NodeID

	task, err := repo.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)

	ws, err := repo.GetWorkspace(context.Background(), *status.StepResults.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkspaceStatusStopped, ws.Status)

	nlm.mu.Lock()
	defer nlm.mu.Unlock()
	assert.Contains(t, nlm.idled, nodeID)

	al.mu.Lock()
	defer al.mu.Unlock()
	assert.Contains(t, al.stopped, *status.StepResults.WorkspaceID)
}
