package pss

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/db"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testConfig() config.PSSConfig {
	return config.PSSConfig{
		MaxSessionsPerProject:   5,
		MaxMessagesPerSession:   10,
		SummarySyncDebounceMs:   50,
		SessionIdleTimeoutMin:   30,
		IdleCleanupRetryDelayMs: 10,
		IdleCleanupMaxRetries:   2,
	}
}

func newTestInstance(t *testing.T, repo cms.Repository) *Instance {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "project.db")

	writer, reader, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	store, err := OpenStore(dbPath, writer, reader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broadcast := NewBroadcaster(testLogger(t))
	eventBus := bus.NewMemoryEventBus(testLogger(t))

	inst := NewInstance("proj-1", store, broadcast, repo, eventBus, testConfig(), testLogger(t))
	require.NoError(t, inst.EnsureProjectID(context.Background()))
	return inst
}

func TestEnsureProjectID_Idempotent(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	ctx := context.Background()

	require.NoError(t, inst.EnsureProjectID(ctx))
	require.NoError(t, inst.EnsureProjectID(ctx))

	value, ok, err := inst.store.GetMeta(ctx, projectMetaKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "proj-1", value)
}

func TestCreateSession_EnforcesMaxSessionsPerProject(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	inst.cfg.MaxSessionsPerProject = 2
	ctx := context.Background()

	_, err := inst.CreateSession(ctx, CreateSessionParams{Topic: "first"})
	require.NoError(t, err)
	_, err = inst.CreateSession(ctx, CreateSessionParams{Topic: "second"})
	require.NoError(t, err)

	_, err = inst.CreateSession(ctx, CreateSessionParams{Topic: "third"})
	assert.Error(t, err)
}

func TestStopSession_OnlyTransitionsFromActive(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{Topic: "chat"})
	require.NoError(t, err)

	require.NoError(t, inst.StopSession(ctx, sessionID))
	sess, err := inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.ChatSessionStopped, sess.Status)
	firstEndedAt := sess.EndedAt
	require.NotNil(t, firstEndedAt)

	// Stopping an already-stopped session is a no-op, not an error, and
	// must not clobber the first ended_at.
	require.NoError(t, inst.StopSession(ctx, sessionID))
	sess, err = inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, firstEndedAt.Unix(), sess.EndedAt.Unix())
}

func TestPersistMessage_AssignsMonotonicSeqAndCapturesTopic(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{})
	require.NoError(t, err)

	msg1, err := inst.PersistMessage(ctx, sessionID, v1.ChatRoleUser, "hello there", nil)
	require.NoError(t, err)
	require.NotNil(t, msg1)
	assert.Equal(t, int64(1), msg1.Seq)

	msg2, err := inst.PersistMessage(ctx, sessionID, v1.ChatRoleAssistant, "hi", nil)
	require.NoError(t, err)
	require.NotNil(t, msg2)
	assert.Equal(t, int64(2), msg2.Seq)

	sess, err := inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", sess.Topic)
	assert.Equal(t, 2, sess.MessageCount)
}

func TestPersistMessage_TruncatesLongTopicForEllipsis(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{})
	require.NoError(t, err)

	long := ""
	for i := 0; i < 150; i++ {
		long += "x"
	}
	_, err = inst.PersistMessage(ctx, sessionID, v1.ChatRoleUser, long, nil)
	require.NoError(t, err)

	sess, err := inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, len(sess.Topic) < len(long))
	assert.Contains(t, sess.Topic, "…")
}

func TestPersistMessage_StopsAtMaxMessagesPerSession(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	inst.cfg.MaxMessagesPerSession = 2
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{})
	require.NoError(t, err)

	msg1, err := inst.PersistMessage(ctx, sessionID, v1.ChatRoleUser, "one", nil)
	require.NoError(t, err)
	require.NotNil(t, msg1)

	msg2, err := inst.PersistMessage(ctx, sessionID, v1.ChatRoleUser, "two", nil)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	msg3, err := inst.PersistMessage(ctx, sessionID, v1.ChatRoleUser, "three", nil)
	require.NoError(t, err)
	assert.Nil(t, msg3)

	count, err := inst.store.CountMessages(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPersistMessageBatch_DedupesByMessageID(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{})
	require.NoError(t, err)

	msgs := []IncomingMessage{
		{MessageID: "m1", Role: v1.ChatRoleUser, Content: "first"},
		{MessageID: "m2", Role: v1.ChatRoleAssistant, Content: "second"},
	}
	result, err := inst.PersistMessageBatch(ctx, sessionID, msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Persisted)
	assert.Equal(t, 0, result.Duplicates)

	// Re-submitting the same batch plus one new message should only
	// persist the new one.
	msgs = append(msgs, IncomingMessage{MessageID: "m3", Role: v1.ChatRoleUser, Content: "third"})
	result, err = inst.PersistMessageBatch(ctx, sessionID, msgs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Persisted)
	assert.Equal(t, 2, result.Duplicates)

	messages, hasMore, err := inst.GetMessages(ctx, sessionID, 10, nil)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, messages, 3)
	assert.Equal(t, int64(1), messages[0].Seq)
	assert.Equal(t, int64(3), messages[2].Seq)
}

func TestGetMessages_PaginatesAscendingWithHasMore(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	inst.cfg.MaxMessagesPerSession = 100
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := inst.PersistMessage(ctx, sessionID, v1.ChatRoleUser, "msg", nil)
		require.NoError(t, err)
	}

	page, hasMore, err := inst.GetMessages(ctx, sessionID, 3, nil)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(5), page[2].Seq)
}

func TestMarkAgentCompleted_OnlySetsOnce(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{})
	require.NoError(t, err)

	require.NoError(t, inst.MarkAgentCompleted(ctx, sessionID))
	sess, err := inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.AgentCompletedAt)
	first := *sess.AgentCompletedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, inst.MarkAgentCompleted(ctx, sessionID))
	sess, err = inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, first.Unix(), sess.AgentCompletedAt.Unix())
}

func TestRecordActivityEvent_ListedDescending(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	ctx := context.Background()

	require.NoError(t, inst.RecordActivityEvent(ctx, "custom.one", v1.ActorSystem, nil, nil, nil, nil, nil))
	require.NoError(t, inst.RecordActivityEvent(ctx, "custom.two", v1.ActorSystem, nil, nil, nil, nil, map[string]string{"k": "v"}))

	events, err := inst.ListActivityEvents(ctx, nil, 10, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "custom.two", events[0].EventType)
	assert.Equal(t, "custom.one", events[1].EventType)
}

func TestScheduleIdleCleanup_RunsAlarmAndTransitionsCMS(t *testing.T) {
	repo := cms.NewMemoryRepository()
	now := time.Now().UTC()
	task := &v1.Task{ID: "task-1", ProjectID: "proj-1", Status: v1.TaskStatusInProgress, StartedAt: &now}
	workspace := &v1.Workspace{ID: "ws-1", ProjectID: "proj-1", Status: v1.WorkspaceStatusRunning}
	repo.PutTask(task)
	repo.PutWorkspace(workspace)

	inst := newTestInstance(t, repo)
	inst.cfg.SessionIdleTimeoutMin = 0 // fire almost immediately
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{WorkspaceID: strPtr("ws-1"), TaskID: strPtr("task-1")})
	require.NoError(t, err)

	require.NoError(t, inst.ScheduleIdleCleanup(ctx, sessionID, "ws-1", strPtr("task-1")))

	require.Eventually(t, func() bool {
		sched, err := inst.store.GetIdleCleanup(context.Background(), sessionID)
		return err == nil && sched == nil
	}, time.Second, 5*time.Millisecond)

	sess, err := inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.ChatSessionStopped, sess.Status)

	updatedTask, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, updatedTask.Status)

	updatedWorkspace, err := repo.GetWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, v1.WorkspaceStatusStopped, updatedWorkspace.Status)
}

func TestCancelIdleCleanup_PreventsAlarmFiring(t *testing.T) {
	inst := newTestInstance(t, cms.NewMemoryRepository())
	inst.cfg.SessionIdleTimeoutMin = 0
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{WorkspaceID: strPtr("ws-1")})
	require.NoError(t, err)

	require.NoError(t, inst.ScheduleIdleCleanup(ctx, sessionID, "ws-1", nil))
	require.NoError(t, inst.CancelIdleCleanup(ctx, sessionID))

	time.Sleep(20 * time.Millisecond)

	sess, err := inst.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.ChatSessionActive, sess.Status)
}

func TestIdleCleanup_ExhaustsRetriesAndPostsSystemMessage(t *testing.T) {
	repo := cms.NewMemoryRepository()
	// Workspace is deliberately never registered with the CMS repository,
	// so UpdateWorkspaceStatusCond fails on every attempt and the retry
	// budget runs out.
	inst := newTestInstance(t, repo)
	inst.cfg.SessionIdleTimeoutMin = 0
	inst.cfg.IdleCleanupRetryDelayMs = 1
	inst.cfg.IdleCleanupMaxRetries = 1
	ctx := context.Background()

	sessionID, err := inst.CreateSession(ctx, CreateSessionParams{WorkspaceID: strPtr("missing-ws")})
	require.NoError(t, err)
	require.NoError(t, inst.ScheduleIdleCleanup(ctx, sessionID, "missing-ws", nil))

	require.Eventually(t, func() bool {
		sched, err := inst.store.GetIdleCleanup(context.Background(), sessionID)
		return err == nil && sched == nil
	}, time.Second, 5*time.Millisecond)

	messages, _, err := inst.GetMessages(ctx, sessionID, 10, nil)
	require.NoError(t, err)
	var sawFailureMessage bool
	for _, m := range messages {
		if m.Role == v1.ChatRoleSystem {
			sawFailureMessage = true
		}
	}
	assert.True(t, sawFailureMessage, "expected a system chat message recording the exhausted idle cleanup")
}

func strPtr(s string) *string { return &s }
