// Package pss implements the Per-Project Session Store: one isolated
// SQLite-backed logical instance per project, with an exclusive
// single-threaded executor, a viewer websocket broadcast hub, and a
// debounced summary syncback to the CMS (spec.md §4.2).
package pss

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/common/metrics"
	"github.com/flywheel-dev/taskengine/internal/common/tracing"
	"github.com/flywheel-dev/taskengine/internal/events"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
	wsproto "github.com/flywheel-dev/taskengine/pkg/wsproto"

	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

const projectMetaKey = "project_id"

// Instance is one project's PSS actor. Every exported method acquires the
// instance mutex for its whole body, modeling the spec's single-threaded
// cooperative executor: RPCs and the alarm callback serialize in arrival
// order, but suspension points (store I/O, CMS syncback) don't block other
// instances (distinct keys run on distinct goroutines).
type Instance struct {
	mu sync.Mutex

	projectID string
	store     *Store
	broadcast *Broadcaster
	cms       cms.Repository
	eventBus  bus.EventBus
	cfg       config.PSSConfig
	logger    *logger.Logger

	seqCounters map[string]int64

	syncTimer  *time.Timer
	cleanupTmr *time.Timer
}

// NewInstance wires a PSS instance around an already-open Store.
func NewInstance(projectID string, store *Store, broadcast *Broadcaster, repo cms.Repository, eventBus bus.EventBus, cfg config.PSSConfig, log *logger.Logger) *Instance {
	inst := &Instance{
		projectID:   projectID,
		store:       store,
		broadcast:   broadcast,
		cms:         repo,
		eventBus:    eventBus,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "pss_instance"), zap.String("project_id", projectID)),
		seqCounters: make(map[string]int64),
	}
	return inst
}

// EnsureProjectID idempotently persists the project binding (spec.md
// §4.2.1), required so the instance can identify itself during summary
// syncback without a reverse lookup.
func (i *Instance) EnsureProjectID(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok, err := i.store.GetMeta(ctx, projectMetaKey)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return i.store.SetMeta(ctx, projectMetaKey, i.projectID)
}

// CreateSessionParams mirrors CreateSession's optional arguments.
type CreateSessionParams struct {
	WorkspaceID *string
	Topic       string
	TaskID      *string
}

// CreateSession enforces MAX_SESSIONS_PER_PROJECT, inserts the row, emits
// the session.started activity, broadcasts session.created, and schedules
// a debounced summary sync (spec.md §4.2.1).
func (i *Instance) CreateSession(ctx context.Context, params CreateSessionParams) (string, error) {
	ctx, span := tracing.TraceRPC(ctx, i.projectID, "CreateSession")
	defer span.End()

	i.mu.Lock()
	defer i.mu.Unlock()

	id, err := i.createSessionLocked(ctx, params)
	tracing.TraceRPCResult(span, err)
	return id, err
}

func (i *Instance) createSessionLocked(ctx context.Context, params CreateSessionParams) (string, error) {
	count, err := i.store.CountSessions(ctx)
	if err != nil {
		return "", err
	}
	if count >= i.cfg.MaxSessionsPerProject {
		return "", fmt.Errorf("project %s has reached MAX_SESSIONS_PER_PROJECT (%d)", i.projectID, i.cfg.MaxSessionsPerProject)
	}

	now := time.Now().UTC()
	sess := &v1.ChatSession{
		ID:           uuid.New().String(),
		WorkspaceID:  params.WorkspaceID,
		TaskID:       params.TaskID,
		Topic:        params.Topic,
		Status:       v1.ChatSessionActive,
		MessageCount: 0,
		StartedAt:    now,
	}
	if err := i.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}

	i.recordActivityLocked(ctx, v1.EventSessionStarted, v1.ActorSystem, nil, sess.WorkspaceID, &sess.ID, sess.TaskID, nil)
	i.broadcast.Broadcast(wsproto.BroadcastSessionCreated, sess)
	i.scheduleSummarySyncLocked()
	metrics.PSSSessionsActive.WithLabelValues(i.projectID).Inc()

	return sess.ID, nil
}

// StopSession conditionally transitions an active session to stopped
// (spec.md §4.2.1).
func (i *Instance) StopSession(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopSessionLocked(ctx, sessionID, true)
}

// SetSessionWorkspaceID backfills a session's workspace_id; used by the
// orchestrator's workspace_creation step to link a pre-existing chat session
// to the workspace it's now attached to.
func (i *Instance) SetSessionWorkspaceID(ctx context.Context, sessionID, workspaceID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.SetSessionWorkspaceID(ctx, sessionID, workspaceID)
}

func (i *Instance) stopSessionLocked(ctx context.Context, sessionID string, broadcast bool) error {
	now := time.Now().UTC()
	matched, err := i.store.UpdateSessionStatusCond(ctx, sessionID, v1.ChatSessionActive, v1.ChatSessionStopped, &now)
	if err != nil {
		return err
	}
	if !matched {
		return nil
	}
	i.recordActivityLocked(ctx, v1.EventSessionStopped, v1.ActorSystem, nil, nil, &sessionID, nil, nil)
	if broadcast {
		i.broadcast.Broadcast(wsproto.BroadcastSessionStopped, map[string]string{"sessionId": sessionID})
	}
	metrics.PSSSessionsActive.WithLabelValues(i.projectID).Dec()
	return nil
}

// PersistMessage enforces MAX_MESSAGES_PER_SESSION, auto-captures the
// session topic from the first user message, assigns the monotonic
// in-process sequence number, and broadcasts message.new (spec.md §4.2.1,
// SPEC_FULL.md §3 per-session sequence counter).
func (i *Instance) PersistMessage(ctx context.Context, sessionID string, role v1.ChatRole, content string, toolMetadata *string) (*v1.ChatMessage, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	msg, err := i.persistMessageLocked(ctx, sessionID, uuid.New().String(), role, content, toolMetadata)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		i.broadcast.Broadcast(wsproto.BroadcastMessageNew, msg)
	}
	return msg, nil
}

// persistMessageLocked is the shared body for single and batched inserts;
// returns nil, nil when the message was skipped (over the cap).
func (i *Instance) persistMessageLocked(ctx context.Context, sessionID, messageID string, role v1.ChatRole, content string, toolMetadata *string) (*v1.ChatMessage, error) {
	count, err := i.store.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if count >= i.cfg.MaxMessagesPerSession {
		return nil, nil
	}

	seq, err := i.nextSeqLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	msg := &v1.ChatMessage{
		MessageID:    messageID,
		SessionID:    sessionID,
		Seq:          seq,
		Role:         role,
		Content:      content,
		ToolMetadata: toolMetadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := i.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := i.store.IncrementMessageCount(ctx, sessionID); err != nil {
		return nil, err
	}

	if role == v1.ChatRoleUser && count == 0 {
		topic := content
		if len(topic) > 100 {
			topic = strings.TrimSpace(topic[:100]) + "…"
		}
		if err := i.store.SetSessionTopic(ctx, sessionID, topic); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

func (i *Instance) nextSeqLocked(ctx context.Context, sessionID string) (int64, error) {
	if seq, ok := i.seqCounters[sessionID]; ok {
		seq++
		i.seqCounters[sessionID] = seq
		return seq, nil
	}
	max, err := i.store.MaxSeq(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	max++
	i.seqCounters[sessionID] = max
	return max, nil
}

// IncomingMessage is one entry of PersistMessageBatch's input (spec.md
// §4.2.1).
type IncomingMessage struct {
	MessageID    string
	Role         v1.ChatRole
	Content      string
	ToolMetadata *string
}

// BatchResult reports what PersistMessageBatch actually did.
type BatchResult struct {
	Persisted  int
	Duplicates int
}

// PersistMessageBatch dedupes by client-supplied id, stops at the session
// cap, and emits one messages.batch broadcast at the end (spec.md §4.2.1).
func (i *Instance) PersistMessageBatch(ctx context.Context, sessionID string, msgs []IncomingMessage) (*BatchResult, error) {
	ctx, span := tracing.TraceRPC(ctx, i.projectID, "PersistMessageBatch")
	defer span.End()

	i.mu.Lock()
	defer i.mu.Unlock()

	result, err := i.persistMessageBatchLocked(ctx, sessionID, msgs)
	tracing.TraceRPCResult(span, err)
	return result, err
}

func (i *Instance) persistMessageBatchLocked(ctx context.Context, sessionID string, msgs []IncomingMessage) (*BatchResult, error) {
	result := &BatchResult{}
	var persisted []*v1.ChatMessage

	for _, m := range msgs {
		exists, err := i.store.MessageExists(ctx, m.MessageID)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Duplicates++
			continue
		}

		msg, err := i.persistMessageLocked(ctx, sessionID, m.MessageID, m.Role, m.Content, m.ToolMetadata)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			break // hit MAX_MESSAGES_PER_SESSION
		}
		result.Persisted++
		persisted = append(persisted, msg)
	}

	if len(persisted) > 0 {
		i.broadcast.Broadcast(wsproto.BroadcastMessagesBatch, persisted)
	}
	return result, nil
}

// ListSessions filters by status and/or task id, newest first (spec.md
// §4.2.1).
func (i *Instance) ListSessions(ctx context.Context, status *v1.ChatSessionStatus, taskID *string, limit, offset int) ([]*v1.ChatSession, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.ListSessions(ctx, status, taskID, limit, offset)
}

func (i *Instance) GetSession(ctx context.Context, sessionID string) (*v1.ChatSession, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.GetSession(ctx, sessionID)
}

// GetMessages returns a page of messages plus a hasMore cursor flag
// (spec.md §4.2.1).
func (i *Instance) GetMessages(ctx context.Context, sessionID string, limit int, before *time.Time) ([]*v1.ChatMessage, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.GetMessages(ctx, sessionID, limit, before)
}

// RecordActivityEvent appends a row, broadcasts activity.new, and
// schedules a summary sync (spec.md §4.2.1).
func (i *Instance) RecordActivityEvent(ctx context.Context, eventType string, actorType v1.ActorType, actorID, workspaceID, sessionID, taskID *string, payload interface{}) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recordActivityLocked(ctx, eventType, actorType, actorID, workspaceID, sessionID, taskID, payload)
	i.scheduleSummarySyncLocked()
	return nil
}

func (i *Instance) recordActivityLocked(ctx context.Context, eventType string, actorType v1.ActorType, actorID, workspaceID, sessionID, taskID *string, payload interface{}) {
	ev := &v1.ActivityEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		ActorType:   actorType,
		ActorID:     actorID,
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		TaskID:      taskID,
		Payload:     marshalPayload(payload),
		CreatedAt:   time.Now().UTC(),
	}
	if err := i.store.InsertActivityEvent(ctx, ev); err != nil {
		i.logger.Error("failed to record activity event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	i.broadcast.Broadcast(wsproto.BroadcastActivityNew, ev)

	if i.eventBus != nil {
		be := bus.NewEvent(events.ActivityNew, "pss", map[string]interface{}{
			"projectId": i.projectID,
			"eventType": eventType,
		})
		_ = i.eventBus.Publish(ctx, events.ActivityNew, be)
	}
}

// ListActivityEvents returns a descending page (spec.md §4.2.1).
func (i *Instance) ListActivityEvents(ctx context.Context, eventType *string, limit int, before *time.Time) ([]*v1.ActivityEvent, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.ListActivityEvents(ctx, eventType, limit, before)
}

// MarkAgentCompleted sets agent_completed_at only if it was NULL, then
// broadcasts (spec.md §4.2.1).
func (i *Instance) MarkAgentCompleted(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	matched, err := i.store.MarkAgentCompletedIfNull(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return err
	}
	if matched {
		i.broadcast.Broadcast(wsproto.BroadcastSessionAgentComplete, map[string]string{"sessionId": sessionID})
	}
	return nil
}

// AttachViewer takes an already-upgraded viewer websocket connection and
// owns it for this project's broadcast hub (spec.md §6.2). It does not take the instance
// mutex: the connection's read/write pumps run for the life of the socket,
// independent of any single RPC.
func (i *Instance) AttachViewer(conn *websocket.Conn) {
	i.broadcast.Attach(conn)
}

// Close flushes any pending timers and closes the underlying store; called
// when this instance is evicted from the manager's registry.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.syncTimer != nil {
		i.syncTimer.Stop()
	}
	if i.cleanupTmr != nil {
		i.cleanupTmr.Stop()
	}
	i.broadcast.CloseAll()
	return i.store.Close()
}
