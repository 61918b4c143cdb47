// Package websocket defines the wire envelope for the PSS viewer protocol
// (spec.md §6.2): a thin server-push broadcast channel, not a
// request/response RPC transport.
package websocket

import "encoding/json"

// BroadcastType enumerates the envelope types a PSS instance pushes to
// attached viewer sockets (spec.md §4.2.3).
type BroadcastType string

const (
	BroadcastSessionCreated       BroadcastType = "session.created"
	BroadcastSessionStopped       BroadcastType = "session.stopped"
	BroadcastSessionAgentComplete BroadcastType = "session.agent_completed"
	BroadcastSessionIdleCleanup   BroadcastType = "session.idle_cleanup"
	BroadcastMessageNew           BroadcastType = "message.new"
	BroadcastMessagesBatch        BroadcastType = "messages.batch"
	BroadcastActivityNew          BroadcastType = "activity.new"
)

// Envelope is the server->client broadcast frame.
type Envelope struct {
	Type    BroadcastType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a broadcast Envelope.
func NewEnvelope(t BroadcastType, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Payload: data}, nil
}

// ClientFrame is the only shape the server accepts from a viewer socket:
// a liveness ping (spec.md §6.2).
type ClientFrame struct {
	Type string `json:"type"`
}

// PongEnvelope is the fixed reply to a client ping.
var PongEnvelope = json.RawMessage(`{"type":"pong"}`)
