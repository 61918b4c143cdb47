package pss

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flywheel-dev/taskengine/internal/common/logger"
	wsproto "github.com/flywheel-dev/taskengine/pkg/wsproto"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// viewerConn is one attached websocket viewer. Grounded on the teacher's
// gateway/websocket Client: a buffered send channel drained by a dedicated
// write pump, a read pump that only has to recognise the client ping.
type viewerConn struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *viewerConn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *viewerConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Broadcaster fans out envelopes to every viewer socket attached to one
// PSS instance (spec.md §4.2.3). A closed or full socket is dropped
// silently, never blocking the instance's single-threaded executor.
type Broadcaster struct {
	mu      sync.RWMutex
	viewers map[*viewerConn]bool
	logger  *logger.Logger
}

func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		viewers: make(map[*viewerConn]bool),
		logger:  log.WithFields(zap.String("component", "pss_broadcast")),
	}
}

// Attach upgrades a connection into a tracked viewer and starts its pumps.
// Callers should run this in its own goroutine; it blocks until the
// connection closes.
func (b *Broadcaster) Attach(conn *websocket.Conn) {
	vc := &viewerConn{conn: conn, send: make(chan []byte, sendBuffer)}

	b.mu.Lock()
	b.viewers[vc] = true
	b.mu.Unlock()

	done := make(chan struct{})
	go b.writePump(vc, done)
	b.readPump(vc)
	close(done)

	b.mu.Lock()
	delete(b.viewers, vc)
	b.mu.Unlock()
	vc.close()
}

func (b *Broadcaster) readPump(vc *viewerConn) {
	vc.conn.SetReadLimit(maxMessageSize)
	_ = vc.conn.SetReadDeadline(time.Now().Add(pongWait))
	vc.conn.SetPongHandler(func(string) error {
		return vc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := vc.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsproto.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			vc.enqueue(wsproto.PongEnvelope)
		}
	}
}

func (b *Broadcaster) writePump(vc *viewerConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer vc.conn.Close()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-vc.send:
			_ = vc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = vc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := vc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = vc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := vc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast sends an envelope to every attached viewer, dropping closed or
// backed-up sockets silently (spec.md §4.2.3).
func (b *Broadcaster) Broadcast(t wsproto.BroadcastType, payload interface{}) {
	env, err := wsproto.NewEnvelope(t, payload)
	if err != nil {
		b.logger.Error("failed to marshal broadcast envelope", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to marshal broadcast envelope", zap.Error(err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for vc := range b.viewers {
		vc.enqueue(data)
	}
}

// ViewerCount reports the number of attached sockets.
func (b *Broadcaster) ViewerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers)
}

// CloseAll drops every attached viewer, used when the instance is evicted.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for vc := range b.viewers {
		vc.close()
		delete(b.viewers, vc)
	}
}
