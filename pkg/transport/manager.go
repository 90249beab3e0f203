package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// sinkBufferCap is the maximum number of outbound messages buffered for a
// disconnected learner. Older messages are dropped first once the cap is hit;
// a learner who missed more than this should rebuild state from the snapshot
// endpoint anyway.
const sinkBufferCap = 32

// ConnectionManager binds WebSocket connections to learner ids and owns the
// egress sinks sessions write to. Each Go process has one instance.
//
// A learner has at most one live connection. A new connection for the same
// learner supersedes the old one. On disconnect a grace timer starts; if the
// learner does not return before it fires, the manager reports the disconnect
// to the ingress so the session can begin a graceful shutdown.
type ConnectionManager struct {
	ingress      Ingress
	writeTimeout time.Duration
	grace        time.Duration

	// Learner bindings: learner_id → *LearnerSink
	mu       sync.RWMutex
	bindings map[string]*LearnerSink
	closed   bool
}

// NewConnectionManager creates a ConnectionManager. A reconnectGrace of zero
// disables disconnect reporting entirely: sessions of vanished learners are
// then reaped by their own inactivity timeout.
func NewConnectionManager(ingress Ingress, writeTimeout, reconnectGrace time.Duration) *ConnectionManager {
	return &ConnectionManager{
		ingress:      ingress,
		writeTimeout: writeTimeout,
		grace:        reconnectGrace,
		bindings:     make(map[string]*LearnerSink),
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes or is superseded by a newer one for the same learner.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, learnerID string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	b, prev := m.bind(learnerID, conn, ctx)
	if b == nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	if prev != nil {
		_ = prev.Close(websocket.StatusPolicyViolation, "superseded by a new connection")
	}

	// Attach the learner's session before confirming the connection, so the
	// first frames the client sees after the confirmation are session output.
	if err := m.ingress.OnConnect(ctx, learnerID, b); err != nil {
		slog.Warn("Rejecting WebSocket connection",
			"learner_id", learnerID, "error", err)
		b.sendControl(map[string]string{
			"type":    "connection.rejected",
			"message": err.Error(),
		})
		m.unbind(learnerID, conn)
		_ = conn.Close(websocket.StatusPolicyViolation, "connection rejected")
		return
	}

	b.sendControl(map[string]string{
		"type":       "connection.established",
		"learner_id": learnerID,
	})
	b.flush()

	// Read loop — process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"learner_id", learnerID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, learnerID, b, &msg)
	}

	m.unbind(learnerID, conn)
}

// Release drops a learner's binding and closes any live connection. Called
// when the learner's session terminates, so a dead session's binding does not
// linger until process shutdown.
func (m *ConnectionManager) Release(learnerID string) {
	m.mu.Lock()
	b, ok := m.bindings[learnerID]
	if ok {
		delete(m.bindings, learnerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	b.close(websocket.StatusNormalClosure, "session ended")
}

// Close drops all bindings and closes every live connection. Called during
// process shutdown after the HTTP server has stopped accepting upgrades.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.closed = true
	sinks := make([]*LearnerSink, 0, len(m.bindings))
	for _, b := range m.bindings {
		sinks = append(sinks, b)
	}
	m.bindings = make(map[string]*LearnerSink)
	m.mu.Unlock()

	for _, b := range sinks {
		b.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ActiveConnections returns the number of learners with a live connection.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.bindings {
		if b.connected() {
			n++
		}
	}
	return n
}

// handleClientMessage dispatches a client frame to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, learnerID string, b *LearnerSink, msg *ClientMessage) {
	switch msg.Action {
	case "message":
		if msg.Content == "" {
			b.sendControl(map[string]string{"type": "error", "message": "content is required for message"})
			return
		}
		if err := m.ingress.OnMessage(ctx, learnerID, msg.Content); err != nil {
			b.sendControl(map[string]string{
				"type":    "message.rejected",
				"message": err.Error(),
			})
			return
		}
		b.sendControl(map[string]string{"type": "message.accepted"})

	case "ping":
		b.sendControl(map[string]string{"type": "pong"})

	default:
		b.sendControl(map[string]string{"type": "error", "message": "unknown action"})
	}
}

// bind attaches conn to the learner's binding, creating the binding if this is
// the learner's first connection. Returns the superseded connection, if any,
// so the caller can close it outside the locks. Returns a nil binding when the
// manager is already closed.
func (m *ConnectionManager) bind(learnerID string, conn *websocket.Conn, ctx context.Context) (*LearnerSink, *websocket.Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil
	}
	b, ok := m.bindings[learnerID]
	if !ok {
		b = &LearnerSink{
			learnerID:    learnerID,
			writeTimeout: m.writeTimeout,
		}
		m.bindings[learnerID] = b
	}
	m.mu.Unlock()

	prev := b.attach(conn, ctx)
	return b, prev
}

// unbind detaches conn from the learner's binding. A no-op if a newer
// connection already owns the binding. Starts the reconnect grace timer when
// one is configured.
func (m *ConnectionManager) unbind(learnerID string, conn *websocket.Conn) {
	m.mu.RLock()
	b, ok := m.bindings[learnerID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if !b.detach(conn) {
		return
	}

	if m.grace <= 0 {
		return
	}
	b.startGraceTimer(m.grace, func() {
		m.expireBinding(learnerID, b)
	})
}

// expireBinding runs when a learner's reconnect grace elapses. If the learner
// reconnected in the meantime the timer was already stopped, but the check is
// repeated here against the race where expiry and reconnect interleave.
func (m *ConnectionManager) expireBinding(learnerID string, b *LearnerSink) {
	if b.connected() {
		return
	}

	m.mu.Lock()
	if m.bindings[learnerID] == b {
		delete(m.bindings, learnerID)
	}
	m.mu.Unlock()

	slog.Info("Learner did not reconnect within grace period",
		"learner_id", learnerID)
	m.ingress.OnDisconnect(learnerID)
}

// LearnerSink routes a session's outbound messages to the learner's current
// connection. The binding outlives individual connections: on reconnect the
// new connection is attached in place and buffered messages are flushed, so
// the session holds a single stable Sink for its whole life.
type LearnerSink struct {
	learnerID    string
	writeTimeout time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	ctx        context.Context
	buffer     [][]byte // outbound frames held while disconnected
	graceTimer *time.Timer
}

// Send implements Sink. While the learner is disconnected the frame is
// buffered (bounded by sinkBufferCap, oldest dropped first).
func (b *LearnerSink) Send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Failed to marshal outbound message",
			"learner_id", b.learnerID, "error", err)
		return
	}
	b.deliver(data)
}

// sendControl sends a transport-protocol frame (connection.established, pong,
// errors). Control frames are never buffered: they only make sense on the
// connection that triggered them.
func (b *LearnerSink) sendControl(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal control frame",
			"learner_id", b.learnerID, "error", err)
		return
	}
	b.mu.Lock()
	conn, ctx := b.conn, b.ctx
	b.mu.Unlock()
	if conn == nil {
		return
	}
	if err := b.write(conn, ctx, data); err != nil {
		slog.Warn("Failed to send control frame",
			"learner_id", b.learnerID, "error", err)
	}
}

func (b *LearnerSink) deliver(data []byte) {
	b.mu.Lock()
	conn, ctx := b.conn, b.ctx
	if conn == nil {
		if len(b.buffer) >= sinkBufferCap {
			b.buffer = b.buffer[1:]
		}
		b.buffer = append(b.buffer, data)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.write(conn, ctx, data); err != nil {
		slog.Warn("Failed to send to WebSocket client",
			"learner_id", b.learnerID, "error", err)
	}
}

// flush delivers frames buffered while the learner was disconnected.
func (b *LearnerSink) flush() {
	b.mu.Lock()
	buffered := b.buffer
	b.buffer = nil
	conn, ctx := b.conn, b.ctx
	b.mu.Unlock()

	if conn == nil {
		return
	}
	for _, data := range buffered {
		if err := b.write(conn, ctx, data); err != nil {
			slog.Warn("Failed to flush buffered message",
				"learner_id", b.learnerID, "error", err)
			return
		}
	}
}

// attach swaps in a new connection and returns the superseded one, if any.
// Any pending grace timer is stopped: the learner is back.
func (b *LearnerSink) attach(conn *websocket.Conn, ctx context.Context) *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.graceTimer != nil {
		b.graceTimer.Stop()
		b.graceTimer = nil
	}
	prev := b.conn
	b.conn = conn
	b.ctx = ctx
	return prev
}

// detach clears the binding's connection if conn still owns it. Returns false
// when a newer connection has already superseded conn.
func (b *LearnerSink) detach(conn *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return false
	}
	b.conn = nil
	b.ctx = nil
	return true
}

func (b *LearnerSink) startGraceTimer(grace time.Duration, expire func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		// Reconnected between detach and here.
		return
	}
	if b.graceTimer != nil {
		b.graceTimer.Stop()
	}
	b.graceTimer = time.AfterFunc(grace, expire)
}

func (b *LearnerSink) connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *LearnerSink) close(code websocket.StatusCode, reason string) {
	b.mu.Lock()
	if b.graceTimer != nil {
		b.graceTimer.Stop()
		b.graceTimer = nil
	}
	conn := b.conn
	b.conn = nil
	b.ctx = nil
	b.buffer = nil
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// write sends raw bytes on conn with the configured write timeout.
func (b *LearnerSink) write(conn *websocket.Conn, connCtx context.Context, data []byte) error {
	if connCtx == nil {
		connCtx = context.Background()
	}
	writeCtx, cancel := context.WithTimeout(connCtx, b.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
