package transport

import (
	"context"
	"time"

	"github.com/studyhall/tutord/pkg/psm"
)

// MessageType discriminates the outbound frames a session emits to its learner.
type MessageType string

const (
	// MessageTypeSystem carries a tutor utterance (exposition, questions,
	// feedback, hints, remediation text).
	MessageTypeSystem MessageType = "system_message"
	// MessageTypeStateChange announces a pedagogical state transition so
	// clients can adjust their UI (e.g. lock the answer box while evaluating).
	MessageTypeStateChange MessageType = "state_change"
	// MessageTypeError carries a user-visible degradation notice. It is not
	// part of the conversation history.
	MessageTypeError MessageType = "error"
)

// Message is a single outbound frame. Exactly one of Content, State or Reason
// is meaningful depending on Type.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Content   string      `json:"content,omitempty"`
	State     psm.State   `json:"state,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SystemMessage builds a tutor-utterance frame.
func SystemMessage(sessionID, content string) Message {
	return Message{
		Type:      MessageTypeSystem,
		SessionID: sessionID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// StateChange builds a state-transition frame.
func StateChange(sessionID string, state psm.State) Message {
	return Message{
		Type:      MessageTypeStateChange,
		SessionID: sessionID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorMessage builds a degradation-notice frame.
func ErrorMessage(sessionID, reason string) Message {
	return Message{
		Type:      MessageTypeError,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// Sink consumes a session's outbound messages. Sends are fire-and-forget:
// implementations must not block the caller beyond a bounded write timeout,
// and delivery failures are logged, never surfaced to the session.
type Sink interface {
	Send(msg Message)
}

// Ingress receives inbound transport events. Implemented by the session
// service, which routes them to the per-learner session.
type Ingress interface {
	// OnConnect is called after a learner's WebSocket has been accepted and
	// bound. The sink stays valid across reconnects of the same learner, so
	// a session only ever needs to hold one.
	OnConnect(ctx context.Context, learnerID string, sink Sink) error

	// OnMessage is called for each chat message the learner sends. A non-nil
	// error rejects the message; the reason is relayed to the client.
	OnMessage(ctx context.Context, learnerID, content string) error

	// OnDisconnect is called when a learner's reconnect grace expires without
	// a new connection arriving.
	OnDisconnect(learnerID string)
}

// ClientMessage is the inbound frame format.
//
// Supported actions:
//   - "message": Content is forwarded to the learner's session
//   - "ping":    answered with a pong frame
type ClientMessage struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
}
