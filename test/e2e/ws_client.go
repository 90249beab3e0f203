package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSEvent represents a received WebSocket frame.
type WSEvent struct {
	Type     string          `json:"type"`
	Raw      json.RawMessage // Original JSON
	Parsed   map[string]any  // Parsed for assertions
	Received time.Time       // When we received it
}

// WSClient connects to the tutord WebSocket endpoint and collects frames.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect establishes a WebSocket connection for the learner and starts
// collecting frames in a background goroutine.
func WSConnect(ctx context.Context, wsURL, learnerID string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL+"?learner_id="+learnerID, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	// Start background reader.
	go c.readLoop()

	return c, nil
}

// SendMessage sends one chat message frame.
func (c *WSClient) SendMessage(content string) error {
	msg := map[string]string{
		"action":  "message",
		"content": content,
	}
	data, _ := json.Marshal(msg)
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Ping sends a ping frame; the server answers with a pong.
func (c *WSClient) Ping() error {
	data, _ := json.Marshal(map[string]string{"action": "ping"})
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until a frame matching the predicate is received, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d frames)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for a frame with the given type.
func (c *WSClient) WaitForType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// WaitForState waits for a state_change frame announcing the given state.
func (c *WSClient) WaitForState(state string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "state_change" && e.Parsed["state"] == state
	}, timeout)
}

// WaitForSystemContaining waits for a system_message frame whose content
// contains the given substring.
func (c *WSClient) WaitForSystemContaining(substr string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		if e.Type != "system_message" {
			return false
		}
		content, _ := e.Parsed["content"].(string)
		return strings.Contains(content, substr)
	}, timeout)
}

// WaitForErrorContaining waits for an error frame whose reason contains substr.
// Session error frames carry "reason", transport control errors carry "message";
// both are searched.
func (c *WSClient) WaitForErrorContaining(substr string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		if e.Type != "error" {
			return false
		}
		reason, _ := e.Parsed["reason"].(string)
		message, _ := e.Parsed["message"].(string)
		return strings.Contains(reason, substr) || strings.Contains(message, substr)
	}, timeout)
}

// WaitClosed waits for the server to close the connection.
func (c *WSClient) WaitClosed(timeout time.Duration) error {
	select {
	case <-c.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("websocket still open after %v", timeout)
	}
}

// Events returns a snapshot of all collected frames.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns frames filtered by type.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads frames from the WebSocket and appends them to the events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue // Skip malformed frames.
		}

		evt := WSEvent{
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		}
		if t, ok := parsed["type"].(string); ok {
			evt.Type = t
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
