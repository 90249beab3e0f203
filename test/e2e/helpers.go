package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Polling knobs for REST-side waits. WebSocket waits carry their own timeout.
const (
	waitFor  = 5 * time.Second
	pollTick = 25 * time.Millisecond
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// StartSession posts a session start for the learner and returns the parsed
// response. Expects a fresh start (201).
func (app *TestApp) StartSession(t *testing.T, learnerID string) map[string]any {
	t.Helper()
	body := map[string]any{"learner_id": learnerID}
	return app.postJSON(t, "/api/v1/sessions", body, http.StatusCreated)
}

// StartSessionAgain posts a start for a learner whose session is already
// live. Expects 200 with already_started set.
func (app *TestApp) StartSessionAgain(t *testing.T, learnerID string) map[string]any {
	t.Helper()
	body := map[string]any{"learner_id": learnerID}
	return app.postJSON(t, "/api/v1/sessions", body, http.StatusOK)
}

// GetSession retrieves a session snapshot by id (the learner id).
func (app *TestApp) GetSession(t *testing.T, id string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/sessions/"+id, http.StatusOK)
}

// PostMessage submits one learner utterance. Expects 202.
func (app *TestApp) PostMessage(t *testing.T, id, content string) map[string]any {
	t.Helper()
	body := map[string]any{"content": content}
	return app.postJSON(t, "/api/v1/sessions/"+id+"/messages", body, http.StatusAccepted)
}

// StopSession requests a graceful stop. Expects 202.
func (app *TestApp) StopSession(t *testing.T, id string) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, app.BaseURL+"/api/v1/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "DELETE /api/v1/sessions/%s: unexpected status", id)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ListSessions calls GET /api/v1/sessions.
func (app *TestApp) ListSessions(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/sessions", http.StatusOK)
}

// GetHealth calls GET /api/v1/health.
func (app *TestApp) GetHealth(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/health", http.StatusOK)
}

// ────────────────────────────────────────────────────────────
// Waiters
// ────────────────────────────────────────────────────────────

// WaitForSessionState polls the session endpoint until the snapshot reports
// the wanted pedagogical state. Works for live and stored sessions alike.
func (app *TestApp) WaitForSessionState(t *testing.T, id, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, code := app.tryGetSession(t, id)
		return code == http.StatusOK && snap["psm_state"] == state
	}, waitFor, pollTick, "session %s never reached state %s", id, state)
}

// WaitForActiveSessions polls the health endpoint until the live session
// count matches.
func (app *TestApp) WaitForActiveSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return app.Supervisor.Count() == n
	}, waitFor, pollTick, "active session count never reached %d", n)
}

// SessionStatusCode returns the raw status of GET /api/v1/sessions/:id.
func (app *TestApp) SessionStatusCode(t *testing.T, id string) int {
	t.Helper()
	_, code := app.tryGetSession(t, id)
	return code
}

func (app *TestApp) tryGetSession(t *testing.T, id string) (map[string]any, int) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+"/api/v1/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var result map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return result, resp.StatusCode
}

// ────────────────────────────────────────────────────────────
// Raw JSON plumbing
// ────────────────────────────────────────────────────────────

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}
