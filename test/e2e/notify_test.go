package e2e

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/notify"
)

// ────────────────────────────────────────────────────────────
// Slack notification fires when a session ends
// ────────────────────────────────────────────────────────────

func TestE2E_SlackNotificationOnSessionEnd(t *testing.T) {
	var mu sync.Mutex
	var posts []url.Values
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		mu.Lock()
		posts = append(posts, r.Form)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1234.5678"}`))
	}))
	t.Cleanup(mock.Close)

	client := notify.NewClientWithAPIURL("xoxb-test", "C123", mock.URL+"/")
	app := NewTestApp(t,
		WithTopics(models.Topic{ID: 1, Name: "Fractions", Tier: "core"}),
		WithNotifier(notify.NewServiceWithClient(client, "https://tutord.example.com")),
	)

	// Run a full fallback session over REST.
	app.StartSession(t, "learner-notify")
	app.WaitForSessionState(t, "learner-notify", "exposition")
	app.PostMessage(t, "learner-notify", "ready")
	app.WaitForSessionState(t, "learner-notify", "awaiting_answer")
	app.PostMessage(t, "learner-notify", "15")
	app.WaitForActiveSessions(t, 0)

	// The end-of-session hook posts asynchronously.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(posts) == 1
	}, waitFor, 25*time.Millisecond, "expected exactly one Slack post")

	mu.Lock()
	form := posts[0]
	mu.Unlock()
	assert.Equal(t, "C123", form.Get("channel"))
	blocks := form.Get("blocks")
	assert.Contains(t, blocks, "Session Complete")
	assert.Contains(t, blocks, "learner-notify")
	assert.Contains(t, blocks, "Fractions")
	assert.Contains(t, blocks, "tutord.example.com")
}

// ────────────────────────────────────────────────────────────
// No notifier configured: sessions end quietly
// ────────────────────────────────────────────────────────────

func TestE2E_NoNotifierConfigured(t *testing.T) {
	app := NewTestApp(t,
		WithTopics(models.Topic{ID: 1, Name: "Fractions", Tier: "core"}),
	)

	app.StartSession(t, "learner-quiet")
	app.WaitForSessionState(t, "learner-quiet", "exposition")
	app.PostMessage(t, "learner-quiet", "ready")
	app.WaitForSessionState(t, "learner-quiet", "awaiting_answer")
	app.PostMessage(t, "learner-quiet", "15")
	app.WaitForActiveSessions(t, 0)

	session := app.GetSession(t, "learner-quiet")
	assert.Equal(t, "session_complete", session["psm_state"])
}
