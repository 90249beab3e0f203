// Package e2e boots a complete in-process tutord instance and drives it the
// way a real client would: REST calls and WebSocket frames over a live
// listener, with only the tool provider scripted.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studyhall/tutord/pkg/api"
	"github.com/studyhall/tutord/pkg/config"
	"github.com/studyhall/tutord/pkg/executor"
	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/notify"
	"github.com/studyhall/tutord/pkg/services"
	"github.com/studyhall/tutord/pkg/session"
	"github.com/studyhall/tutord/pkg/store"
	"github.com/studyhall/tutord/pkg/supervisor"
	"github.com/studyhall/tutord/pkg/transport"
)

// TestApp boots a complete tutord instance for e2e testing.
type TestApp struct {
	// Core
	Config    *config.Config
	Snapshots store.Store

	// Mocks / test wiring
	Tools *ScriptedToolClient

	// Real infrastructure
	Executor    *executor.Executor
	Supervisor  *supervisor.Supervisor
	Sessions    *services.SessionService
	ConnManager *transport.ConnectionManager
	Server      *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	topics         []models.Topic
	toolClient     *ScriptedToolClient
	snapshots      store.Store
	notifier       *notify.Service
	toolDeadline   time.Duration
	tick           time.Duration
	inactivity     time.Duration
	reconnectGrace time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithTopics sets the default syllabus served to new sessions.
func WithTopics(topics ...models.Topic) TestAppOption {
	return func(c *testAppConfig) { c.topics = topics }
}

// WithToolClient sets a pre-scripted tool client.
func WithToolClient(client *ScriptedToolClient) TestAppOption {
	return func(c *testAppConfig) { c.toolClient = client }
}

// WithSnapshotStore injects a snapshot store, e.g. one shared between two
// TestApp instances to exercise restore paths.
func WithSnapshotStore(s store.Store) TestAppOption {
	return func(c *testAppConfig) { c.snapshots = s }
}

// WithNotifier injects a Slack notification service wired to the session end
// hook. Used with a mock Slack API server.
func WithNotifier(n *notify.Service) TestAppOption {
	return func(c *testAppConfig) { c.notifier = n }
}

// WithToolDeadline sets the per-call tool deadline.
func WithToolDeadline(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.toolDeadline = d }
}

// WithTick sets the session housekeeping interval.
func WithTick(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.tick = d }
}

// WithInactivity sets the idle threshold after which sessions retire.
func WithInactivity(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.inactivity = d }
}

// WithReconnectGrace sets how long a disconnected learner may take to
// reconnect. The default of zero disables disconnect handling so tests can
// drop connections freely without stopping their sessions.
func WithReconnectGrace(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.reconnectGrace = d }
}

// NewTestApp creates and starts a full tutord test instance on a random
// port. Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	// Apply options.
	tc := &testAppConfig{
		topics:       []models.Topic{{ID: 1, Name: "Fractions", Tier: "core"}},
		toolDeadline: 5 * time.Second,
		tick:         100 * time.Millisecond,
		inactivity:   time.Minute,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.toolClient == nil {
		tc.toolClient = NewScriptedToolClient()
	}
	if tc.snapshots == nil {
		tc.snapshots = store.NewMemoryStore()
	}

	cfg := &config.Config{
		Server:    &config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Session:   config.DefaultSessionConfig(),
		Retention: config.DefaultRetentionConfig(),
	}

	// 1. Tool pipeline: scripted client behind a real executor.
	exec := executor.New(tc.toolClient, executor.Config{
		ConcurrencyCap: 4,
		QueueCap:       32,
	}, nil)

	// 2. Supervisor. connManager is assigned below; the end hook cannot
	// fire before the first session starts.
	notifier := tc.notifier
	var connManager *transport.ConnectionManager
	sup := supervisor.New(supervisor.Deps{
		Executor: exec,
		Store:    tc.snapshots,
		Material: staticMaterial{},
		Defaults: session.Config{
			ToolDeadline:       tc.toolDeadline,
			Tick:               tc.tick,
			Inactivity:         tc.inactivity,
			PersistenceEnabled: true,
		},
		OnSessionEnd: func(sess *session.Session) {
			snap := sess.FinalSnapshot()
			notifier.NotifySessionEnded(context.Background(), notify.SessionEndedInput{
				SessionID:          snap.SessionID,
				LearnerID:          snap.LearnerID,
				ExitCause:          string(sess.ExitCause()),
				QuestionsAttempted: snap.Metrics.QuestionsAttempted,
				QuestionsCorrect:   snap.Metrics.QuestionsCorrect,
				TopicsCovered:      snap.Metrics.TopicsCovered,
				Duration:           snap.UpdatedAt.Sub(snap.Metrics.StartedAt),
			})
			if connManager != nil {
				connManager.Release(snap.LearnerID)
			}
		},
	})

	// 3. Domain services and transport.
	svc := services.NewSessionService(sup, tc.snapshots, staticTopics{topics: tc.topics})
	connManager = transport.NewConnectionManager(svc, 5*time.Second, tc.reconnectGrace)

	// 4. HTTP server on a random port.
	server := api.NewServer(cfg, svc, nil, connManager)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:      cfg,
		Snapshots:   tc.snapshots,
		Tools:       tc.toolClient,
		Executor:    exec,
		Supervisor:  sup,
		Sessions:    svc,
		ConnManager: connManager,
		Server:      server,
		BaseURL:     fmt.Sprintf("http://%s", addr),
		WSURL:       fmt.Sprintf("ws://%s/ws", addr),
		t:           t,
	}

	// Shut down in the same order main does.
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = sup.Shutdown(shutdownCtx)
		connManager.Close()
		exec.Stop()
	})

	return app
}

// staticTopics serves a fixed syllabus.
type staticTopics struct {
	topics []models.Topic
}

func (s staticTopics) Topics() []models.Topic {
	return append([]models.Topic(nil), s.topics...)
}

// staticMaterial produces deterministic exposition material so tests can
// assert on it without a network-backed syllabus source.
type staticMaterial struct{}

func (staticMaterial) Material(_ context.Context, topic models.Topic) string {
	return fmt.Sprintf("Let's look at %s. Read through the idea, then we'll practice.", topic.Name)
}
