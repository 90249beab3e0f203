// Tutord session server. Hosts the REST and WebSocket API, supervises
// per-learner tutoring sessions, and retires old session snapshots.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/studyhall/tutord/pkg/api"
	"github.com/studyhall/tutord/pkg/cleanup"
	"github.com/studyhall/tutord/pkg/config"
	"github.com/studyhall/tutord/pkg/executor"
	"github.com/studyhall/tutord/pkg/notify"
	"github.com/studyhall/tutord/pkg/services"
	"github.com/studyhall/tutord/pkg/session"
	"github.com/studyhall/tutord/pkg/store"
	"github.com/studyhall/tutord/pkg/supervisor"
	"github.com/studyhall/tutord/pkg/syllabus"
	"github.com/studyhall/tutord/pkg/tools"
	"github.com/studyhall/tutord/pkg/transport"
	"github.com/studyhall/tutord/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envToMap converts KEY=VALUE pairs into a map, skipping malformed entries.
func envToMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	return env
}

// newToolClient builds the tool provider selected by configuration.
func newToolClient(ctx context.Context, cfg *config.Config) (tools.Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		return tools.NewOpenAIClient(tools.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey(),
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
		})
	case config.ProviderMCP:
		return tools.NewMCPClient(ctx, tools.MCPConfig{
			Command:     cfg.MCP.Command,
			Args:        cfg.MCP.Args,
			Env:         envToMap(cfg.MCP.Env),
			URL:         cfg.MCP.URL,
			BearerToken: cfg.MCP.BearerToken(),
		})
	case config.ProviderStub:
		return tools.NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown tool provider %q", cfg.LLM.Provider)
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting tutord",
		"version", version.String(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the snapshot store. With persistence disabled snapshots live
	// in memory only and sessions cannot be resumed across restarts.
	var (
		dbClient  *store.Client
		snapshots store.Store
	)
	if cfg.Session.PersistenceEnabled {
		dbCfg, err := store.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}

		dbClient, err = store.NewClient(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		snapshots = store.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	} else {
		snapshots = store.NewMemoryStore()
		slog.Info("Persistence disabled, keeping snapshots in memory")
	}

	// 3. Load the syllabus source
	syllabusSvc, err := syllabus.NewService(cfg.Syllabus)
	if err != nil {
		slog.Error("Failed to initialize syllabus source", "error", err)
		os.Exit(1)
	}
	slog.Info("Syllabus loaded",
		"source", cfg.Syllabus.Source,
		"topics", len(syllabusSvc.Topics()))

	// 4. Create the tool client and start the executor
	// Note: the OpenAI and streamable-HTTP MCP clients dial lazily; the
	// first tool call surfaces connectivity problems, not startup.
	toolClient, err := newToolClient(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize tool client",
			"provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := toolClient.Close(); err != nil {
			slog.Error("Error closing tool client", "error", err)
		}
	}()

	exec := executor.New(toolClient, executor.Config{
		ConcurrencyCap: cfg.Session.ExecutorConcurrencyCap,
		QueueCap:       cfg.Session.ExecutorQueueCap,
	}, nil)
	slog.Info("Tool executor started",
		"provider", cfg.LLM.Provider,
		"concurrency_cap", cfg.Session.ExecutorConcurrencyCap,
		"queue_cap", cfg.Session.ExecutorQueueCap)

	// 5. Slack notifier (nil when not configured; all methods no-op on nil)
	var notifier *notify.Service
	if cfg.Slack.Enabled {
		notifier = notify.NewService(notify.ServiceConfig{
			Token:        os.Getenv(cfg.Slack.TokenEnv),
			Channel:      cfg.Slack.Channel,
			DashboardURL: cfg.Slack.DashboardURL,
		})
	}
	if notifier != nil {
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	}

	// 6. Session supervisor. connManager is assigned below; the end hook
	// cannot fire before the first session starts, well after wiring.
	var connManager *transport.ConnectionManager
	sup := supervisor.New(supervisor.Deps{
		Executor: exec,
		Store:    snapshots,
		Material: syllabusSvc,
		Defaults: session.Config{
			ToolDeadline:                 cfg.Session.ToolDeadline(),
			Inactivity:                   cfg.Session.Inactivity(),
			Tick:                         cfg.Session.Tick(),
			HistoryRetained:              cfg.Session.HistoryRetained,
			PersistenceEnabled:           cfg.Session.PersistenceEnabled,
			DiagnosisConfidenceThreshold: cfg.Session.DiagnosisConfidenceThreshold,
		},
		OnSessionEnd: func(sess *session.Session) {
			snap := sess.FinalSnapshot()
			var duration time.Duration
			if !snap.Metrics.StartedAt.IsZero() {
				duration = snap.UpdatedAt.Sub(snap.Metrics.StartedAt)
			}
			notifier.NotifySessionEnded(ctx, notify.SessionEndedInput{
				SessionID:          snap.SessionID,
				LearnerID:          snap.LearnerID,
				ExitCause:          string(sess.ExitCause()),
				QuestionsAttempted: snap.Metrics.QuestionsAttempted,
				QuestionsCorrect:   snap.Metrics.QuestionsCorrect,
				TopicsCovered:      snap.Metrics.TopicsCovered,
				Duration:           duration,
			})
			if connManager != nil {
				connManager.Release(snap.LearnerID)
			}
		},
	})

	// 7. Domain services and WebSocket transport
	sessionSvc := services.NewSessionService(sup, snapshots, syllabusSvc)
	connManager = transport.NewConnectionManager(sessionSvc,
		10*time.Second, cfg.Session.TransportReconnectGrace())
	slog.Info("Services initialized")

	// 8. Snapshot retention sweeper. Harmless when persistence is off:
	// the in-memory store simply stays empty.
	cleanupSvc := cleanup.NewService(cfg.Retention, snapshots)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	// 9. Create and start the HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, sessionSvc, dbClient, connManager)

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.ListenAddr
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("tutord started successfully",
		"listen_addr", cfg.Server.ListenAddr,
		"persistence_enabled", cfg.Session.PersistenceEnabled)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown. Stop the HTTP listener first so no new
	// sessions or messages arrive, then drain sessions while their sinks
	// are still connected so farewell messages reach the learners.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	supShutdownCtx, supCancel := context.WithTimeout(ctx, 30*time.Second)
	defer supCancel()
	if err := sup.Shutdown(supShutdownCtx); err != nil {
		slog.Warn("Session drain timeout exceeded, abandoning unfinished sessions",
			"error", err)
	} else {
		slog.Info("All sessions drained")
	}

	connManager.Close()
	exec.Stop()

	slog.Info("Shutdown complete")
}
