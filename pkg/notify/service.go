package notify

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// SessionEndedInput contains data for a session-end notification.
type SessionEndedInput struct {
	SessionID string
	LearnerID string
	// ExitCause is one of: completed, stopped, inactivity, failed.
	ExitCause          string
	QuestionsAttempted int
	QuestionsCorrect   int
	TopicsCovered      []string
	Duration           time.Duration
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NotifySessionEnded sends a session-end notification.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifySessionEnded(ctx context.Context, input SessionEndedInput) {
	if s == nil {
		return
	}

	blocks := BuildSessionEndedMessage(input, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"session_id", input.SessionID,
			"exit_cause", input.ExitCause,
			"error", err)
	}
}
