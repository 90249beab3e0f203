// Package services is the domain layer between the HTTP/WebSocket edge and
// the session supervisor. It validates untrusted input, decides whether a
// start resumes a persisted snapshot, and translates lower-layer errors into
// the typed errors the API maps to status codes.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/psm"
	"github.com/studyhall/tutord/pkg/store"
	"github.com/studyhall/tutord/pkg/supervisor"
	"github.com/studyhall/tutord/pkg/transport"
)

const (
	// MaxLearnerIDLength bounds the opaque learner identifier. Identifiers
	// arrive from untrusted clients and end up in log lines and as map keys.
	MaxLearnerIDLength = 128

	// MaxMessageLength bounds a single learner utterance.
	MaxMessageLength = 4000

	// MaxSyllabusTopics bounds a caller-supplied syllabus.
	MaxSyllabusTopics = 100
)

// TopicSource provides the default syllabus for sessions started without an
// explicit one. Satisfied by *syllabus.Service.
type TopicSource interface {
	Topics() []models.Topic
}

// StartSessionInput is the domain-level data for starting (or resuming) a
// session. Transformed from the HTTP request + headers by the handler.
type StartSessionInput struct {
	LearnerID string
	// Author identifies who asked for the session (proxy headers or
	// "api-client"). Audit logging only.
	Author string
	// Syllabus overrides the default topic sequence when non-empty.
	Syllabus []models.Topic
	// Sink, when non-nil, is bound as the session's egress before the first
	// tutor utterance. The WebSocket path sets it; the REST path leaves it
	// nil and the session buffers nothing until a transport connects.
	Sink transport.Sink
}

// SessionService exposes the session lifecycle to the API and transport
// layers. It implements transport.Ingress.
type SessionService struct {
	supervisor *supervisor.Supervisor
	// snapshots may be nil; starts are then always fresh.
	snapshots store.Store
	topics    TopicSource
	logger    *slog.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(sv *supervisor.Supervisor, snapshots store.Store, topics TopicSource) *SessionService {
	if sv == nil {
		panic("NewSessionService: supervisor must not be nil")
	}
	if topics == nil {
		panic("NewSessionService: topic source must not be nil")
	}
	return &SessionService{
		supervisor: sv,
		snapshots:  snapshots,
		topics:     topics,
		logger:     slog.Default().With("component", "session_service"),
	}
}

// StartSession starts a session for the learner, resuming from a persisted
// snapshot when one with a non-terminal state exists. Starting a learner who
// already has a live session is not an error; the response says so.
func (s *SessionService) StartSession(ctx context.Context, input StartSessionInput) (*models.StartSessionResponse, error) {
	if err := validateLearnerID(input.LearnerID); err != nil {
		return nil, err
	}
	if len(input.Syllabus) > MaxSyllabusTopics {
		return nil, NewValidationError("syllabus",
			fmt.Sprintf("syllabus exceeds maximum of %d topics", MaxSyllabusTopics))
	}

	syl := input.Syllabus
	if len(syl) == 0 {
		syl = s.topics.Topics()
	}

	restored := s.resumableSnapshot(ctx, input.LearnerID)

	sess, already, err := s.supervisor.StartSession(supervisor.StartInput{
		LearnerID: input.LearnerID,
		Syllabus:  syl,
		Restored:  restored,
		Sink:      input.Sink,
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrShuttingDown) {
			return nil, ErrShuttingDown
		}
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if !already {
		s.logger.Info("Session start accepted",
			"learner_id", input.LearnerID,
			"author", input.Author,
			"resumed", restored != nil,
			"topics", len(syl))
	}

	snap, err := sess.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}
	return &models.StartSessionResponse{
		SessionID:      sess.SessionID(),
		State:          snap.State,
		AlreadyStarted: already,
		Resumed:        !already && restored != nil,
	}, nil
}

// resumableSnapshot returns the learner's persisted snapshot when it can
// seed a resumed session. Store errors are logged and treated as no
// snapshot: a broken store must not block new sessions.
func (s *SessionService) resumableSnapshot(ctx context.Context, learnerID string) *models.SessionSnapshot {
	if s.snapshots == nil {
		return nil
	}
	snap, err := s.snapshots.RestoreByLearner(ctx, learnerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Snapshot lookup failed; starting fresh",
				"learner_id", learnerID, "error", err)
		}
		return nil
	}
	if psm.IsTerminal(snap.State) {
		return nil
	}
	return snap
}

// GetSession returns the learner's current snapshot: the live session's if
// one is running, otherwise the persisted one.
func (s *SessionService) GetSession(ctx context.Context, learnerID string) (*models.SessionSnapshot, error) {
	if err := validateLearnerID(learnerID); err != nil {
		return nil, err
	}

	if sess, ok := s.supervisor.Lookup(learnerID); ok {
		snap, err := sess.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read session state: %w", err)
		}
		return &snap, nil
	}

	if s.snapshots != nil {
		snap, err := s.snapshots.Restore(ctx, learnerID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}
	return nil, ErrNotFound
}

// ListSessions returns the ids of live sessions.
func (s *SessionService) ListSessions() *models.SessionListResponse {
	ids := s.supervisor.ActiveIDs()
	return &models.SessionListResponse{SessionIDs: ids, Count: len(ids)}
}

// PostMessage forwards one learner utterance to their live session.
func (s *SessionService) PostMessage(ctx context.Context, learnerID, content string) error {
	if err := validateLearnerID(learnerID); err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return NewValidationError("content", "content is required")
	}
	if len(content) > MaxMessageLength {
		return NewValidationError("content",
			fmt.Sprintf("content exceeds maximum length of %d characters", MaxMessageLength))
	}

	sess, ok := s.supervisor.Lookup(learnerID)
	if !ok {
		return ErrNotFound
	}
	if err := sess.HandleUserMessage(content); err != nil {
		// The session ended between lookup and enqueue.
		return ErrNotFound
	}
	return nil
}

// StopSession asks the learner's session to end gracefully. The session says
// goodbye, persists and exits on its own time.
func (s *SessionService) StopSession(ctx context.Context, learnerID string) error {
	if err := validateLearnerID(learnerID); err != nil {
		return err
	}
	if err := s.supervisor.StopSession(learnerID, true); err != nil {
		if errors.Is(err, supervisor.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// OnConnect implements transport.Ingress. A connect starts the learner's
// session if none is live, or rebinds the sink of the existing one.
func (s *SessionService) OnConnect(ctx context.Context, learnerID string, sink transport.Sink) error {
	if err := validateLearnerID(learnerID); err != nil {
		return err
	}

	if sess, ok := s.supervisor.Lookup(learnerID); ok {
		sess.BindSink(sink)
		return nil
	}

	_, err := s.StartSession(ctx, StartSessionInput{
		LearnerID: learnerID,
		Author:    "websocket",
		Sink:      sink,
	})
	return err
}

// OnMessage implements transport.Ingress.
func (s *SessionService) OnMessage(ctx context.Context, learnerID, content string) error {
	return s.PostMessage(ctx, learnerID, content)
}

// OnDisconnect implements transport.Ingress. Called when the learner's
// reconnect grace expired; the session winds down gracefully and persists,
// so a later connect resumes it.
func (s *SessionService) OnDisconnect(learnerID string) {
	if err := s.supervisor.StopSession(learnerID, true); err != nil {
		if !errors.Is(err, supervisor.ErrNotFound) {
			s.logger.Warn("Failed to stop session after disconnect",
				"learner_id", learnerID, "error", err)
		}
	}
}

func validateLearnerID(learnerID string) error {
	if strings.TrimSpace(learnerID) == "" {
		return NewValidationError("learner_id", "learner_id is required")
	}
	if len(learnerID) > MaxLearnerIDLength {
		return NewValidationError("learner_id",
			fmt.Sprintf("learner_id exceeds maximum length of %d characters", MaxLearnerIDLength))
	}
	return nil
}
