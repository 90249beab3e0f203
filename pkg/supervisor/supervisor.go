// Package supervisor owns the registry of live tutoring sessions. It
// guarantees at most one session actor per learner, reaps registry entries
// when actors exit, and drives the graceful stop of every actor at shutdown.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/session"
	"github.com/studyhall/tutord/pkg/store"
	"github.com/studyhall/tutord/pkg/transport"
)

var (
	// ErrNotFound is returned when no live session exists for a learner.
	ErrNotFound = errors.New("session not found")

	// ErrShuttingDown is returned for starts attempted after Shutdown began.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// Deps carries the process-wide collaborators shared by every session the
// supervisor starts.
type Deps struct {
	Executor session.ToolExecutor
	// Store may be nil; sessions then run without persistence.
	Store    store.Store
	Material session.MaterialSource
	// Defaults is the per-session runtime config template.
	Defaults session.Config
	// OnSessionEnd, when set, runs after a session's registry entry has been
	// reaped. It receives the dead session so callers can inspect ExitCause
	// and FinalSnapshot. Called from the watcher goroutine.
	OnSessionEnd func(*session.Session)
	Logger       *slog.Logger
}

// StartInput names what varies per session start.
type StartInput struct {
	LearnerID string
	Syllabus  []models.Topic
	// Restored rehydrates the session from a persisted snapshot when non-nil.
	Restored *models.SessionSnapshot
	// Sink may be nil; the session buffers nothing and drops frames until a
	// transport binds one.
	Sink transport.Sink
}

// Supervisor is the session registry. All map access is under mu; the
// watcher goroutines it spawns are tracked by wg so Shutdown can wait for
// every actor to finish.
type Supervisor struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
	stopped  bool

	wg sync.WaitGroup
}

// New creates a supervisor with an empty registry.
func New(deps Deps) *Supervisor {
	if deps.Executor == nil {
		panic("supervisor.New: executor must not be nil")
	}
	if deps.Material == nil {
		panic("supervisor.New: material source must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		deps:     deps,
		logger:   logger.With("component", "supervisor"),
		sessions: make(map[string]*session.Session),
	}
}

// StartSession starts a session for the learner, or returns the live one if
// it already exists. The bool reports whether the returned session was
// already running. Uniqueness is decided under the registry lock, so two
// concurrent starts for the same learner yield one actor.
func (sv *Supervisor) StartSession(input StartInput) (*session.Session, bool, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.stopped {
		return nil, false, ErrShuttingDown
	}

	if existing, ok := sv.sessions[input.LearnerID]; ok {
		select {
		case <-existing.Done():
			// Dead entry the watcher has not reaped yet; replace it.
		default:
			return existing, true, nil
		}
	}

	sess, err := session.Start(session.Params{
		LearnerID: input.LearnerID,
		Syllabus:  input.Syllabus,
		Restored:  input.Restored,
		Sink:      input.Sink,
		Config:    sv.deps.Defaults,
		Executor:  sv.deps.Executor,
		Store:     sv.deps.Store,
		Material:  sv.deps.Material,
		Logger:    sv.logger,
	})
	if err != nil {
		return nil, false, err
	}

	sv.sessions[input.LearnerID] = sess
	sv.wg.Add(1)
	go sv.watch(input.LearnerID, sess)

	sv.logger.Info("Session started",
		"learner_id", input.LearnerID,
		"restored", input.Restored != nil,
		"active_sessions", len(sv.sessions))
	return sess, false, nil
}

// watch blocks until the session's actor exits, then removes the registry
// entry and fires the end hook. One watcher per live session.
func (sv *Supervisor) watch(learnerID string, sess *session.Session) {
	defer sv.wg.Done()
	<-sess.Done()

	sv.mu.Lock()
	// Only reap our own entry; a replacement session may already occupy the
	// slot if the learner reconnected after a fast exit.
	if sv.sessions[learnerID] == sess {
		delete(sv.sessions, learnerID)
	}
	remaining := len(sv.sessions)
	sv.mu.Unlock()

	sv.logger.Info("Session ended",
		"learner_id", learnerID,
		"exit_cause", sess.ExitCause(),
		"active_sessions", remaining)

	if sv.deps.OnSessionEnd != nil {
		sv.deps.OnSessionEnd(sess)
	}
}

// Lookup returns the live session for a learner. Entries whose actor has
// exited but not yet been reaped are reported as absent.
func (sv *Supervisor) Lookup(learnerID string) (*session.Session, bool) {
	sv.mu.RLock()
	sess, ok := sv.sessions[learnerID]
	sv.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case <-sess.Done():
		return nil, false
	default:
		return sess, true
	}
}

// StopSession asks a learner's session to shut down. It does not wait for
// the actor to exit; the watcher reaps the entry when it does.
func (sv *Supervisor) StopSession(learnerID string, graceful bool) error {
	sess, ok := sv.Lookup(learnerID)
	if !ok {
		return ErrNotFound
	}
	sess.RequestShutdown(graceful)
	return nil
}

// ActiveIDs returns the learner ids with live sessions, sorted for stable
// output.
func (sv *Supervisor) ActiveIDs() []string {
	sv.mu.RLock()
	ids := make([]string, 0, len(sv.sessions))
	for id, sess := range sv.sessions {
		select {
		case <-sess.Done():
		default:
			ids = append(ids, id)
		}
	}
	sv.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered sessions, reaped or not. Cheap
// enough for health reporting.
func (sv *Supervisor) Count() int {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return len(sv.sessions)
}

// Shutdown refuses new starts, asks every live session to stop gracefully
// and waits for all watchers to finish or the context to expire. Sessions
// persist their final snapshot on the way out, so a restart can resume them.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	sv.stopped = true
	live := make([]*session.Session, 0, len(sv.sessions))
	for _, sess := range sv.sessions {
		live = append(live, sess)
	}
	sv.mu.Unlock()

	sv.logger.Info("Stopping sessions", "count", len(live))
	for _, sess := range live {
		sess.RequestShutdown(true)
	}

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		sv.logger.Info("All sessions stopped")
		return nil
	case <-ctx.Done():
		sv.logger.Warn("Shutdown timed out waiting for sessions", "error", ctx.Err())
		return ctx.Err()
	}
}
