// Package session implements the per-learner tutoring actor. Each session is
// one goroutine consuming a bounded inbox of user messages, tool results and
// housekeeping events; all pedagogical state is confined to that goroutine,
// so the package needs no locks around it. The pedagogical state machine
// (pkg/psm) decides what transitions are legal; this package performs them
// and owns every observable side effect: tool dispatch, transport emissions,
// history, metrics and snapshot persistence.
package session

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/studyhall/tutord/pkg/diagnosis"
	"github.com/studyhall/tutord/pkg/executor"
	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/psm"
	"github.com/studyhall/tutord/pkg/store"
	"github.com/studyhall/tutord/pkg/tools"
	"github.com/studyhall/tutord/pkg/transport"
)

// ErrTerminated is returned for operations on a session whose run loop has
// already exited.
var ErrTerminated = errors.New("session terminated")

const (
	// defaultInboxSize bounds the actor mailbox. User messages, tool
	// deliveries and housekeeping all share it; a single learner cannot
	// realistically fill it unless the actor has wedged.
	defaultInboxSize = 64

	// persistTimeout bounds snapshot writes so a slow store cannot stall
	// the actor for long.
	persistTimeout = 5 * time.Second

	// materialTimeout bounds the off-goroutine exposition material fetch.
	materialTimeout = 10 * time.Second
)

// ExitCause says why a session's run loop ended. Valid once Done is closed.
type ExitCause string

const (
	ExitCompleted  ExitCause = "completed"  // syllabus finished
	ExitStopped    ExitCause = "stopped"    // explicit shutdown request
	ExitInactivity ExitCause = "inactivity" // idle past the threshold
	ExitFailed     ExitCause = "failed"     // panic in the run loop
)

// Config carries the per-session runtime knobs, typically derived from
// config.SessionConfig.
type Config struct {
	ToolDeadline                 time.Duration
	Inactivity                   time.Duration
	Tick                         time.Duration
	HistoryRetained              int
	PersistenceEnabled           bool
	DiagnosisConfidenceThreshold float64
	InboxSize                    int
}

func (c *Config) applyDefaults() {
	if c.ToolDeadline <= 0 {
		c.ToolDeadline = 30 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 30 * time.Minute
	}
	if c.HistoryRetained <= 0 {
		c.HistoryRetained = 50
	}
	if c.DiagnosisConfidenceThreshold <= 0 {
		c.DiagnosisConfidenceThreshold = 0.5
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
}

// ToolExecutor is the slice of the executor a session uses. Satisfied by
// *executor.Executor.
type ToolExecutor interface {
	Submit(call tools.Call, deadline time.Duration, deliver executor.DeliverFunc) (string, error)
	Cancel(token string) bool
}

// MaterialSource resolves exposition material for a topic. Satisfied by
// *syllabus.Service. Implementations never fail; they fall back to built-in
// material instead.
type MaterialSource interface {
	Material(ctx context.Context, topic models.Topic) string
}

// Params assembles everything a session needs at start.
type Params struct {
	LearnerID string
	// SessionID defaults to LearnerID: a learner has at most one session.
	SessionID string
	Syllabus  []models.Topic
	// Restored, when non-nil, rehydrates the session from a persisted
	// snapshot instead of starting at the beginning. In-flight tool calls
	// do not survive a restore; only the snapshot state does.
	Restored *models.SessionSnapshot
	Sink     transport.Sink
	Config   Config
	Executor ToolExecutor
	// Store may be nil; persistence is then disabled regardless of Config.
	Store    store.Store
	Material MaterialSource
	Logger   *slog.Logger
}

// Inbox message kinds. The run goroutine type-switches over these.
type (
	userMsg     struct{ content string }
	toolMsg     struct{ delivery executor.Delivery }
	materialMsg struct {
		topicIndex int
		text       string
	}
	bindSinkMsg struct{ sink transport.Sink }
	snapshotMsg struct{ reply chan models.SessionSnapshot }
	shutdownMsg struct{ graceful bool }
)

// pendingCall tracks one outstanding tool invocation.
type pendingCall struct {
	tool     tools.Name
	intent   callIntent
	call     tools.Call // original args, reused for the deterministic fallback
	started  time.Time
	deadline time.Time
}

// callIntent records what the session will do with a tool result when it
// arrives. Routing is by intent, not tool name, because the same tool can
// serve different purposes (provide_hint in guidance vs. remediation).
type callIntent string

const (
	intentPresentQuestion callIntent = "present_question"
	intentEvaluateAnswer  callIntent = "evaluate_answer"
	intentDiagnose        callIntent = "diagnose"
	intentRemediate       callIntent = "remediate"
	intentHint            callIntent = "hint"
	intentExplain         callIntent = "explain"
	intentClassify        callIntent = "classify"
)

// Session is one learner's tutoring actor.
type Session struct {
	learnerID string
	sessionID string
	cfg       Config
	logger    *slog.Logger

	exec     ToolExecutor
	snaps    store.Store
	material MaterialSource

	inbox chan any
	done  chan struct{}

	// Everything below is owned by the run goroutine. External access goes
	// through the inbox.
	state          psm.State
	sink           transport.Sink
	syllabus       []models.Topic
	topicIndex     int
	presentedTopic int
	question       *models.Question
	attemptCount   int
	pendingAnswer  string
	lastDiagnosis  *diagnosis.Classification
	remLevel       diagnosis.Level
	history        []models.HistoryEntry
	seq            int64
	metrics        models.SessionMetrics
	pending        map[string]*pendingCall
	finalized      bool

	// Set by the run goroutine before done is closed; the channel close
	// publishes them to readers.
	exitCause ExitCause
	finalSnap models.SessionSnapshot
}

// Start validates params, builds the session and spawns its run goroutine.
func Start(p Params) (*Session, error) {
	if p.LearnerID == "" {
		return nil, errors.New("learner id is required")
	}
	if p.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if p.Material == nil {
		return nil, errors.New("material source is required")
	}
	if p.Restored == nil && len(p.Syllabus) == 0 {
		return nil, errors.New("syllabus must not be empty")
	}
	if p.SessionID == "" {
		p.SessionID = p.LearnerID
	}
	p.Config.applyDefaults()

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	s := &Session{
		learnerID:      p.LearnerID,
		sessionID:      p.SessionID,
		cfg:            p.Config,
		logger:         logger.With("session_id", p.SessionID, "learner_id", p.LearnerID),
		exec:           p.Executor,
		snaps:          p.Store,
		material:       p.Material,
		inbox:          make(chan any, p.Config.InboxSize),
		done:           make(chan struct{}),
		state:          psm.Initial(),
		sink:           p.Sink,
		syllabus:       append([]models.Topic(nil), p.Syllabus...),
		presentedTopic: -1,
		pending:        make(map[string]*pendingCall),
		metrics: models.SessionMetrics{
			StartedAt:    now,
			LastActivity: now,
		},
	}
	if p.Restored != nil {
		s.restore(p.Restored)
	}

	go s.run()
	return s, nil
}

// LearnerID returns the owning learner's id.
func (s *Session) LearnerID() string { return s.learnerID }

// SessionID returns the session's id.
func (s *Session) SessionID() string { return s.sessionID }

// Done is closed when the run loop has exited, whether by completion,
// shutdown, inactivity or panic. The supervisor watches it to clean up its
// registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCause reports why the session ended. Only meaningful once Done is
// closed.
func (s *Session) ExitCause() ExitCause { return s.exitCause }

// FinalSnapshot returns the state the session ended with. Only meaningful
// once Done is closed.
func (s *Session) FinalSnapshot() models.SessionSnapshot { return s.finalSnap }

// HandleUserMessage enqueues a learner message. It returns ErrTerminated if
// the session has already ended; everything else is accepted (the per-state
// reaction, including "still processing", happens inside the actor).
func (s *Session) HandleUserMessage(content string) error {
	select {
	case s.inbox <- userMsg{content: content}:
		return nil
	case <-s.done:
		return ErrTerminated
	}
}

// BindSink points the session's outbound messages at a (possibly new)
// transport sink. Used on connect and reconnect.
func (s *Session) BindSink(sink transport.Sink) {
	select {
	case s.inbox <- bindSinkMsg{sink: sink}:
	case <-s.done:
	}
}

// Snapshot returns a copy of the session's current public state. For a
// terminated session the final snapshot is returned.
func (s *Session) Snapshot(ctx context.Context) (models.SessionSnapshot, error) {
	req := snapshotMsg{reply: make(chan models.SessionSnapshot, 1)}
	select {
	case s.inbox <- req:
	case <-s.done:
		return s.finalSnap, nil
	case <-ctx.Done():
		return models.SessionSnapshot{}, ctx.Err()
	}

	select {
	case snap := <-req.reply:
		return snap, nil
	case <-s.done:
		// The reply may have raced the shutdown.
		select {
		case snap := <-req.reply:
			return snap, nil
		default:
		}
		return s.finalSnap, nil
	case <-ctx.Done():
		return models.SessionSnapshot{}, ctx.Err()
	}
}

// RequestShutdown asks the session to end. A graceful shutdown says goodbye
// and persists; a non-graceful one just persists and exits. Idempotent.
func (s *Session) RequestShutdown(graceful bool) {
	select {
	case s.inbox <- shutdownMsg{graceful: graceful}:
	case <-s.done:
	}
}

// run is the actor loop: consume one inbox message at a time until the
// session reaches a terminal state or is told to stop. A panic anywhere in
// message handling terminates the session; the deferred chain still records
// the failure, offers the final snapshot to the store, and closes Done so
// the supervisor can reap the registry entry.
func (s *Session) run() {
	defer close(s.done)
	defer s.finalize()
	defer func() {
		if r := recover(); r != nil {
			s.exitCause = ExitFailed
			s.logger.Error("Session terminated by panic",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.initialize()

	for !psm.IsTerminal(s.state) {
		select {
		case m := <-s.inbox:
			if s.handle(m) {
				return
			}
		case <-ticker.C:
			if s.handleTick() {
				return
			}
		}
	}
}

// initialize moves a fresh session out of its initial state (which presents
// the first topic). A restored session keeps its persisted state untouched;
// replaying entry actions would re-dispatch tools whose results already
// shaped that state.
func (s *Session) initialize() {
	if s.state != psm.Initial() {
		s.logger.Info("Session resumed",
			"state", s.state, "topic_index", s.topicIndex)
		return
	}
	s.logger.Info("Session started", "topics", len(s.syllabus))
	s.transition(psm.EventInitialized)
}

// handle processes one inbox message. Returns true when the loop should
// stop.
func (s *Session) handle(m any) bool {
	switch m := m.(type) {
	case userMsg:
		s.onUserMessage(m.content)
	case toolMsg:
		s.onToolResult(m.delivery)
	case materialMsg:
		s.onMaterial(m)
	case bindSinkMsg:
		s.sink = m.sink
		// Let a (re)connecting client sync its UI to the live state.
		s.emitState(s.state)
	case snapshotMsg:
		m.reply <- s.buildSnapshot()
	case shutdownMsg:
		s.onShutdown(m.graceful)
		return true
	}
	return false
}

// handleTick runs housekeeping: inactivity reaping and periodic snapshot
// persistence. Returns true when the session should retire.
func (s *Session) handleTick() bool {
	if idle := time.Since(s.metrics.LastActivity); idle > s.cfg.Inactivity {
		s.logger.Info("Session idle past threshold, shutting down",
			"idle", idle.Round(time.Second))
		s.emitSystem(InactivityText)
		s.exitCause = ExitInactivity
		return true
	}
	s.persistSnapshot()
	return false
}

func (s *Session) onShutdown(graceful bool) {
	if graceful {
		s.emitSystem(FarewellText)
	}
	s.exitCause = ExitStopped
}

// finalize runs exactly once as the loop unwinds: cancel in-flight tool
// calls, record the final snapshot, and offer it to the store.
func (s *Session) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true

	if s.exitCause == "" {
		if psm.IsTerminal(s.state) {
			s.exitCause = ExitCompleted
		} else {
			s.exitCause = ExitStopped
		}
	}

	for token := range s.pending {
		s.exec.Cancel(token)
		delete(s.pending, token)
	}

	s.finalSnap = s.buildSnapshot()
	s.persistSnapshot()

	s.logger.Info("Session ended",
		"cause", s.exitCause,
		"state", s.state,
		"questions_attempted", s.metrics.QuestionsAttempted,
		"questions_correct", s.metrics.QuestionsCorrect,
		"topics_covered", len(s.metrics.TopicsCovered))
}

// persistSnapshot offers the current state to the store. Failures are
// logged, never fatal: persistence is best-effort by contract.
func (s *Session) persistSnapshot() {
	if !s.cfg.PersistenceEnabled || s.snaps == nil {
		return
	}
	snap := s.buildSnapshot()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.snaps.Persist(ctx, &snap); err != nil {
		s.logger.Warn("Failed to persist session snapshot", "error", err)
	}
}

// buildSnapshot copies the public view. Slices are copied so the caller can
// hold the snapshot past the next inbox message.
func (s *Session) buildSnapshot() models.SessionSnapshot {
	snap := models.SessionSnapshot{
		SessionID:    s.sessionID,
		LearnerID:    s.learnerID,
		State:        s.state,
		TopicIndex:   s.topicIndex,
		AttemptCount: s.attemptCount,
		Syllabus:     append([]models.Topic(nil), s.syllabus...),
		History:      append([]models.HistoryEntry(nil), s.history...),
		Metrics:      s.metrics,
		UpdatedAt:    time.Now().UTC(),
	}
	snap.Metrics.TopicsCovered = append([]string(nil), s.metrics.TopicsCovered...)
	if t := s.currentTopic(); t != nil {
		snap.Topic = t
	}
	if s.question != nil {
		q := *s.question
		snap.Question = &q
	}
	return snap
}

// restore rehydrates the actor from a persisted snapshot. The persisted
// state is kept verbatim; a session restored into a lock state is unlocked
// lazily on the next user message (see recoverStuckLockState), since its
// in-flight tool calls died with the previous process.
func (s *Session) restore(snap *models.SessionSnapshot) {
	s.state = snap.State
	s.topicIndex = snap.TopicIndex
	s.attemptCount = snap.AttemptCount
	if len(snap.Syllabus) > 0 {
		s.syllabus = append([]models.Topic(nil), snap.Syllabus...)
	}
	if snap.Question != nil {
		q := *snap.Question
		s.question = &q
	}
	s.history = append([]models.HistoryEntry(nil), snap.History...)
	for _, h := range s.history {
		if h.Seq > s.seq {
			s.seq = h.Seq
		}
	}
	s.metrics = snap.Metrics
	s.metrics.TopicsCovered = append([]string(nil), snap.Metrics.TopicsCovered...)
	if s.metrics.StartedAt.IsZero() {
		s.metrics.StartedAt = time.Now().UTC()
	}
	// The learner is back: the idle clock restarts now, not at the old
	// snapshot's last activity.
	s.metrics.LastActivity = time.Now().UTC()
	// Material for the current topic was already shown before the snapshot
	// was taken; re-entering exposition should nudge, not repeat it.
	s.presentedTopic = s.topicIndex
}

func (s *Session) currentTopic() *models.Topic {
	if s.topicIndex < 0 || s.topicIndex >= len(s.syllabus) {
		return nil
	}
	t := s.syllabus[s.topicIndex]
	return &t
}

// appendHistory records a conversation turn, trims to the retention window,
// and advances the activity clock.
func (s *Session) appendHistory(role models.Role, content string) {
	s.seq++
	now := time.Now().UTC()
	s.history = append(s.history, models.HistoryEntry{
		Seq:       s.seq,
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	if n := s.cfg.HistoryRetained; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.metrics.LastActivity = now
}

// recentHistory returns a copy of the latest turns for embedding in a tool
// call. Copied because the call outlives this inbox message on an executor
// goroutine.
func (s *Session) recentHistory() []models.HistoryEntry {
	const window = 6
	start := 0
	if len(s.history) > window {
		start = len(s.history) - window
	}
	out := make([]models.HistoryEntry, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

func (s *Session) emitSystem(content string) {
	s.appendHistory(models.RoleSystem, content)
	s.send(transport.SystemMessage(s.sessionID, content))
}

func (s *Session) emitState(state psm.State) {
	s.send(transport.StateChange(s.sessionID, state))
}

func (s *Session) emitError(reason string) {
	s.send(transport.ErrorMessage(s.sessionID, reason))
}

// send is fire-and-forget: no sink means the learner is not connected and
// the message is simply not delivered (history still records utterances).
func (s *Session) send(msg transport.Message) {
	if s.sink == nil {
		return
	}
	s.sink.Send(msg)
}

func (s *Session) markCovered(topicName string) {
	for _, name := range s.metrics.TopicsCovered {
		if name == topicName {
			return
		}
	}
	s.metrics.TopicsCovered = append(s.metrics.TopicsCovered, topicName)
}
