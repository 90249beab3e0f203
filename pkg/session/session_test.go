package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/tutord/pkg/diagnosis"
	"github.com/studyhall/tutord/pkg/executor"
	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/psm"
	"github.com/studyhall/tutord/pkg/store"
	"github.com/studyhall/tutord/pkg/tools"
	"github.com/studyhall/tutord/pkg/transport"
)

const (
	waitFor  = 3 * time.Second
	pollTick = 5 * time.Millisecond
)

// fakeExec satisfies ToolExecutor and lets tests script tool outcomes per
// tool name, or hold deliveries for manual release.
type fakeExec struct {
	mu        sync.Mutex
	seq       int
	calls     []tools.Call
	cancelled []string
	respond   map[tools.Name]func(call tools.Call) executor.Delivery
	failNext  map[tools.Name]error
	holdTools map[tools.Name]bool
	held      map[string]heldCall
}

type heldCall struct {
	call    tools.Call
	deliver executor.DeliverFunc
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		respond:   make(map[tools.Name]func(tools.Call) executor.Delivery),
		failNext:  make(map[tools.Name]error),
		holdTools: make(map[tools.Name]bool),
		held:      make(map[string]heldCall),
	}
}

func (f *fakeExec) Submit(call tools.Call, _ time.Duration, deliver executor.DeliverFunc) (string, error) {
	f.mu.Lock()
	if err, ok := f.failNext[call.Tool]; ok {
		delete(f.failNext, call.Tool)
		f.mu.Unlock()
		return "", err
	}
	f.seq++
	token := fmt.Sprintf("tok-%03d", f.seq)
	f.calls = append(f.calls, call)
	if f.holdTools[call.Tool] {
		f.held[token] = heldCall{call: call, deliver: deliver}
		f.mu.Unlock()
		return token, nil
	}
	responder := f.respond[call.Tool]
	f.mu.Unlock()

	go func() {
		d := happyDelivery(call)
		if responder != nil {
			d = responder(call)
		}
		d.Token = token
		d.Tool = call.Tool
		deliver(d)
	}()
	return token, nil
}

func (f *fakeExec) Cancel(token string) bool {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, token)
	h, ok := f.held[token]
	if ok {
		delete(f.held, token)
	}
	f.mu.Unlock()
	if ok {
		go h.deliver(executor.Delivery{
			Token:  token,
			Tool:   h.call.Tool,
			Status: executor.StatusCancelled,
			Err:    context.Canceled,
		})
	}
	return ok
}

// release delivers the oldest held call for tool with the given status and
// result, returning its token.
func (f *fakeExec) release(t *testing.T, tool tools.Name, d executor.Delivery) string {
	t.Helper()
	f.mu.Lock()
	var token string
	var h heldCall
	for tok, held := range f.held {
		if held.call.Tool == tool && (token == "" || tok < token) {
			token, h = tok, held
		}
	}
	if token != "" {
		delete(f.held, token)
	}
	f.mu.Unlock()
	require.NotEmpty(t, token, "no held %s call to release", tool)

	d.Token = token
	d.Tool = tool
	h.deliver(d)
	return token
}

func (f *fakeExec) callCount(tool tools.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

func (f *fakeExec) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

func (f *fakeExec) heldCount(tool tools.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.held {
		if h.call.Tool == tool {
			n++
		}
	}
	return n
}

// happyDelivery is the default script: a plausible successful result per
// tool.
func happyDelivery(call tools.Call) executor.Delivery {
	result := &tools.Result{}
	switch call.Tool {
	case tools.GenerateQuestion:
		result.Question = &models.Question{
			Text:          "What is 2 + 3?",
			CorrectAnswer: "5",
			Type:          "arithmetic",
			Difficulty:    "easy",
			Hint:          "Count up from 2.",
		}
	case tools.CheckAnswer:
		correct := ""
		if call.Question != nil {
			correct = call.Question.CorrectAnswer
		}
		ok := strings.EqualFold(strings.TrimSpace(call.StudentAnswer), correct)
		feedback := "Not quite — have another look."
		if ok {
			feedback = "Correct! Nice work."
		}
		result.Check = &tools.CheckResult{
			IsCorrect:     ok,
			Feedback:      feedback,
			StudentAnswer: call.StudentAnswer,
			CorrectAnswer: correct,
		}
	case tools.DiagnoseError:
		result.Diagnosis = &diagnosis.Payload{
			ErrorIdentified:  true,
			ErrorCategory:    "arithmetic_slip",
			ErrorDescription: "off by one",
			Confidence:       0.9,
		}
	case tools.CreateRemediation:
		result.Text = "Remember to line the numbers up before adding."
	case tools.ProvideHint:
		result.Text = "Try counting up from the bigger number."
	case tools.ExplainConcept:
		result.Text = "Addition combines two quantities into one total."
	case tools.ClassifyIntent:
		result.Intent = tools.IntentGeneral
	}
	return executor.Delivery{Status: executor.StatusOK, Result: result}
}

// recordSink captures everything the session emits.
type recordSink struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *recordSink) Send(m transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recordSink) countSystemContaining(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == transport.MessageTypeSystem && strings.Contains(m.Content, substr) {
			n++
		}
	}
	return n
}

func (r *recordSink) sawSystem(substr string) bool {
	return r.countSystemContaining(substr) > 0
}

func (r *recordSink) sawState(state psm.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Type == transport.MessageTypeStateChange && m.State == state {
			return true
		}
	}
	return false
}

func (r *recordSink) errorFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == transport.MessageTypeError {
			n++
		}
	}
	return n
}

// stubMaterial is an instant, network-free material source.
type stubMaterial struct{}

func (stubMaterial) Material(_ context.Context, topic models.Topic) string {
	return "Let's explore " + topic.Name + "."
}

func testSyllabus(n int) []models.Topic {
	names := []string{"Addition", "Subtraction", "Multiplication", "Division"}
	out := make([]models.Topic, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Topic{ID: i + 1, Name: names[i%len(names)], Tier: "core"})
	}
	return out
}

func testConfig() Config {
	return Config{
		ToolDeadline:                 time.Second,
		Inactivity:                   time.Minute,
		Tick:                         20 * time.Millisecond,
		HistoryRetained:              50,
		DiagnosisConfidenceThreshold: 0.5,
	}
}

func startTestSession(t *testing.T, mutate func(*Params)) (*Session, *fakeExec, *recordSink) {
	t.Helper()
	exec := newFakeExec()
	sink := &recordSink{}
	p := Params{
		LearnerID: "learner-1",
		Syllabus:  testSyllabus(2),
		Sink:      sink,
		Config:    testConfig(),
		Executor:  exec,
		Material:  stubMaterial{},
	}
	if mutate != nil {
		mutate(&p)
	}
	s, err := Start(p)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.RequestShutdown(false)
		select {
		case <-s.Done():
		case <-time.After(waitFor):
		}
	})
	return s, exec, sink
}

func sendMessage(t *testing.T, s *Session, content string) {
	t.Helper()
	require.NoError(t, s.HandleUserMessage(content))
}

func waitSystem(t *testing.T, sink *recordSink, substr string) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.sawSystem(substr) }, waitFor, pollTick,
		"expected a system message containing %q", substr)
}

func waitState(t *testing.T, sink *recordSink, state psm.State) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.sawState(state) }, waitFor, pollTick,
		"expected a state change to %q", state)
}

func snapshotOf(t *testing.T, s *Session) models.SessionSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func TestStartValidation(t *testing.T) {
	exec := newFakeExec()
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"missing learner id", func(p *Params) { p.LearnerID = "" }},
		{"missing executor", func(p *Params) { p.Executor = nil }},
		{"missing material source", func(p *Params) { p.Material = nil }},
		{"empty syllabus", func(p *Params) { p.Syllabus = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{
				LearnerID: "learner-1",
				Syllabus:  testSyllabus(1),
				Config:    testConfig(),
				Executor:  exec,
				Material:  stubMaterial{},
			}
			tt.mutate(&p)
			_, err := Start(p)
			require.Error(t, err)
		})
	}
}

func TestHappyPathSingleTopic(t *testing.T) {
	s, exec, sink := startTestSession(t, func(p *Params) {
		p.Syllabus = testSyllabus(1)
	})

	waitSystem(t, sink, "Let's explore Addition.")
	waitState(t, sink, psm.StateExposition)

	sendMessage(t, s, "ready")
	waitState(t, sink, psm.StateAwaitingAnswer)
	waitSystem(t, sink, "What is 2 + 3?")

	sendMessage(t, s, "5")
	waitSystem(t, sink, "Correct!")
	waitState(t, sink, psm.StateSessionComplete)
	waitSystem(t, sink, "1 of 1 question(s)")

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not terminate after completing the syllabus")
	}
	assert.Equal(t, ExitCompleted, s.ExitCause())

	final := s.FinalSnapshot()
	assert.Equal(t, psm.StateSessionComplete, final.State)
	assert.Equal(t, 1, final.Metrics.QuestionsAttempted)
	assert.Equal(t, 1, final.Metrics.QuestionsCorrect)
	assert.Equal(t, []string{"Addition"}, final.Metrics.TopicsCovered)
	assert.Equal(t, 1, exec.callCount(tools.GenerateQuestion))
	assert.Equal(t, 1, exec.callCount(tools.CheckAnswer))
}

func TestCorrectAnswerAdvancesTopic(t *testing.T) {
	s, _, sink := startTestSession(t, nil)

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")
	sendMessage(t, s, "5")

	// Second topic's exposition follows the correct answer.
	waitSystem(t, sink, "Let's explore Subtraction.")

	snap := snapshotOf(t, s)
	assert.Equal(t, psm.StateExposition, snap.State)
	assert.Equal(t, 1, snap.TopicIndex)
	assert.Nil(t, snap.Question)
	assert.Equal(t, 1, snap.Metrics.QuestionsAttempted)
	assert.Equal(t, 1, snap.Metrics.QuestionsCorrect)
}

func TestEvaluationLocksInput(t *testing.T) {
	s, exec, sink := startTestSession(t, func(p *Params) {
		p.Syllabus = testSyllabus(1)
	})
	exec.mu.Lock()
	exec.holdTools[tools.CheckAnswer] = true
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")

	sendMessage(t, s, "4")
	waitState(t, sink, psm.StateEvaluatingAnswer)

	// A second message while evaluating must not start a second evaluation.
	sendMessage(t, s, "wait, I meant 5")
	waitSystem(t, sink, StillProcessingText)
	assert.Equal(t, 1, exec.callCount(tools.CheckAnswer))

	// Resolve on the first answer only.
	exec.release(t, tools.CheckAnswer, executor.Delivery{
		Status: executor.StatusOK,
		Result: &tools.Result{Check: &tools.CheckResult{
			IsCorrect: true,
			Feedback:  "Correct! Nice work.",
		}},
	})
	waitState(t, sink, psm.StateSessionComplete)

	<-s.Done()
	final := s.FinalSnapshot()
	assert.Equal(t, 1, final.Metrics.QuestionsAttempted)
	assert.Equal(t, 1, final.Metrics.QuestionsCorrect)
	assert.Equal(t, 1, exec.callCount(tools.CheckAnswer))

	// Both messages made it into history.
	var userTurns []string
	for _, h := range final.History {
		if h.Role == models.RoleUser {
			userTurns = append(userTurns, h.Content)
		}
	}
	assert.Contains(t, userTurns, "4")
	assert.Contains(t, userTurns, "wait, I meant 5")
}

func TestToolFailureFallsBack(t *testing.T) {
	s, exec, sink := startTestSession(t, nil)
	exec.mu.Lock()
	exec.respond[tools.GenerateQuestion] = func(tools.Call) executor.Delivery {
		return executor.Delivery{Status: executor.StatusTimeout, Err: context.DeadlineExceeded}
	}
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")

	// Deterministic fallback question, preceded by a degradation notice.
	waitSystem(t, sink, "What is 7 + 8?")
	waitState(t, sink, psm.StateAwaitingAnswer)
	assert.GreaterOrEqual(t, sink.errorFrames(), 1)

	// The fallback question is fully answerable.
	sendMessage(t, s, "15")
	waitSystem(t, sink, "Correct!")
}

func TestSubmitRefusalFallsBack(t *testing.T) {
	s, exec, sink := startTestSession(t, nil)
	exec.mu.Lock()
	exec.failNext[tools.GenerateQuestion] = executor.ErrBusy
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")

	waitSystem(t, sink, "What is 7 + 8?")
	waitState(t, sink, psm.StateAwaitingAnswer)
	assert.GreaterOrEqual(t, sink.errorFrames(), 1)
}

func TestKnownErrorRemediation(t *testing.T) {
	s, exec, sink := startTestSession(t, func(p *Params) {
		p.Syllabus = testSyllabus(1)
	})

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")

	sendMessage(t, s, "4")
	waitSystem(t, sink, "Not quite")
	waitState(t, sink, psm.StateRemediatingKnownError)
	waitSystem(t, sink, "Remember to line the numbers up")

	// Remediation call carried the diagnosis and an intervention level.
	exec.mu.Lock()
	var remCall *tools.Call
	for i := range exec.calls {
		if exec.calls[i].Tool == tools.CreateRemediation {
			remCall = &exec.calls[i]
		}
	}
	exec.mu.Unlock()
	require.NotNil(t, remCall)
	require.NotNil(t, remCall.Diagnosis)
	assert.True(t, remCall.Diagnosis.Known)
	assert.Equal(t, "arithmetic_slip", remCall.Diagnosis.Category)
	assert.Equal(t, diagnosis.LevelSubtle.String(), remCall.Context)

	// Readiness returns to the question.
	sendMessage(t, s, "ok")
	waitState(t, sink, psm.StateAwaitingAnswer)
	waitSystem(t, sink, "give it another try")

	sendMessage(t, s, "5")
	waitState(t, sink, psm.StateSessionComplete)

	<-s.Done()
	final := s.FinalSnapshot()
	assert.Equal(t, 2, final.Metrics.QuestionsAttempted)
	assert.Equal(t, 1, final.Metrics.QuestionsCorrect)
}

func TestUnknownErrorGuidance(t *testing.T) {
	s, exec, sink := startTestSession(t, func(p *Params) {
		p.Syllabus = testSyllabus(1)
	})
	exec.mu.Lock()
	exec.respond[tools.DiagnoseError] = func(tools.Call) executor.Delivery {
		return executor.Delivery{Status: executor.StatusOK, Result: &tools.Result{
			Diagnosis: &diagnosis.Payload{ErrorIdentified: false, Confidence: 0.2},
		}}
	}
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")

	sendMessage(t, s, "7")
	waitSystem(t, sink, "Let's work through this together")
	waitState(t, sink, psm.StateGuidingStudent)

	// A confused reply gets a hint and stays in guidance.
	sendMessage(t, s, "I don't know where to start")
	waitSystem(t, sink, "Try counting up from the bigger number.")
	snap := snapshotOf(t, s)
	assert.Equal(t, psm.StateGuidingStudent, snap.State)

	// Readiness retries the same question.
	sendMessage(t, s, "got it")
	waitState(t, sink, psm.StateAwaitingAnswer)
	waitSystem(t, sink, "What is 2 + 3?")
	require.NotNil(t, snap.Question)
	assert.Equal(t, "What is 2 + 3?", snap.Question.Text)

	sendMessage(t, s, "5")
	waitState(t, sink, psm.StateSessionComplete)
}

func TestExplanationExcursion(t *testing.T) {
	s, exec, sink := startTestSession(t, nil)

	waitSystem(t, sink, "Let's explore Addition.")

	sendMessage(t, s, "can you explain how this works")
	waitSystem(t, sink, "Addition combines two quantities into one total.")
	// Back in exposition with a nudge, not a repeat of the material.
	waitSystem(t, sink, "shall we try a question")
	assert.Equal(t, 1, sink.countSystemContaining("Let's explore Addition."))
	assert.Equal(t, 1, exec.callCount(tools.ExplainConcept))
	// The local heuristic handled it without the classifier.
	assert.Equal(t, 0, exec.callCount(tools.ClassifyIntent))

	sendMessage(t, s, "ready")
	waitState(t, sink, psm.StateAwaitingAnswer)
}

func TestAmbiguousIntentUsesClassifier(t *testing.T) {
	s, exec, sink := startTestSession(t, nil)
	exec.mu.Lock()
	exec.respond[tools.ClassifyIntent] = func(tools.Call) executor.Delivery {
		return executor.Delivery{Status: executor.StatusOK, Result: &tools.Result{
			Intent: tools.IntentRequestQuestion,
		}}
	}
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "hello there my friend")

	waitState(t, sink, psm.StateAwaitingAnswer)
	waitSystem(t, sink, "What is 2 + 3?")
	assert.Equal(t, 1, exec.callCount(tools.ClassifyIntent))
	assert.Equal(t, 1, exec.callCount(tools.GenerateQuestion))
}

func TestUnknownTokenIsDropped(t *testing.T) {
	s, exec, sink := startTestSession(t, nil)
	exec.mu.Lock()
	exec.holdTools[tools.GenerateQuestion] = true
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	require.Eventually(t, func() bool { return exec.heldCount(tools.GenerateQuestion) == 1 }, waitFor, pollTick)

	exec.mu.Lock()
	var held heldCall
	var token string
	for tok, h := range exec.held {
		token, held = tok, h
	}
	delete(exec.held, token)
	exec.mu.Unlock()

	first := executor.Delivery{
		Token:  token,
		Tool:   tools.GenerateQuestion,
		Status: executor.StatusOK,
		Result: &tools.Result{Question: &models.Question{Text: "What is 2 + 3?", CorrectAnswer: "5"}},
	}
	held.deliver(first)
	waitSystem(t, sink, "What is 2 + 3?")

	// A duplicate delivery for the same token must be a silent no-op.
	dup := first
	dup.Result = &tools.Result{Question: &models.Question{Text: "What is 9 + 9?", CorrectAnswer: "18"}}
	held.deliver(dup)

	// Give the actor a moment to (not) react, then verify.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.countSystemContaining("What is 9 + 9?"))
	snap := snapshotOf(t, s)
	require.NotNil(t, snap.Question)
	assert.Equal(t, "What is 2 + 3?", snap.Question.Text)
	assert.Equal(t, psm.StateAwaitingAnswer, snap.State)
}

func TestIrrelevantTransitionCancelsPending(t *testing.T) {
	s, exec, sink := startTestSession(t, func(p *Params) {
		p.Syllabus = testSyllabus(1)
	})
	exec.mu.Lock()
	exec.respond[tools.DiagnoseError] = func(tools.Call) executor.Delivery {
		return executor.Delivery{Status: executor.StatusOK, Result: &tools.Result{
			Diagnosis: &diagnosis.Payload{ErrorIdentified: false},
		}}
	}
	exec.holdTools[tools.ProvideHint] = true
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")
	sendMessage(t, s, "7")
	waitState(t, sink, psm.StateGuidingStudent)

	// Ask for help (hint held in flight), then declare readiness: the
	// transition to AwaitingAnswer makes the hint irrelevant.
	sendMessage(t, s, "no idea, where do I even start with this one")
	require.Eventually(t, func() bool { return exec.heldCount(tools.ProvideHint) == 1 }, waitFor, pollTick)

	sendMessage(t, s, "ok")
	waitState(t, sink, psm.StateAwaitingAnswer)
	require.Eventually(t, func() bool { return exec.cancelCount() == 1 }, waitFor, pollTick)

	// The cancelled hint must not surface.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.countSystemContaining("Try counting up"))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s, _, sink := startTestSession(t, nil)

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")

	snap := snapshotOf(t, s)
	require.Equal(t, psm.StateAwaitingAnswer, snap.State)
	s.RequestShutdown(false)
	<-s.Done()

	restored, err := Start(Params{
		LearnerID: "learner-1",
		Restored:  &snap,
		Config:    testConfig(),
		Executor:  newFakeExec(),
		Material:  stubMaterial{},
	})
	require.NoError(t, err)
	defer func() {
		restored.RequestShutdown(false)
		<-restored.Done()
	}()

	snap2 := snapshotOf(t, restored)
	assert.Equal(t, snap.State, snap2.State)
	assert.Equal(t, snap.TopicIndex, snap2.TopicIndex)
	assert.Equal(t, snap.AttemptCount, snap2.AttemptCount)
	assert.Equal(t, snap.Question, snap2.Question)
	assert.Equal(t, snap.Syllabus, snap2.Syllabus)
	assert.Equal(t, snap.History, snap2.History)
	assert.Equal(t, snap.Metrics.QuestionsAttempted, snap2.Metrics.QuestionsAttempted)
	assert.Equal(t, snap.Metrics.QuestionsCorrect, snap2.Metrics.QuestionsCorrect)
	assert.Equal(t, snap.Metrics.TopicsCovered, snap2.Metrics.TopicsCovered)
}

func TestRestoredLockStateRecovers(t *testing.T) {
	question := &models.Question{Text: "What is 2 + 3?", CorrectAnswer: "5"}
	snap := models.SessionSnapshot{
		SessionID:    "learner-9",
		LearnerID:    "learner-9",
		State:        psm.StateEvaluatingAnswer,
		Syllabus:     testSyllabus(1),
		Question:     question,
		AttemptCount: 1,
		Metrics:      models.SessionMetrics{StartedAt: time.Now().UTC()},
	}

	sink := &recordSink{}
	s, err := Start(Params{
		LearnerID: "learner-9",
		Restored:  &snap,
		Sink:      sink,
		Config:    testConfig(),
		Executor:  newFakeExec(),
		Material:  stubMaterial{},
	})
	require.NoError(t, err)
	defer func() {
		s.RequestShutdown(false)
		<-s.Done()
	}()

	// The evaluation that was in flight died with the old process. The next
	// message unlocks into guided dialogue instead of wedging forever.
	sendMessage(t, s, "hello? is anyone there")
	waitState(t, sink, psm.StateGuidingStudent)
	waitSystem(t, sink, "Let's work through this together")
}

func TestInactivityShutdown(t *testing.T) {
	s, _, sink := startTestSession(t, func(p *Params) {
		p.Config.Inactivity = 60 * time.Millisecond
		p.Config.Tick = 15 * time.Millisecond
	})

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("idle session did not shut down")
	}
	assert.Equal(t, ExitInactivity, s.ExitCause())
	assert.True(t, sink.sawSystem("stepped away"))
}

func TestGracefulShutdownPersists(t *testing.T) {
	mem := store.NewMemoryStore()
	s, _, sink := startTestSession(t, func(p *Params) {
		p.Config.PersistenceEnabled = true
		p.Store = mem
	})

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")

	s.RequestShutdown(true)
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, ExitStopped, s.ExitCause())
	assert.True(t, sink.sawSystem(FarewellText))

	persisted, err := mem.Restore(context.Background(), s.SessionID())
	require.NoError(t, err)
	assert.Equal(t, psm.StateAwaitingAnswer, persisted.State)
	require.NotNil(t, persisted.Question)
	assert.Equal(t, "What is 2 + 3?", persisted.Question.Text)
}

// explodingSink panics when a system message contains its trigger, to
// simulate a fault inside message handling.
type explodingSink struct {
	recordSink
	trigger string
}

func (e *explodingSink) Send(m transport.Message) {
	if m.Type == transport.MessageTypeSystem && strings.Contains(m.Content, e.trigger) {
		panic("sink exploded")
	}
	e.recordSink.Send(m)
}

func TestPanicTerminatesSession(t *testing.T) {
	sink := &explodingSink{trigger: "kaboom"}
	exec := newFakeExec()
	exec.respond[tools.ExplainConcept] = func(tools.Call) executor.Delivery {
		return executor.Delivery{Status: executor.StatusOK, Result: &tools.Result{Text: "kaboom payload"}}
	}

	s, err := Start(Params{
		LearnerID: "learner-1",
		Syllabus:  testSyllabus(1),
		Sink:      sink,
		Config:    testConfig(),
		Executor:  exec,
		Material:  stubMaterial{},
	})
	require.NoError(t, err)

	waitSystem(t, &sink.recordSink, "Let's explore Addition.")
	sendMessage(t, s, "please explain this topic")

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("panicking session did not terminate")
	}
	assert.Equal(t, ExitFailed, s.ExitCause())
	assert.ErrorIs(t, s.HandleUserMessage("anyone home?"), ErrTerminated)
}

func TestHistoryRetention(t *testing.T) {
	s, _, sink := startTestSession(t, func(p *Params) {
		p.Config.HistoryRetained = 4
	})
	waitSystem(t, sink, "Let's explore Addition.")

	for i := 0; i < 6; i++ {
		sendMessage(t, s, fmt.Sprintf("musing number %d about this topic!", i))
	}

	require.Eventually(t, func() bool {
		snap := snapshotOf(t, s)
		return len(snap.History) == 4
	}, waitFor, pollTick)

	snap := snapshotOf(t, s)
	// Seq keeps counting even though older entries were evicted.
	assert.Greater(t, snap.History[0].Seq, int64(4))
	for i := 1; i < len(snap.History); i++ {
		assert.Greater(t, snap.History[i].Seq, snap.History[i-1].Seq)
	}
}

func TestSnapshotOnTerminatedSession(t *testing.T) {
	s, _, _ := startTestSession(t, nil)
	s.RequestShutdown(false)
	<-s.Done()

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.FinalSnapshot().State, snap.State)
}

func TestSignalsReadiness(t *testing.T) {
	ready := []string{"ok", "OK!", "got it", "I see", "ready", "yes", "Makes sense.", "okay, try again"}
	for _, msg := range ready {
		assert.True(t, signalsReadiness(msg), "expected %q to signal readiness", msg)
	}
	notReady := []string{
		"",
		"what does remainder mean?",
		"I still don't understand how you carried the one in that example",
		"no",
	}
	for _, msg := range notReady {
		assert.False(t, signalsReadiness(msg), "expected %q not to signal readiness", msg)
	}
}

func TestClassifyLocalIntent(t *testing.T) {
	tests := []struct {
		message string
		intent  tools.Intent
		decided bool
	}{
		{"give me a question", tools.IntentRequestQuestion, true},
		{"quiz me", tools.IntentRequestQuestion, true},
		{"ready", tools.IntentRequestQuestion, true},
		{"can you explain that", tools.IntentRequestHelp, true},
		{"I'm confused", tools.IntentRequestHelp, true},
		{"what is a remainder?", tools.IntentRequestHelp, true},
		{"hello there my friend", tools.IntentGeneral, false},
	}
	for _, tt := range tests {
		intent, decided := classifyLocalIntent(tt.message)
		assert.Equal(t, tt.decided, decided, "message %q", tt.message)
		if decided {
			assert.Equal(t, tt.intent, intent, "message %q", tt.message)
		}
	}
}

func TestHandleUserMessageAfterCompletion(t *testing.T) {
	s, _, sink := startTestSession(t, func(p *Params) {
		p.Syllabus = testSyllabus(1)
	})
	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")
	sendMessage(t, s, "5")
	waitState(t, sink, psm.StateSessionComplete)
	<-s.Done()

	err := s.HandleUserMessage("one more question please")
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestConcurrentMessagesSingleEvaluation(t *testing.T) {
	s, exec, sink := startTestSession(t, func(p *Params) {
		p.Syllabus = testSyllabus(1)
	})
	exec.mu.Lock()
	exec.holdTools[tools.CheckAnswer] = true
	exec.mu.Unlock()

	waitSystem(t, sink, "Let's explore Addition.")
	sendMessage(t, s, "ready")
	waitSystem(t, sink, "What is 2 + 3?")

	// Burst of racing answers. Exactly one may win the evaluation.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.HandleUserMessage(fmt.Sprintf("answer %d", n))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return exec.callCount(tools.CheckAnswer) == 1 && sink.sawSystem(StillProcessingText)
	}, waitFor, pollTick)
	assert.Equal(t, 1, exec.heldCount(tools.CheckAnswer))
}

func TestSubmitRefusalErrorVariants(t *testing.T) {
	for _, sentinel := range []error{executor.ErrBusy, executor.ErrStopped, errors.New("boom")} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			s, exec, sink := startTestSession(t, nil)
			exec.mu.Lock()
			exec.failNext[tools.GenerateQuestion] = sentinel
			exec.mu.Unlock()

			waitSystem(t, sink, "Let's explore Addition.")
			sendMessage(t, s, "ready")
			waitSystem(t, sink, "What is 7 + 8?")
			assert.GreaterOrEqual(t, sink.errorFrames(), 1)
		})
	}
}
