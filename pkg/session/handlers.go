package session

import (
	"context"
	"fmt"
	"time"

	"github.com/studyhall/tutord/pkg/diagnosis"
	"github.com/studyhall/tutord/pkg/executor"
	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/psm"
	"github.com/studyhall/tutord/pkg/tools"
)

// transition applies event to the machine, emits the state-change frame,
// prunes pending calls the new state cannot use, and runs the new state's
// entry action. Entry actions may themselves transition (correct feedback
// advances straight to the next topic), so this recurses; depth is bounded
// by the transition table's structure.
func (s *Session) transition(event psm.Event) bool {
	next, err := psm.Transition(s.state, event)
	if err != nil {
		s.logger.Warn("Rejected pedagogical transition",
			"state", s.state, "event", event)
		return false
	}
	s.logger.Debug("Pedagogical transition",
		"from", s.state, "event", event, "to", next)
	s.state = next
	s.emitState(next)
	s.cancelIrrelevant()
	if action, ok := psm.EntryAction(next); ok {
		s.runEntryAction(action)
	}
	return true
}

func (s *Session) runEntryAction(action psm.Action) {
	switch action {
	case psm.ActionPresentExposition:
		s.presentExposition()
	case psm.ActionSelectQuestion:
		s.dispatchGenerateQuestion()
	case psm.ActionEvaluateAnswer:
		s.dispatchCheckAnswer()
	case psm.ActionAdvanceTopic:
		s.advanceTopic()
	case psm.ActionGenerateRemediation:
		s.dispatchRemediation()
	case psm.ActionBeginGuidance:
		s.beginGuidance()
	case psm.ActionFinalizeSession:
		s.finalizeTutoring()
	}
}

// --- user messages -----------------------------------------------------

func (s *Session) onUserMessage(content string) {
	s.appendHistory(models.RoleUser, content)

	if !s.acceptsInputNow() {
		if !s.recoverStuckLockState() {
			s.emitSystem(StillProcessingText)
			return
		}
		// Unlocked; fall through to the handler for the recovered state.
	}

	switch s.state {
	case psm.StateExposition:
		s.onExpositionMessage(content)
	case psm.StateAwaitingAnswer:
		s.onAnswerMessage(content)
	case psm.StateGuidingStudent:
		s.onGuidanceMessage(content)
	case psm.StateRemediatingKnownError, psm.StateRemediatingUnknownError:
		s.onRemediationMessage(content)
	default:
		s.emitSystem(StillProcessingText)
	}
}

// acceptsInputNow extends the machine's static input gate with one dynamic
// case: a remediation state whose text has already been delivered accepts
// the learner's readiness reply.
func (s *Session) acceptsInputNow() bool {
	if psm.AcceptsUserInput(s.state) {
		return true
	}
	switch s.state {
	case psm.StateRemediatingKnownError, psm.StateRemediatingUnknownError:
		return len(s.pending) == 0
	}
	return false
}

// recoverStuckLockState unlocks a restored session that was persisted while
// waiting on a tool. The in-flight call died with the previous process, so
// no result will ever arrive; without recovery the session would answer
// "still processing" forever. Guided dialogue is the resumption point for a
// lost evaluation: the question is retained and no counters move.
func (s *Session) recoverStuckLockState() bool {
	if len(s.pending) != 0 {
		return false
	}
	switch s.state {
	case psm.StateAwaitingToolResult:
		return s.transition(psm.EventToolCompleted)
	case psm.StateEvaluatingAnswer:
		return s.transition(psm.EventUnknownErrorDetected)
	case psm.StateSettingQuestion:
		// Re-issue the lost question request; the message itself still
		// gets the lock reply below.
		s.dispatchGenerateQuestion()
		return false
	}
	return false
}

func (s *Session) onExpositionMessage(content string) {
	if intent, ok := classifyLocalIntent(content); ok {
		s.actOnIntent(intent, content)
		return
	}
	// Ambiguous: let the classifier decide.
	call := tools.Call{
		Tool:    tools.ClassifyIntent,
		Message: content,
		History: s.recentHistory(),
	}
	if s.transition(psm.EventToolRequested) {
		s.submit(call, intentClassify)
	}
}

// actOnIntent reacts to a learner intent, locally detected or
// tool-classified. Valid in Exposition and AwaitingToolResult.
func (s *Session) actOnIntent(intent tools.Intent, content string) {
	switch intent {
	case tools.IntentRequestQuestion, tools.IntentUnderstandingConfirmation:
		s.transition(psm.EventInstructionComplete)
	case tools.IntentAnswerAttempt:
		// No live question to answer; explain instead of evaluating.
		s.requestExplanation(content)
	default: // request_help, confusion, general
		s.requestExplanation(content)
	}
}

func (s *Session) requestExplanation(content string) {
	call := tools.Call{
		Tool:    tools.ExplainConcept,
		Topic:   s.currentTopic(),
		Message: content,
		History: s.recentHistory(),
	}
	if s.state != psm.StateAwaitingToolResult {
		if !s.transition(psm.EventToolRequested) {
			return
		}
	}
	s.submit(call, intentExplain)
}

func (s *Session) onAnswerMessage(content string) {
	s.pendingAnswer = content
	s.attemptCount++
	s.transition(psm.EventAnswerReceived)
}

func (s *Session) onGuidanceMessage(content string) {
	if signalsReadiness(content) {
		s.retryQuestion()
		return
	}
	if s.hasPending(intentHint) {
		// One hint at a time; stacking them would only produce duplicate
		// guidance.
		s.emitSystem(StillProcessingText)
		return
	}
	s.submit(tools.Call{
		Tool:     tools.ProvideHint,
		Question: s.question,
		Context:  content,
	}, intentHint)
}

func (s *Session) onRemediationMessage(content string) {
	if signalsReadiness(content) {
		if s.state == psm.StateRemediatingUnknownError {
			// A restored session can rest here; readiness walks it through
			// guidance on the way back to the question.
			if !s.transition(psm.EventGuidanceComplete) {
				return
			}
		}
		s.retryQuestion()
		return
	}
	if s.hasPending(intentHint) {
		s.emitSystem(StillProcessingText)
		return
	}
	// Substantive reply: continue the sub-dialogue with escalating support.
	if next, ok := diagnosis.NextInterventionLevel(s.remLevel); ok {
		s.remLevel = next
	}
	s.submit(tools.Call{
		Tool:     tools.ProvideHint,
		Question: s.question,
		Context:  content,
	}, intentHint)
}

func (s *Session) retryQuestion() {
	if s.transition(psm.EventRetryQuestion) {
		s.emitSystem(retryPrompt(s.question))
	}
}

// --- entry actions ------------------------------------------------------

// presentExposition emits the current topic's material. The lookup may touch
// the network (github-backed syllabi), so it runs off the actor goroutine
// and re-enters through the inbox as a materialMsg.
func (s *Session) presentExposition() {
	topic := s.currentTopic()
	if topic == nil {
		s.emitSystem(noTopicsText)
		return
	}
	if s.presentedTopic == s.topicIndex {
		// Re-entry after a side excursion (an explanation, a recovered
		// lock state): the material was already shown, nudge instead.
		s.emitSystem(expositionNudge)
		return
	}
	s.presentedTopic = s.topicIndex

	idx := s.topicIndex
	t := *topic
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), materialTimeout)
		defer cancel()
		text := s.material.Material(ctx, t)
		select {
		case s.inbox <- materialMsg{topicIndex: idx, text: text}:
		case <-s.done:
		}
	}()
}

func (s *Session) onMaterial(m materialMsg) {
	if m.topicIndex != s.topicIndex || s.state != psm.StateExposition {
		// The learner already moved on; stale material is noise.
		return
	}
	s.emitSystem(m.text + "\n\n" + expositionPrompt)
}

func (s *Session) dispatchGenerateQuestion() {
	s.submit(tools.Call{
		Tool:    tools.GenerateQuestion,
		Topic:   s.currentTopic(),
		History: s.recentHistory(),
	}, intentPresentQuestion)
}

func (s *Session) dispatchCheckAnswer() {
	s.submit(tools.Call{
		Tool:          tools.CheckAnswer,
		Question:      s.question,
		StudentAnswer: s.pendingAnswer,
	}, intentEvaluateAnswer)
}

func (s *Session) dispatchRemediation() {
	if s.lastDiagnosis != nil {
		s.remLevel = diagnosis.InterventionLevel(s.attemptCount, s.lastDiagnosis.Confidence)
	} else {
		s.remLevel = diagnosis.InterventionLevel(s.attemptCount, 0)
	}
	s.submit(tools.Call{
		Tool:      tools.CreateRemediation,
		Topic:     s.currentTopic(),
		Diagnosis: s.lastDiagnosis,
		Context:   s.remLevel.String(),
	}, intentRemediate)
}

// beginGuidance opens the Socratic dialogue for an undiagnosed error and
// immediately advances to GuidingStudent, where the learner's replies drive
// the conversation.
func (s *Session) beginGuidance() {
	s.emitSystem(socraticPrompt(s.question))
	s.transition(psm.EventGuidanceComplete)
}

// advanceTopic closes out a correctly answered question and either presents
// the next topic or completes the syllabus.
func (s *Session) advanceTopic() {
	if t := s.currentTopic(); t != nil {
		s.markCovered(t.Name)
	}
	s.question = nil
	s.attemptCount = 0
	s.pendingAnswer = ""
	s.lastDiagnosis = nil

	if s.topicIndex+1 < len(s.syllabus) {
		s.topicIndex++
		s.transition(psm.EventNextTopic)
	} else {
		s.transition(psm.EventSyllabusComplete)
	}
}

func (s *Session) finalizeTutoring() {
	s.emitSystem(fmt.Sprintf(summaryTemplate,
		s.metrics.QuestionsCorrect,
		s.metrics.QuestionsAttempted,
		len(s.metrics.TopicsCovered)))
	s.exitCause = ExitCompleted
}

// --- tool dispatch and results -------------------------------------------

// submit hands a call to the executor. A synchronous refusal (queue full,
// executor stopped) is treated like a failed delivery: the session emits the
// degradation notice and applies the tool's deterministic fallback so the
// learner still gets a next utterance.
func (s *Session) submit(call tools.Call, intent callIntent) {
	token, err := s.exec.Submit(call, s.cfg.ToolDeadline, s.deliverTool)
	if err != nil {
		s.logger.Warn("Tool submission refused",
			"tool", call.Tool, "error", err)
		s.applyFallback(call, intent)
		return
	}
	now := time.Now()
	s.pending[token] = &pendingCall{
		tool:     call.Tool,
		intent:   intent,
		call:     call,
		started:  now,
		deadline: now.Add(s.cfg.ToolDeadline),
	}
}

// deliverTool runs on an executor goroutine: it forwards the terminal
// delivery into the inbox. A delivery racing session death is dropped,
// matching the unknown-token rule.
func (s *Session) deliverTool(d executor.Delivery) {
	select {
	case s.inbox <- toolMsg{delivery: d}:
	case <-s.done:
	}
}

func (s *Session) onToolResult(d executor.Delivery) {
	pc, ok := s.pending[d.Token]
	if !ok {
		// Unknown or already-resolved token: a cancelled call's late
		// delivery, or a duplicate. Dropping keeps result handling
		// idempotent.
		s.logger.Debug("Dropping unmatched tool result",
			"token", d.Token, "status", d.Status)
		return
	}
	delete(s.pending, d.Token)

	switch d.Status {
	case executor.StatusOK:
		s.routeResult(pc.intent, pc.call, d.Result)
	case executor.StatusCancelled:
		s.logger.Debug("Tool call cancelled",
			"tool", pc.tool, "token", d.Token)
	default: // error, timeout
		s.logger.Warn("Tool call failed",
			"tool", pc.tool, "status", d.Status, "error", d.Err)
		s.applyFallback(pc.call, pc.intent)
	}
}

// applyFallback emits the degradation notice and routes the tool's
// deterministic fallback as if it were a normal result. The session never
// retries: a retry could double the wait, and the responsiveness contract
// promises a next utterance within one tool deadline.
func (s *Session) applyFallback(call tools.Call, intent callIntent) {
	s.emitError(DegradedNoticeText)
	s.routeResult(intent, call, tools.Fallback(call))
}

func (s *Session) routeResult(intent callIntent, call tools.Call, result *tools.Result) {
	if result == nil {
		result = tools.Fallback(call)
	}
	switch intent {
	case intentPresentQuestion:
		s.onQuestionGenerated(call, result)
	case intentEvaluateAnswer:
		s.onAnswerChecked(call, result)
	case intentDiagnose:
		s.onDiagnosis(result)
	case intentRemediate:
		s.onRemediationText(result)
	case intentHint:
		s.onHintText(result)
	case intentExplain:
		s.onExplanationText(result)
	case intentClassify:
		s.onIntentClassified(call, result)
	}
}

func (s *Session) onQuestionGenerated(call tools.Call, result *tools.Result) {
	if s.state != psm.StateSettingQuestion && s.state != psm.StateAwaitingToolResult {
		s.logger.Debug("Dropping question outside question flow", "state", s.state)
		return
	}
	q := result.Question
	if q == nil || q.Text == "" {
		// Malformed provider output degrades like a failed call.
		q = tools.Fallback(tools.Call{Tool: tools.GenerateQuestion, Topic: call.Topic}).Question
	}
	s.question = q
	s.attemptCount = 0
	s.pendingAnswer = ""
	s.lastDiagnosis = nil
	if s.transition(psm.EventQuestionPresented) {
		s.emitSystem(q.Text)
	}
}

func (s *Session) onAnswerChecked(call tools.Call, result *tools.Result) {
	if s.state != psm.StateEvaluatingAnswer {
		s.logger.Debug("Dropping answer check outside evaluation", "state", s.state)
		return
	}
	check := result.Check
	if check == nil {
		check = tools.Fallback(call).Check
	}

	s.metrics.QuestionsAttempted++
	if check.IsCorrect {
		s.metrics.QuestionsCorrect++
		feedback := check.Feedback
		if feedback == "" {
			feedback = tools.FallbackCorrectFeedback
		}
		s.emitSystem(feedback)
		s.transition(psm.EventAnswerCorrect)
		return
	}

	if check.Feedback != "" {
		s.emitSystem(check.Feedback)
	}
	answer := &models.AnswerData{
		StudentAnswer: call.StudentAnswer,
		IsCorrect:     false,
	}
	if call.Question != nil {
		answer.CorrectAnswer = call.Question.CorrectAnswer
	}
	s.submit(tools.Call{
		Tool:     tools.DiagnoseError,
		Question: s.question,
		Answer:   answer,
	}, intentDiagnose)
}

func (s *Session) onDiagnosis(result *tools.Result) {
	if s.state != psm.StateEvaluatingAnswer {
		s.logger.Debug("Dropping diagnosis outside evaluation", "state", s.state)
		return
	}
	payload := diagnosis.Payload{}
	if result.Diagnosis != nil {
		payload = *result.Diagnosis
	}
	c := diagnosis.Classify(payload, s.cfg.DiagnosisConfidenceThreshold)
	s.lastDiagnosis = &c

	if c.Known {
		s.transition(psm.EventKnownErrorDetected)
	} else {
		s.transition(psm.EventUnknownErrorDetected)
	}
}

func (s *Session) onRemediationText(result *tools.Result) {
	if s.state != psm.StateRemediatingKnownError {
		s.logger.Debug("Dropping remediation outside remediation", "state", s.state)
		return
	}
	text := result.Text
	if text == "" {
		text = tools.FallbackRemediationText
	}
	s.emitSystem(text + "\n\n" + remediationFollow)
}

func (s *Session) onHintText(result *tools.Result) {
	switch s.state {
	case psm.StateGuidingStudent, psm.StateRemediatingKnownError, psm.StateRemediatingUnknownError:
	default:
		s.logger.Debug("Dropping hint outside guidance", "state", s.state)
		return
	}
	text := result.Text
	if text == "" {
		text = tools.FallbackHintText
	}
	s.emitSystem(text)
}

func (s *Session) onExplanationText(result *tools.Result) {
	if s.state != psm.StateAwaitingToolResult {
		s.logger.Debug("Dropping explanation outside tool wait", "state", s.state)
		return
	}
	text := result.Text
	if text == "" {
		text = tools.FallbackExplanationText
	}
	s.emitSystem(text)
	s.transition(psm.EventToolCompleted)
}

func (s *Session) onIntentClassified(call tools.Call, result *tools.Result) {
	if s.state != psm.StateAwaitingToolResult {
		s.logger.Debug("Dropping intent outside tool wait", "state", s.state)
		return
	}
	s.actOnIntent(result.Intent, call.Message)
}

// --- pending-call bookkeeping --------------------------------------------

// relevantStates lists where each pending intent's result can still be used.
// A transition out of an intent's relevance set cancels the call: its result
// would be dropped anyway, so the executor should stop paying for it.
var relevantStates = map[callIntent][]psm.State{
	intentPresentQuestion: {psm.StateSettingQuestion, psm.StateAwaitingToolResult},
	intentEvaluateAnswer:  {psm.StateEvaluatingAnswer},
	intentDiagnose:        {psm.StateEvaluatingAnswer},
	intentRemediate:       {psm.StateRemediatingKnownError},
	intentHint:            {psm.StateGuidingStudent, psm.StateRemediatingKnownError, psm.StateRemediatingUnknownError},
	intentExplain:         {psm.StateAwaitingToolResult},
	intentClassify:        {psm.StateAwaitingToolResult},
}

func intentRelevant(intent callIntent, state psm.State) bool {
	for _, st := range relevantStates[intent] {
		if st == state {
			return true
		}
	}
	return false
}

func (s *Session) cancelIrrelevant() {
	for token, pc := range s.pending {
		if intentRelevant(pc.intent, s.state) {
			continue
		}
		s.logger.Debug("Cancelling superseded tool call",
			"tool", pc.tool, "token", token)
		s.exec.Cancel(token)
		delete(s.pending, token)
	}
}

func (s *Session) hasPending(intent callIntent) bool {
	for _, pc := range s.pending {
		if pc.intent == intent {
			return true
		}
	}
	return false
}
