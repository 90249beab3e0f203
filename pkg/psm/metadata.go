package psm

// Action is what the session performs when entering a state.
type Action string

const (
	ActionPresentExposition   Action = "present_exposition"
	ActionSelectQuestion      Action = "select_question"
	ActionEvaluateAnswer      Action = "evaluate_answer"
	ActionAdvanceTopic        Action = "advance_topic"
	ActionGenerateRemediation Action = "generate_remediation"
	ActionBeginGuidance       Action = "begin_guidance"
	ActionFinalizeSession     Action = "finalize_session"
)

// Flow classifies where a state sits in the tutoring loop.
type Flow string

const (
	FlowPrimaryLearning Flow = "primary_learning"
	FlowRemediation     Flow = "remediation"
	FlowGuidance        Flow = "guidance"
	FlowTerminal        Flow = "terminal"
)

var entryActions = map[State]Action{
	StateExposition:               ActionPresentExposition,
	StateSettingQuestion:          ActionSelectQuestion,
	StateEvaluatingAnswer:         ActionEvaluateAnswer,
	StateProvidingFeedbackCorrect: ActionAdvanceTopic,
	StateRemediatingKnownError:    ActionGenerateRemediation,
	StateRemediatingUnknownError:  ActionBeginGuidance,
	StateSessionComplete:          ActionFinalizeSession,
}

// userInputStates are the only states in which a fresh user message can
// drive a transition. EvaluatingAnswer and AwaitingToolResult are
// deliberately absent: they lock the session while a tool result is
// outstanding so a second message cannot start a parallel evaluation.
var userInputStates = map[State]bool{
	StateExposition:     true,
	StateAwaitingAnswer: true,
	StateGuidingStudent: true,
}

var toolStates = map[State]bool{
	StateEvaluatingAnswer:        true,
	StateRemediatingKnownError:   true,
	StateRemediatingUnknownError: true,
	StateAwaitingToolResult:      true,
}

var flows = map[State]Flow{
	StateInitializing:             FlowPrimaryLearning,
	StateExposition:               FlowPrimaryLearning,
	StateSettingQuestion:          FlowPrimaryLearning,
	StateAwaitingAnswer:           FlowPrimaryLearning,
	StateEvaluatingAnswer:         FlowPrimaryLearning,
	StateProvidingFeedbackCorrect: FlowPrimaryLearning,
	StateAwaitingToolResult:       FlowPrimaryLearning,
	StateRemediatingKnownError:    FlowRemediation,
	StateRemediatingUnknownError:  FlowRemediation,
	StateGuidingStudent:           FlowGuidance,
	StateSessionComplete:          FlowTerminal,
}

// EntryAction returns the action the session performs on entering state.
// ok is false for states with no entry action.
func EntryAction(state State) (Action, bool) {
	a, ok := entryActions[state]
	return a, ok
}

// AcceptsUserInput reports whether a user message may drive a transition in
// state.
func AcceptsUserInput(state State) bool {
	return userInputStates[state]
}

// RequiresTool reports whether state depends on an asynchronous tool result
// to make progress.
func RequiresTool(state State) bool {
	return toolStates[state]
}

// IsTerminal reports whether state ends the session.
func IsTerminal(state State) bool {
	return state == StateSessionComplete
}

// FlowOf returns the flow classification of state.
func FlowOf(state State) Flow {
	return flows[state]
}
