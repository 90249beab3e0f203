// Package psm implements the pedagogical state machine: a pure,
// deterministic transition function over session states, plus the per-state
// metadata the session consults (admissible events, input acceptance, tool
// requirements, entry actions, flow classification).
//
// The package performs no I/O and no logging. All observable side effects
// live in the session.
package psm

import (
	"fmt"
	"slices"
)

// State is a pedagogical session state.
type State string

const (
	StateInitializing             State = "initializing"
	StateExposition               State = "exposition"
	StateSettingQuestion          State = "setting_question"
	StateAwaitingAnswer           State = "awaiting_answer"
	StateEvaluatingAnswer         State = "evaluating_answer"
	StateProvidingFeedbackCorrect State = "providing_feedback_correct"
	StateRemediatingKnownError    State = "remediating_known_error"
	StateRemediatingUnknownError  State = "remediating_unknown_error"
	StateGuidingStudent           State = "guiding_student"
	StateAwaitingToolResult       State = "awaiting_tool_result"
	StateSessionComplete          State = "session_complete"
)

// Event is a transition trigger.
type Event string

const (
	EventInitialized          Event = "initialized"
	EventInstructionComplete  Event = "instruction_complete"
	EventQuestionPresented    Event = "question_presented"
	EventAnswerReceived       Event = "answer_received"
	EventAnswerCorrect        Event = "answer_correct"
	EventKnownErrorDetected   Event = "known_error_detected"
	EventUnknownErrorDetected Event = "unknown_error_detected"
	EventGuidanceComplete     Event = "guidance_complete"
	EventRetryQuestion        Event = "retry_question"
	EventNextTopic            Event = "next_topic"
	EventSyllabusComplete     Event = "syllabus_complete"
	EventToolRequested        Event = "tool_requested"
	EventToolCompleted        Event = "tool_completed"
)

// InvalidTransitionError reports an event the current state does not admit.
type InvalidTransitionError struct {
	State State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: state %q does not accept event %q", e.State, e.Event)
}

// transitions is the complete table. Any (state, event) pair absent here is
// an invalid transition.
var transitions = map[State]map[Event]State{
	StateInitializing: {
		EventInitialized: StateExposition,
	},
	StateExposition: {
		EventInstructionComplete: StateSettingQuestion,
		EventToolRequested:       StateAwaitingToolResult,
	},
	StateSettingQuestion: {
		EventQuestionPresented: StateAwaitingAnswer,
		EventToolRequested:     StateAwaitingToolResult,
	},
	StateAwaitingAnswer: {
		EventAnswerReceived: StateEvaluatingAnswer,
	},
	StateEvaluatingAnswer: {
		EventAnswerCorrect:        StateProvidingFeedbackCorrect,
		EventKnownErrorDetected:   StateRemediatingKnownError,
		EventUnknownErrorDetected: StateRemediatingUnknownError,
	},
	StateProvidingFeedbackCorrect: {
		EventNextTopic:        StateExposition,
		EventSyllabusComplete: StateSessionComplete,
	},
	StateRemediatingKnownError: {
		EventRetryQuestion: StateAwaitingAnswer,
	},
	StateRemediatingUnknownError: {
		EventGuidanceComplete: StateGuidingStudent,
	},
	StateGuidingStudent: {
		EventRetryQuestion: StateAwaitingAnswer,
	},
	StateAwaitingToolResult: {
		EventToolCompleted:       StateExposition,
		EventQuestionPresented:   StateAwaitingAnswer,
		EventInstructionComplete: StateSettingQuestion,
	},
	StateSessionComplete: {},
}

// Initial returns the state every new session starts in.
func Initial() State {
	return StateInitializing
}

// Transition applies event to state and returns the successor. On an
// inadmissible pair it returns the unchanged state and an
// *InvalidTransitionError.
func Transition(state State, event Event) (State, error) {
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return state, &InvalidTransitionError{State: state, Event: event}
}

// ValidEvents returns the events state admits, sorted for stable iteration.
func ValidEvents(state State) []Event {
	row := transitions[state]
	events := make([]Event, 0, len(row))
	for e := range row {
		events = append(events, e)
	}
	slices.Sort(events)
	return events
}

// States returns every defined state, sorted.
func States() []State {
	states := make([]State, 0, len(transitions))
	for s := range transitions {
		states = append(states, s)
	}
	slices.Sort(states)
	return states
}

// Events returns every defined event, sorted.
func Events() []Event {
	return []Event{
		EventAnswerCorrect,
		EventAnswerReceived,
		EventGuidanceComplete,
		EventInitialized,
		EventInstructionComplete,
		EventKnownErrorDetected,
		EventNextTopic,
		EventQuestionPresented,
		EventRetryQuestion,
		EventSyllabusComplete,
		EventToolCompleted,
		EventToolRequested,
		EventUnknownErrorDetected,
	}
}
