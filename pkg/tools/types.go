// Package tools defines the pedagogical tool contract: the fixed set of
// tool operations the session core invokes, their typed inputs and outputs,
// and the deterministic fallbacks applied when a provider fails. Concrete
// clients (OpenAI-compatible LLM, MCP server, stub) implement the same
// Client interface; the session only ever reaches them through the
// executor.
package tools

import (
	"context"

	"github.com/studyhall/tutord/pkg/diagnosis"
	"github.com/studyhall/tutord/pkg/models"
)

// Name identifies one of the fixed tool operations.
type Name string

const (
	GenerateQuestion  Name = "generate_question"
	CheckAnswer       Name = "check_answer"
	DiagnoseError     Name = "diagnose_error"
	CreateRemediation Name = "create_remediation"
	ExplainConcept    Name = "explain_concept"
	ProvideHint       Name = "provide_hint"
	ClassifyIntent    Name = "classify_intent"
)

// Names returns the full tool set.
func Names() []Name {
	return []Name{
		GenerateQuestion,
		CheckAnswer,
		DiagnoseError,
		CreateRemediation,
		ExplainConcept,
		ProvideHint,
		ClassifyIntent,
	}
}

// Valid reports whether n is a defined tool.
func (n Name) Valid() bool {
	switch n {
	case GenerateQuestion, CheckAnswer, DiagnoseError, CreateRemediation,
		ExplainConcept, ProvideHint, ClassifyIntent:
		return true
	}
	return false
}

// Call is one tool invocation. Tool selects the operation; the remaining
// fields are populated per tool:
//
//	generate_question:  Topic, History
//	check_answer:       Question, StudentAnswer
//	diagnose_error:     Question, Answer
//	create_remediation: Topic, Diagnosis, Context (intervention level)
//	explain_concept:    Topic, Message, History
//	provide_hint:       Question, Context
//	classify_intent:    Message, History
type Call struct {
	Tool          Name
	Topic         *models.Topic
	Question      *models.Question
	Answer        *models.AnswerData
	Diagnosis     *diagnosis.Classification
	StudentAnswer string
	Message       string
	Context       string
	History       []models.HistoryEntry
}

// CheckResult is the check_answer output.
type CheckResult struct {
	IsCorrect     bool   `json:"is_correct"`
	Feedback      string `json:"feedback,omitempty"`
	Explanation   string `json:"explanation,omitempty"`
	StudentAnswer string `json:"student_answer,omitempty"`
	CorrectAnswer string `json:"correct_answer,omitempty"`
}

// Intent is the classify_intent output label.
type Intent string

const (
	IntentRequestQuestion           Intent = "request_question"
	IntentRequestHelp               Intent = "request_help"
	IntentUnderstandingConfirmation Intent = "understanding_confirmation"
	IntentConfusion                 Intent = "confusion"
	IntentAnswerAttempt             Intent = "answer_attempt"
	IntentGeneral                   Intent = "general"
)

// ParseIntent maps a provider label to a defined Intent. Anything
// unrecognized degrades to IntentGeneral.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentRequestQuestion, IntentRequestHelp, IntentUnderstandingConfirmation,
		IntentConfusion, IntentAnswerAttempt, IntentGeneral:
		return Intent(s)
	}
	return IntentGeneral
}

// Result is one tool's output. Exactly one field is meaningful for a given
// tool: Question for generate_question, Check for check_answer, Diagnosis
// for diagnose_error, Intent for classify_intent, and Text for the
// free-text tools.
type Result struct {
	Question  *models.Question   `json:"question,omitempty"`
	Check     *CheckResult       `json:"check,omitempty"`
	Diagnosis *diagnosis.Payload `json:"diagnosis,omitempty"`
	Text      string             `json:"text,omitempty"`
	Intent    Intent             `json:"intent,omitempty"`
}

// Client invokes pedagogical tools against a concrete provider. Invoke must
// honor ctx cancellation; the executor relies on it for timeouts and
// cancellation. Implementations must be safe for concurrent use.
type Client interface {
	Invoke(ctx context.Context, call Call) (*Result, error)
	Close() error
}
