package tools

import (
	"fmt"
	"strings"

	"github.com/studyhall/tutord/pkg/diagnosis"
	"github.com/studyhall/tutord/pkg/models"
)

// Deterministic fallback texts. These are part of the user-visible contract
// for degraded operation, not incidental strings: tests assert on them and
// the learner sees them verbatim when a provider fails.
const (
	FallbackCorrectAnswer      = "15"
	FallbackCorrectFeedback    = "Correct!"
	FallbackIncorrectFeedback  = "Not quite. Compare your answer with the expected one and try again."
	FallbackRemediationText    = "Let's slow down and take this step by step. Re-read the question, work through it one piece at a time, and send me your next attempt."
	FallbackHintText           = "Focus on what the question is really asking, then break it into smaller steps."
	FallbackExplanationText    = "Take it one idea at a time, and ask for a hint whenever you get stuck."
	fallbackQuestionTemplate   = "Solve this problem related to %s. What is 7 + 8?"
	fallbackTopicPlaceholder   = "your current topic"
	fallbackQuestionType       = "arithmetic"
	fallbackQuestionDifficulty = "easy"
)

// Fallback produces the documented deterministic result for a failed tool
// call. It is total over the tool set: every tool has a fallback, so a
// provider failure never stalls the session.
func Fallback(call Call) *Result {
	switch call.Tool {
	case GenerateQuestion:
		topic := fallbackTopicPlaceholder
		if call.Topic != nil && call.Topic.Name != "" {
			topic = call.Topic.Name
		}
		return &Result{Question: &models.Question{
			Text:          fmt.Sprintf(fallbackQuestionTemplate, topic),
			CorrectAnswer: FallbackCorrectAnswer,
			Type:          fallbackQuestionType,
			Difficulty:    fallbackQuestionDifficulty,
		}}

	case CheckAnswer:
		correct := ""
		if call.Question != nil {
			correct = call.Question.CorrectAnswer
		}
		isCorrect := strings.EqualFold(
			strings.TrimSpace(call.StudentAnswer),
			strings.TrimSpace(correct),
		)
		feedback := FallbackIncorrectFeedback
		if isCorrect {
			feedback = FallbackCorrectFeedback
		}
		return &Result{Check: &CheckResult{
			IsCorrect:     isCorrect,
			Feedback:      feedback,
			StudentAnswer: call.StudentAnswer,
			CorrectAnswer: correct,
		}}

	case DiagnoseError:
		// Conservative: without a provider we cannot name the error, so the
		// session takes the guided-dialogue path.
		return &Result{Diagnosis: &diagnosis.Payload{ErrorIdentified: false}}

	case CreateRemediation:
		return &Result{Text: FallbackRemediationText}

	case ProvideHint:
		if call.Question != nil && call.Question.Hint != "" {
			return &Result{Text: call.Question.Hint}
		}
		return &Result{Text: FallbackHintText}

	case ExplainConcept:
		if call.Topic != nil && call.Topic.Name != "" {
			return &Result{Text: fmt.Sprintf("Here's the key idea behind %s: %s", call.Topic.Name, FallbackExplanationText)}
		}
		return &Result{Text: FallbackExplanationText}

	case ClassifyIntent:
		return &Result{Intent: IntentGeneral}

	default:
		return &Result{Intent: IntentGeneral}
	}
}
