package session

import (
	"fmt"
	"strings"

	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/tools"
)

// Deterministic session utterances. Like the tool fallbacks, these are part
// of the user-visible contract: tests assert on them verbatim.
const (
	// StillProcessingText acknowledges a message that arrived while the
	// session was locked waiting on a tool result.
	StillProcessingText = "One moment — I'm still working on your last message."

	// DegradedNoticeText precedes a deterministic fallback after a tool
	// failure or timeout.
	DegradedNoticeText = "I had trouble reaching the tutoring service, so I'm switching to a simpler path. Let's keep going."

	// InactivityText is the parting message when a session retires idle.
	InactivityText = "Looks like you've stepped away — I'll wrap up here. Come back any time to pick up where you left off."

	// FarewellText is the parting message for an explicit stop.
	FarewellText = "We'll stop here for now. Your progress is saved — see you next time!"

	expositionPrompt  = `When you're ready for a practice question, just say "ready".`
	expositionNudge   = `Anything else about this topic, or shall we try a question? Say "ready" when you want one.`
	noTopicsText      = "There's nothing left on your syllabus — great work!"
	retryTemplate     = "Whenever you're ready, give it another try: %s"
	retryGeneric      = "Whenever you're ready, give it another try."
	socraticTemplate  = "Let's work through this together. Walk me through your thinking on: %s"
	socraticGeneric   = "Let's work through this together. Walk me through your thinking, one step at a time."
	remediationFollow = `Tell me when you're ready to try the question again — just say "ready".`
	summaryTemplate   = "That's the whole syllabus! You answered %d of %d question(s) correctly across %d topic(s). Well done!"
)

// readinessSignals are the phrases that advance a remediation or guidance
// sub-dialogue back toward the question.
var readinessSignals = []string{
	"ok",
	"okay",
	"got it",
	"i see",
	"ready",
	"yes",
	"yep",
	"understood",
	"makes sense",
	"try again",
	"let's go",
	"lets go",
}

// signalsReadiness reports whether a learner message reads as "I'm ready to
// continue". Matching is deliberately loose: a short message containing any
// readiness phrase counts, while longer messages are treated as substantive
// replies that keep the sub-dialogue going.
func signalsReadiness(content string) bool {
	normalized := strings.ToLower(strings.TrimSpace(content))
	normalized = strings.Trim(normalized, ".,!?")
	if normalized == "" {
		return false
	}
	if len(normalized) > 40 {
		return false
	}
	for _, signal := range readinessSignals {
		if normalized == signal || strings.Contains(normalized, signal) {
			return true
		}
	}
	return false
}

// questionSignals mark a message as an explicit request to practice.
var questionSignals = []string{
	"question",
	"quiz",
	"practice",
	"test me",
	"exercise",
	"problem",
}

// helpSignals mark a message as a request for explanation.
var helpSignals = []string{
	"explain",
	"help",
	"confused",
	"don't understand",
	"dont understand",
	"don't get",
	"dont get",
	"what is",
	"what's",
	"how does",
	"how do",
	"why",
	"lost",
}

// classifyLocalIntent is the fast local heuristic applied before paying for a
// classify_intent tool call. ok is false when the message is ambiguous and
// the tool should decide.
func classifyLocalIntent(content string) (tools.Intent, bool) {
	normalized := strings.ToLower(strings.TrimSpace(content))
	if normalized == "" {
		return tools.IntentGeneral, true
	}

	for _, signal := range questionSignals {
		if strings.Contains(normalized, signal) {
			return tools.IntentRequestQuestion, true
		}
	}
	if signalsReadiness(normalized) {
		return tools.IntentRequestQuestion, true
	}
	for _, signal := range helpSignals {
		if strings.Contains(normalized, signal) {
			return tools.IntentRequestHelp, true
		}
	}
	if strings.HasSuffix(normalized, "?") {
		return tools.IntentRequestHelp, true
	}
	return tools.IntentGeneral, false
}

// socraticPrompt opens the guided dialogue for an undiagnosed error.
func socraticPrompt(q *models.Question) string {
	if q == nil || q.Text == "" {
		return socraticGeneric
	}
	return fmt.Sprintf(socraticTemplate, q.Text)
}

func retryPrompt(q *models.Question) string {
	if q == nil || q.Text == "" {
		return retryGeneric
	}
	return fmt.Sprintf(retryTemplate, q.Text)
}
