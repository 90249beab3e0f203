package tools

import (
	"fmt"
	"strings"

	"github.com/studyhall/tutord/pkg/models"
)

// historyWindow bounds how many recent turns are embedded in a prompt.
const historyWindow = 6

const tutorSystemPrompt = "You are a patient one-on-one tutor inside an interactive learning platform. " +
	"Keep responses short, encouraging, and focused on the learner's current topic. " +
	"Never reveal the correct answer unless explicitly instructed to."

var jsonSystemPrompts = map[Name]string{
	GenerateQuestion: tutorSystemPrompt + `
Respond with a single JSON object and nothing else:
{"text": "...", "correct_answer": "...", "type": "...", "difficulty": "easy|medium|hard", "hint": "..."}`,

	CheckAnswer: tutorSystemPrompt + `
Evaluate the learner's answer. Respond with a single JSON object and nothing else:
{"is_correct": true|false, "feedback": "...", "explanation": "...", "student_answer": "...", "correct_answer": "..."}`,

	DiagnoseError: tutorSystemPrompt + `
Diagnose why the learner's answer is wrong. Respond with a single JSON object and nothing else:
{"error_identified": true|false, "error_category": "...", "error_description": "...", "misconception": "...", "confidence": 0.0, "suggested_approach": "..."}`,

	ClassifyIntent: tutorSystemPrompt + `
Classify the learner's message. Respond with a single JSON object and nothing else:
{"intent": "request_question|request_help|understanding_confirmation|confusion|answer_attempt|general"}`,
}

// buildPrompt produces the (system, user) message pair for one tool call.
func buildPrompt(call Call) (string, string) {
	system, ok := jsonSystemPrompts[call.Tool]
	if !ok {
		system = tutorSystemPrompt
	}

	var sb strings.Builder

	if call.Topic != nil {
		fmt.Fprintf(&sb, "Topic: %s (tier: %s)\n", call.Topic.Name, call.Topic.Tier)
	}
	if call.Question != nil {
		fmt.Fprintf(&sb, "Question: %s\n", call.Question.Text)
		fmt.Fprintf(&sb, "Expected answer: %s\n", call.Question.CorrectAnswer)
	}
	if len(call.History) > 0 {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(formatHistory(call.History))
	}

	switch call.Tool {
	case GenerateQuestion:
		sb.WriteString("Generate one practice question for this topic, appropriate to the conversation so far.\n")
	case CheckAnswer:
		fmt.Fprintf(&sb, "The learner answered: %q\nEvaluate it against the expected answer.\n", call.StudentAnswer)
	case DiagnoseError:
		if call.Answer != nil {
			fmt.Fprintf(&sb, "The learner answered %q; the expected answer is %q.\n",
				call.Answer.StudentAnswer, call.Answer.CorrectAnswer)
		}
		sb.WriteString("Diagnose the most likely error behind this answer.\n")
	case CreateRemediation:
		if call.Diagnosis != nil {
			fmt.Fprintf(&sb, "Diagnosed error category: %s\n", call.Diagnosis.Category)
			if call.Diagnosis.RemediationHint != "" {
				fmt.Fprintf(&sb, "Suggested approach: %s\n", call.Diagnosis.RemediationHint)
			}
		}
		if call.Context != "" {
			fmt.Fprintf(&sb, "Intervention level: %s\n", call.Context)
		}
		sb.WriteString("Write a short remediation that addresses this error without giving the answer away.\n")
	case ExplainConcept:
		fmt.Fprintf(&sb, "The learner said: %q\nExplain the relevant concept in a few sentences.\n", call.Message)
	case ProvideHint:
		if call.Context != "" {
			fmt.Fprintf(&sb, "Guided dialogue so far: %s\n", call.Context)
		}
		sb.WriteString("Give one hint that moves the learner forward without revealing the answer.\n")
	case ClassifyIntent:
		fmt.Fprintf(&sb, "Classify this learner message: %q\n", call.Message)
	}

	return system, sb.String()
}

func formatHistory(history []models.HistoryEntry) string {
	start := 0
	if len(history) > historyWindow {
		start = len(history) - historyWindow
	}
	var sb strings.Builder
	for _, h := range history[start:] {
		fmt.Fprintf(&sb, "- %s: %s\n", h.Role, h.Content)
	}
	return sb.String()
}
