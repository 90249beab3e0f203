package notify

import (
	"fmt"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var causeEmoji = map[string]string{
	"completed":  ":white_check_mark:",
	"stopped":    ":wave:",
	"inactivity": ":hourglass:",
	"failed":     ":x:",
}

var causeLabel = map[string]string{
	"completed":  "Session Complete",
	"stopped":    "Session Ended",
	"inactivity": "Session Timed Out",
	"failed":     "Session Failed",
}

func sessionURL(sessionID, dashboardURL string) string {
	return fmt.Sprintf("%s/sessions/%s", dashboardURL, sessionID)
}

// BuildSessionEndedMessage creates Block Kit blocks for a session-end
// notification: a status header, a metrics field section and, when a
// dashboard is configured, a link button.
func BuildSessionEndedMessage(input SessionEndedInput, dashboardURL string) []goslack.Block {
	emoji := causeEmoji[input.ExitCause]
	if emoji == "" {
		emoji = ":question:"
	}
	label := causeLabel[input.ExitCause]
	if label == "" {
		label = "Session " + input.ExitCause
	}

	var blocks []goslack.Block

	headerText := fmt.Sprintf("%s *%s* — learner `%s`", emoji, label, input.LearnerID)
	blocks = append(blocks, goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
		nil, nil,
	))

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Questions:*\n%d attempted, %d correct",
				input.QuestionsAttempted, input.QuestionsCorrect), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Duration:*\n%s", formatDuration(input.Duration)), false, false),
	}
	if len(input.TopicsCovered) > 0 {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Topics covered:*\n%s",
				truncateForSlack(strings.Join(input.TopicsCovered, ", "))), false, false))
	}
	blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "",
			goslack.NewTextBlockObject(goslack.PlainTextType, "View Session", false, false))
		btn.URL = sessionURL(input.SessionID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	return d.Round(time.Second).String()
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
