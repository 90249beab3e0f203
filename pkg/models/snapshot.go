package models

import (
	"time"

	"github.com/studyhall/tutord/pkg/psm"
)

// SessionMetrics are per-session learning counters. All counters are
// monotonic; LastActivity moves forward on every inbound user turn.
type SessionMetrics struct {
	StartedAt          time.Time `json:"started_at"`
	QuestionsAttempted int       `json:"questions_attempted"`
	QuestionsCorrect   int       `json:"questions_correct"`
	TopicsCovered      []string  `json:"topics_covered,omitempty"`
	LastActivity       time.Time `json:"last_activity"`
}

// SessionSnapshot is the public view of a session and the unit of
// persistence. GetSnapshot returns it; the store round-trips it by
// session_id.
type SessionSnapshot struct {
	SessionID    string         `json:"session_id"`
	LearnerID    string         `json:"learner_id"`
	State        psm.State      `json:"psm_state"`
	Topic        *Topic         `json:"topic,omitempty"`
	Question     *Question      `json:"question,omitempty"`
	Syllabus     []Topic        `json:"syllabus,omitempty"`
	TopicIndex   int            `json:"topic_index"`
	AttemptCount int            `json:"attempt_count"`
	History      []HistoryEntry `json:"history,omitempty"`
	Metrics      SessionMetrics `json:"metrics"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
