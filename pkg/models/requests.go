package models

import "github.com/studyhall/tutord/pkg/psm"

// StartSessionRequest contains fields for starting (or resuming) a session.
type StartSessionRequest struct {
	LearnerID string  `json:"learner_id"`
	Author    string  `json:"author,omitempty"`
	Syllabus  []Topic `json:"syllabus,omitempty"`
}

// StartSessionResponse reports the outcome of a start request.
type StartSessionResponse struct {
	SessionID      string    `json:"session_id"`
	State          psm.State `json:"psm_state"`
	AlreadyStarted bool      `json:"already_started"`
	Resumed        bool      `json:"resumed"`
}

// PostMessageRequest carries one learner utterance.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// SessionListResponse lists the ids of live sessions.
type SessionListResponse struct {
	SessionIDs []string `json:"session_ids"`
	Count      int      `json:"count"`
}
