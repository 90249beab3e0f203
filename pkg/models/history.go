package models

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// HistoryEntry is one conversation turn. Seq is assigned by the session and
// increases monotonically for the lifetime of the session, so turn identity
// survives retention trimming.
type HistoryEntry struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
