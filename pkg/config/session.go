package config

import "time"

// SessionConfig contains the per-session runtime knobs. Durations are
// expressed in milliseconds in YAML and surfaced as time.Duration through
// the accessor methods.
type SessionConfig struct {
	// ToolDeadlineMS is the per-call deadline for tool submissions.
	ToolDeadlineMS int64 `yaml:"tool_deadline_ms"`

	// InactivityMS is how long a session may sit idle before it shuts
	// itself down on the next tick.
	InactivityMS int64 `yaml:"inactivity_ms"`

	// TickMS is the session housekeeping interval: inactivity checks
	// and snapshot persistence both ride on it.
	TickMS int64 `yaml:"tick_ms"`

	// ExecutorConcurrencyCap is the number of tool calls that may run at
	// once across all sessions.
	ExecutorConcurrencyCap int `yaml:"executor_concurrency_cap"`

	// ExecutorQueueCap bounds tool calls accepted but not yet running.
	ExecutorQueueCap int `yaml:"executor_queue_cap"`

	// HistoryRetained is the number of conversation entries a session
	// keeps in memory; older entries are evicted oldest-first.
	HistoryRetained int `yaml:"history_retained"`

	// PersistenceEnabled turns snapshot persistence on. When false the
	// session state lives only in memory and restore is unavailable.
	PersistenceEnabled bool `yaml:"persistence_enabled"`

	// TransportReconnectGraceMS is how long a disconnected learner may
	// take to reconnect. Outbound messages are buffered during the gap;
	// when the grace elapses the session is asked to shut down gracefully.
	// Zero disables disconnect handling (the inactivity timeout still
	// applies).
	TransportReconnectGraceMS int64 `yaml:"transport_reconnect_grace_ms"`

	// DiagnosisConfidenceThreshold is the minimum confidence at which an
	// identified error counts as a known misconception.
	DiagnosisConfidenceThreshold float64 `yaml:"diagnosis_confidence_threshold"`
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ToolDeadlineMS:               30_000,
		InactivityMS:                 1_800_000,
		TickMS:                       30_000,
		ExecutorConcurrencyCap:       8,
		ExecutorQueueCap:             64,
		HistoryRetained:              50,
		PersistenceEnabled:           true,
		TransportReconnectGraceMS:    30_000,
		DiagnosisConfidenceThreshold: 0.5,
	}
}

// ToolDeadline returns the per-call tool deadline.
func (c *SessionConfig) ToolDeadline() time.Duration {
	return time.Duration(c.ToolDeadlineMS) * time.Millisecond
}

// Inactivity returns the idle threshold after which a session retires.
func (c *SessionConfig) Inactivity() time.Duration {
	return time.Duration(c.InactivityMS) * time.Millisecond
}

// Tick returns the housekeeping interval.
func (c *SessionConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// TransportReconnectGrace returns how long a disconnected learner may
// take to reconnect before their session is asked to shut down.
func (c *SessionConfig) TransportReconnectGrace() time.Duration {
	return time.Duration(c.TransportReconnectGraceMS) * time.Millisecond
}
