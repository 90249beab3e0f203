package api

// MessageAcceptedResponse is returned by POST /api/v1/sessions/:id/messages.
type MessageAcceptedResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// StopResponse is returned by DELETE /api/v1/sessions/:id.
type StopResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status            string                 `json:"status"`
	Version           string                 `json:"version"`
	ActiveSessions    int                    `json:"active_sessions"`
	ActiveConnections int                    `json:"active_connections"`
	Checks            map[string]HealthCheck `json:"checks,omitempty"`
}

// HealthCheck reports one component's health.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
