package config

import "time"

// ServerConfig holds resolved HTTP server configuration.
type ServerConfig struct {
	ListenAddr       string   // Address the API server binds (default: ":8080")
	AllowedWSOrigins []string // Additional WebSocket origin patterns
}

// SlackConfig holds resolved Slack notification configuration.
type SlackConfig struct {
	Enabled      bool
	TokenEnv     string // Env var name for Slack bot token (default: "SLACK_BOT_TOKEN")
	Channel      string // Slack channel ID (e.g., "C12345678")
	DashboardURL string // Base URL for session links in notifications
}

// RetentionConfig controls snapshot retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep terminal session
	// snapshots before deleting them.
	SessionRetentionDays int

	// StaleAfter is the maximum age of a non-terminal snapshot with no
	// live session before it is considered abandoned and removed.
	StaleAfter time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 30,
		StaleAfter:           7 * 24 * time.Hour,
		CleanupInterval:      12 * time.Hour,
	}
}
