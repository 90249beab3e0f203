// Package config loads, merges, and validates tutord configuration.
package config

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Server holds HTTP and WebSocket listener settings.
	Server *ServerConfig

	// Session holds per-session runtime knobs: deadlines, ticks,
	// executor capacity, history depth, persistence.
	Session *SessionConfig

	// LLM selects and configures the tool provider backend.
	LLM *LLMConfig

	// MCP configures the Model Context Protocol tool server, used when
	// LLM.Provider is "mcp".
	MCP *MCPConfig

	// Syllabus configures where topic material comes from.
	Syllabus *SyllabusConfig

	// Slack holds notification settings.
	Slack *SlackConfig

	// Retention controls snapshot cleanup.
	Retention *RetentionConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}
