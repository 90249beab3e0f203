package config

import (
	"fmt"
	"os"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateSession(); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}

	if err := v.validateSyllabus(); err != nil {
		return fmt.Errorf("syllabus validation failed: %w", err)
	}

	if err := v.validateSlack(); err != nil {
		return fmt.Errorf("slack validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateSession() error {
	s := v.cfg.Session

	if s.ToolDeadlineMS <= 0 {
		return NewValidationError("session", "tool_deadline_ms", fmt.Errorf("must be positive"))
	}
	if s.InactivityMS <= 0 {
		return NewValidationError("session", "inactivity_ms", fmt.Errorf("must be positive"))
	}
	if s.TickMS <= 0 {
		return NewValidationError("session", "tick_ms", fmt.Errorf("must be positive"))
	}
	// An inactivity threshold below the tick interval would retire every
	// session on its first tick.
	if s.InactivityMS < s.TickMS {
		return NewValidationError("session", "inactivity_ms", fmt.Errorf("must be at least tick_ms (%d)", s.TickMS))
	}
	if s.ExecutorConcurrencyCap < 1 {
		return NewValidationError("session", "executor_concurrency_cap", fmt.Errorf("must be at least 1"))
	}
	if s.ExecutorQueueCap < 1 {
		return NewValidationError("session", "executor_queue_cap", fmt.Errorf("must be at least 1"))
	}
	if s.HistoryRetained < 1 {
		return NewValidationError("session", "history_retained", fmt.Errorf("must be at least 1"))
	}
	if s.TransportReconnectGraceMS < 0 {
		return NewValidationError("session", "transport_reconnect_grace_ms", fmt.Errorf("must not be negative"))
	}
	if s.DiagnosisConfidenceThreshold < 0 || s.DiagnosisConfidenceThreshold > 1 {
		return NewValidationError("session", "diagnosis_confidence_threshold", fmt.Errorf("must be within [0, 1]"))
	}

	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM

	if !l.Provider.IsValid() {
		return NewValidationError("llm", "provider", fmt.Errorf("invalid provider type: %s", l.Provider))
	}

	switch l.Provider {
	case ProviderOpenAI:
		if l.Model == "" {
			return NewValidationError("llm", "model", ErrMissingRequiredField)
		}
		if l.APIKeyEnv == "" {
			return NewValidationError("llm", "api_key_env", ErrMissingRequiredField)
		}
		if value := os.Getenv(l.APIKeyEnv); value == "" {
			return NewValidationError("llm", "api_key_env", fmt.Errorf("environment variable %s is not set", l.APIKeyEnv))
		}

	case ProviderMCP:
		m := v.cfg.MCP
		if m.Command == "" && m.URL == "" {
			return NewValidationError("mcp", "", fmt.Errorf("either command or url required for mcp provider"))
		}
		if m.Command != "" && m.URL != "" {
			return NewValidationError("mcp", "", fmt.Errorf("command and url are mutually exclusive"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateSyllabus() error {
	s := v.cfg.Syllabus

	if !s.Source.IsValid() {
		return NewValidationError("syllabus", "source", fmt.Errorf("invalid source: %s", s.Source))
	}

	switch s.Source {
	case SyllabusFile:
		if s.Path == "" {
			return NewValidationError("syllabus", "path", fmt.Errorf("required for file source"))
		}
	case SyllabusGitHub:
		if s.RepoURL == "" {
			return NewValidationError("syllabus", "repo_url", fmt.Errorf("required for github source"))
		}
	}

	if s.CacheTTL <= 0 {
		return NewValidationError("syllabus", "cache_ttl", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validateSlack() error {
	s := v.cfg.Slack

	if !s.Enabled {
		return nil
	}
	if s.Channel == "" {
		return NewValidationError("slack", "channel", fmt.Errorf("required when slack is enabled"))
	}
	if s.TokenEnv == "" {
		return NewValidationError("slack", "token_env", ErrMissingRequiredField)
	}

	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention

	if r.SessionRetentionDays < 1 {
		return NewValidationError("retention", "session_retention_days", fmt.Errorf("must be at least 1"))
	}
	if r.StaleAfter <= 0 {
		return NewValidationError("retention", "stale_after", fmt.Errorf("must be positive"))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", fmt.Errorf("must be positive"))
	}

	return nil
}
