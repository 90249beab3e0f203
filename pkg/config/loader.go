package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// TutordYAMLConfig represents the complete tutord.yaml file structure
type TutordYAMLConfig struct {
	System   *SystemYAMLConfig   `yaml:"system"`
	Session  *SessionYAMLConfig  `yaml:"session"`
	LLM      *LLMConfig          `yaml:"llm"`
	MCP      *MCPConfig          `yaml:"mcp"`
	Syllabus *SyllabusYAMLConfig `yaml:"syllabus"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	ListenAddr       string               `yaml:"listen_addr"`
	AllowedWSOrigins []string             `yaml:"allowed_ws_origins"`
	Slack            *SlackYAMLConfig     `yaml:"slack"`
	Retention        *RetentionYAMLConfig `yaml:"retention"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled      *bool  `yaml:"enabled,omitempty"`
	TokenEnv     string `yaml:"token_env,omitempty"`
	Channel      string `yaml:"channel,omitempty"`
	DashboardURL string `yaml:"dashboard_url,omitempty"`
}

// RetentionYAMLConfig holds retention settings from YAML.
type RetentionYAMLConfig struct {
	SessionRetentionDays int    `yaml:"session_retention_days,omitempty"`
	StaleAfter           string `yaml:"stale_after,omitempty"`      // Parsed to time.Duration
	CleanupInterval      string `yaml:"cleanup_interval,omitempty"` // Parsed to time.Duration
}

// SessionYAMLConfig holds session settings from YAML. Zero-valued fields
// fall back to the built-in defaults; the pointer fields distinguish
// "unset" from an explicit false or zero.
type SessionYAMLConfig struct {
	ToolDeadlineMS               int64    `yaml:"tool_deadline_ms,omitempty"`
	InactivityMS                 int64    `yaml:"inactivity_ms,omitempty"`
	TickMS                       int64    `yaml:"tick_ms,omitempty"`
	ExecutorConcurrencyCap       int      `yaml:"executor_concurrency_cap,omitempty"`
	ExecutorQueueCap             int      `yaml:"executor_queue_cap,omitempty"`
	HistoryRetained              int      `yaml:"history_retained,omitempty"`
	PersistenceEnabled           *bool    `yaml:"persistence_enabled,omitempty"`
	TransportReconnectGraceMS    int64    `yaml:"transport_reconnect_grace_ms,omitempty"`
	DiagnosisConfidenceThreshold *float64 `yaml:"diagnosis_confidence_threshold,omitempty"`
}

// SyllabusYAMLConfig holds syllabus settings from YAML.
type SyllabusYAMLConfig struct {
	Source         string   `yaml:"source,omitempty"`
	Path           string   `yaml:"path,omitempty"`
	RepoURL        string   `yaml:"repo_url,omitempty"`
	TokenEnv       string   `yaml:"token_env,omitempty"`
	CacheTTL       string   `yaml:"cache_ttl,omitempty"` // Parsed to time.Duration
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load tutord.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"listen_addr", cfg.Server.ListenAddr,
		"llm_provider", cfg.LLM.Provider,
		"syllabus_source", cfg.Syllabus.Source,
		"persistence_enabled", cfg.Session.PersistenceEnabled,
		"slack_enabled", cfg.Slack.Enabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadTutordYAML()
	if err != nil {
		return nil, NewLoadError("tutord.yaml", err)
	}

	// Resolve the LLM section by merging user values over defaults:
	// non-zero user fields win.
	llmCfg := DefaultLLMConfig()
	if yamlCfg.LLM != nil {
		if err := mergo.Merge(llmCfg, yamlCfg.LLM, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge llm config: %w", err)
		}
	}

	mcpCfg := yamlCfg.MCP
	if mcpCfg == nil {
		mcpCfg = &MCPConfig{}
	}

	return &Config{
		configDir: configDir,
		Server:    resolveServerConfig(yamlCfg.System),
		Session:   resolveSessionConfig(yamlCfg.Session),
		LLM:       llmCfg,
		MCP:       mcpCfg,
		Syllabus:  resolveSyllabusConfig(yamlCfg.Syllabus),
		Slack:     resolveSlackConfig(yamlCfg.System),
		Retention: resolveRetentionConfig(yamlCfg.System),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through the original data on parse/execution
	// errors so the YAML parser can produce the clearer message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadTutordYAML() (*TutordYAMLConfig, error) {
	var config TutordYAMLConfig
	if err := l.loadYAML("tutord.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// resolveServerConfig resolves server configuration from system YAML, applying defaults.
func resolveServerConfig(sys *SystemYAMLConfig) *ServerConfig {
	cfg := &ServerConfig{
		ListenAddr: ":8080",
	}

	if sys == nil {
		return cfg
	}
	if sys.ListenAddr != "" {
		cfg.ListenAddr = sys.ListenAddr
	}
	cfg.AllowedWSOrigins = sys.AllowedWSOrigins

	return cfg
}

// resolveSessionConfig resolves session configuration, applying built-in
// defaults for unset fields.
func resolveSessionConfig(y *SessionYAMLConfig) *SessionConfig {
	cfg := DefaultSessionConfig()
	if y == nil {
		return cfg
	}

	if y.ToolDeadlineMS > 0 {
		cfg.ToolDeadlineMS = y.ToolDeadlineMS
	}
	if y.InactivityMS > 0 {
		cfg.InactivityMS = y.InactivityMS
	}
	if y.TickMS > 0 {
		cfg.TickMS = y.TickMS
	}
	if y.ExecutorConcurrencyCap > 0 {
		cfg.ExecutorConcurrencyCap = y.ExecutorConcurrencyCap
	}
	if y.ExecutorQueueCap > 0 {
		cfg.ExecutorQueueCap = y.ExecutorQueueCap
	}
	if y.HistoryRetained > 0 {
		cfg.HistoryRetained = y.HistoryRetained
	}
	if y.PersistenceEnabled != nil {
		cfg.PersistenceEnabled = *y.PersistenceEnabled
	}
	if y.TransportReconnectGraceMS > 0 {
		cfg.TransportReconnectGraceMS = y.TransportReconnectGraceMS
	}
	if y.DiagnosisConfidenceThreshold != nil {
		cfg.DiagnosisConfidenceThreshold = *y.DiagnosisConfidenceThreshold
	}

	return cfg
}

// resolveSyllabusConfig resolves syllabus configuration from YAML, applying defaults.
func resolveSyllabusConfig(y *SyllabusYAMLConfig) *SyllabusConfig {
	cfg := &SyllabusConfig{
		Source:         SyllabusBuiltin,
		TokenEnv:       "GITHUB_TOKEN",
		CacheTTL:       1 * time.Minute,
		AllowedDomains: []string{"github.com", "raw.githubusercontent.com"},
	}

	if y == nil {
		return cfg
	}

	if y.Source != "" {
		cfg.Source = SyllabusSource(y.Source)
	}
	if y.Path != "" {
		cfg.Path = y.Path
	}
	if y.RepoURL != "" {
		cfg.RepoURL = y.RepoURL
	}
	if y.TokenEnv != "" {
		cfg.TokenEnv = y.TokenEnv
	}
	if y.CacheTTL != "" {
		if d, err := time.ParseDuration(y.CacheTTL); err == nil {
			cfg.CacheTTL = d
		} else {
			slog.Warn("Invalid cache_ttl in syllabus config, using default",
				"value", y.CacheTTL,
				"default", cfg.CacheTTL,
				"error", err)
		}
	}
	if len(y.AllowedDomains) > 0 {
		cfg.AllowedDomains = y.AllowedDomains
	}

	return cfg
}

// resolveSlackConfig resolves Slack configuration from system YAML, applying defaults.
func resolveSlackConfig(sys *SystemYAMLConfig) *SlackConfig {
	cfg := &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}

	if sys == nil || sys.Slack == nil {
		return cfg
	}

	s := sys.Slack
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.TokenEnv != "" {
		cfg.TokenEnv = s.TokenEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}
	if s.DashboardURL != "" {
		cfg.DashboardURL = s.DashboardURL
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.SessionRetentionDays > 0 {
		cfg.SessionRetentionDays = r.SessionRetentionDays
	}
	if r.StaleAfter != "" {
		if d, err := time.ParseDuration(r.StaleAfter); err == nil {
			cfg.StaleAfter = d
		} else {
			slog.Warn("Invalid stale_after in retention config, using default",
				"value", r.StaleAfter,
				"default", cfg.StaleAfter,
				"error", err)
		}
	}
	if r.CleanupInterval != "" {
		if d, err := time.ParseDuration(r.CleanupInterval); err == nil {
			cfg.CleanupInterval = d
		} else {
			slog.Warn("Invalid cleanup_interval in retention config, using default",
				"value", r.CleanupInterval,
				"default", cfg.CleanupInterval,
				"error", err)
		}
	}

	return cfg
}
