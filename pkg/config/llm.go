package config

import "os"

// ProviderType identifies the tool provider backend.
type ProviderType string

// Supported tool provider backends.
const (
	// ProviderOpenAI serves tool calls through an OpenAI-compatible
	// chat completion API.
	ProviderOpenAI ProviderType = "openai"

	// ProviderMCP serves tool calls through a Model Context Protocol
	// server (stdio or streamable HTTP).
	ProviderMCP ProviderType = "mcp"

	// ProviderStub serves every tool call from the deterministic
	// fallback content. Intended for development and demos.
	ProviderStub ProviderType = "stub"
)

// IsValid reports whether the provider type is one of the supported values.
func (p ProviderType) IsValid() bool {
	switch p {
	case ProviderOpenAI, ProviderMCP, ProviderStub:
		return true
	}
	return false
}

// LLMConfig configures the LLM-backed tool provider.
type LLMConfig struct {
	// Provider selects the backend: openai, mcp, or stub.
	Provider ProviderType `yaml:"provider"`

	// APIKeyEnv is the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the API endpoint, e.g. for a gateway or a
	// self-hosted OpenAI-compatible server. Empty means the default.
	BaseURL string `yaml:"base_url"`

	// Model is the chat completion model name.
	Model string `yaml:"model"`

	// Temperature for completions. Zero means the provider default.
	Temperature float32 `yaml:"temperature"`
}

// DefaultLLMConfig returns the built-in LLM defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:    ProviderOpenAI,
		APIKeyEnv:   "OPENAI_API_KEY",
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
	}
}

// APIKey resolves the API key from the configured environment variable.
func (c *LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// MCPConfig configures the MCP tool server connection. Exactly one of
// Command (stdio transport) or URL (streamable HTTP transport) is used.
type MCPConfig struct {
	// Command launches a local MCP server over stdio.
	Command string `yaml:"command"`

	// Args are passed to Command.
	Args []string `yaml:"args"`

	// Env entries (KEY=VALUE) are appended to the server's environment.
	Env []string `yaml:"env"`

	// URL of a streamable HTTP MCP endpoint.
	URL string `yaml:"url"`

	// BearerTokenEnv is the environment variable holding the bearer
	// token for HTTP transport. Empty means no authorization header.
	BearerTokenEnv string `yaml:"bearer_token_env"`
}

// BearerToken resolves the bearer token from the configured environment
// variable.
func (c *MCPConfig) BearerToken() string {
	if c.BearerTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.BearerTokenEnv)
}
