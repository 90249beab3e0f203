package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the LLM-backed tool client. BaseURL may point at
// any OpenAI-compatible endpoint (OpenAI, OpenRouter, a local server).
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// defaultModel is used when the config does not name one.
const defaultModel = "gpt-4o-mini"

// OpenAIClient implements Client over an OpenAI-compatible chat completion
// API. Safe for concurrent use.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewOpenAIClient creates an LLM-backed tool client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm tool client: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      slog.Default().With("component", "llm-tool-client"),
	}, nil
}

// Invoke runs one tool call as a single chat completion and decodes the
// response per the tool's output contract.
func (c *OpenAIClient) Invoke(ctx context.Context, call Call) (*Result, error) {
	if !call.Tool.Valid() {
		return nil, fmt.Errorf("unknown tool %q", call.Tool)
	}

	system, user := buildPrompt(call)

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if _, structured := jsonSystemPrompts[call.Tool]; structured {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion for %s: %w", call.Tool, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion for %s returned no choices", call.Tool)
	}

	result, err := decodeResult(call.Tool, resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("Tool output failed to decode",
			"tool", call.Tool,
			"model", c.model,
			"error", err)
		return nil, err
	}
	return result, nil
}

// Close implements Client. The underlying HTTP client needs no teardown.
func (c *OpenAIClient) Close() error {
	return nil
}
