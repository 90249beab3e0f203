package tools

import "context"

// StubClient implements Client with the deterministic fallbacks only. It is
// the provider used when no LLM or MCP backend is configured, and a
// convenient total provider for tests.
type StubClient struct{}

// NewStubClient creates a stub tool client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

func (s *StubClient) Invoke(ctx context.Context, call Call) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Fallback(call), nil
}

func (s *StubClient) Close() error { return nil }
