package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/studyhall/tutord/pkg/version"
)

// MCPConfig configures the MCP-backed tool client. Exactly one transport is
// selected: Command (stdio child process) when set, otherwise URL
// (streamable HTTP).
type MCPConfig struct {
	Command     string
	Args        []string
	Env         map[string]string
	URL         string
	BearerToken string
}

// MCPClient implements Client against an MCP server that hosts the
// pedagogical tool set under the contract tool names. ClientSession is
// safe for concurrent use, so one MCPClient serves all sessions.
type MCPClient struct {
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
	logger  *slog.Logger
}

// NewMCPClient connects to the configured MCP server.
func NewMCPClient(ctx context.Context, cfg MCPConfig) (*MCPClient, error) {
	transport, err := mcpTransport(cfg)
	if err != nil {
		return nil, err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.String(),
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP tool server: %w", err)
	}

	return &MCPClient{
		client:  client,
		session: session,
		logger:  slog.Default().With("component", "mcp-tool-client"),
	}, nil
}

func mcpTransport(cfg MCPConfig) (mcpsdk.Transport, error) {
	if cfg.Command != "" {
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	}
	if cfg.URL != "" {
		transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.BearerToken != "" {
			transport.HTTPClient = bearerHTTPClient(cfg.BearerToken)
		}
		return transport, nil
	}
	return nil, fmt.Errorf("MCP tool client requires command or url")
}

// Invoke calls the named tool on the MCP server and decodes its text
// content per the tool's output contract.
func (c *MCPClient) Invoke(ctx context.Context, call Call) (*Result, error) {
	if !call.Tool.Valid() {
		return nil, fmt.Errorf("unknown tool %q", call.Tool)
	}

	args, err := mcpArguments(call)
	if err != nil {
		return nil, err
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      string(call.Tool),
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call %s: %w", call.Tool, err)
	}

	text := extractTextContent(result)
	if result.IsError {
		return nil, fmt.Errorf("MCP tool %s failed: %s", call.Tool, text)
	}
	return decodeResult(call.Tool, text)
}

// Close terminates the MCP session.
func (c *MCPClient) Close() error {
	return c.session.Close()
}

// mcpArguments flattens a Call into the JSON argument object the server
// receives. The per-tool field names mirror the contract inputs.
func mcpArguments(call Call) (map[string]any, error) {
	payload := map[string]any{}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s argument %s: %w", call.Tool, key, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("rebuild %s argument %s: %w", call.Tool, key, err)
		}
		payload[key] = decoded
		return nil
	}

	if call.Topic != nil {
		if err := put("topic", call.Topic); err != nil {
			return nil, err
		}
	}
	if call.Question != nil {
		if err := put("question", call.Question); err != nil {
			return nil, err
		}
	}
	if call.Answer != nil {
		if err := put("answer_data", call.Answer); err != nil {
			return nil, err
		}
	}
	if call.Diagnosis != nil {
		if err := put("diagnosis", map[string]any{
			"error_category":     call.Diagnosis.Category,
			"confidence":         call.Diagnosis.Confidence,
			"suggested_approach": call.Diagnosis.RemediationHint,
		}); err != nil {
			return nil, err
		}
	}
	if len(call.History) > 0 {
		if err := put("history", call.History); err != nil {
			return nil, err
		}
	}
	if call.StudentAnswer != "" {
		payload["student_answer"] = call.StudentAnswer
	}
	if call.Message != "" {
		payload["message"] = call.Message
	}
	if call.Context != "" {
		payload["context"] = call.Context
	}
	return payload, nil
}

// extractTextContent concatenates the TextContent items of an MCP result.
// Non-text content is ignored.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func bearerHTTPClient(token string) *http.Client {
	return &http.Client{
		Transport: &bearerTokenTransport{base: http.DefaultTransport, token: token},
	}
}

// bearerTokenTransport adds an Authorization header to every request.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
