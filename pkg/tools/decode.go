package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/studyhall/tutord/pkg/diagnosis"
	"github.com/studyhall/tutord/pkg/models"
)

// decodeResult interprets a provider's raw text output for the given tool.
// Structured tools are parsed as JSON (tolerating markdown code fences);
// free-text tools return the text as-is. Fields beyond the contract are
// ignored; missing fields are left zero for the session's fallback rules.
func decodeResult(tool Name, raw string) (*Result, error) {
	text := strings.TrimSpace(raw)

	switch tool {
	case GenerateQuestion:
		var q models.Question
		if err := unmarshalLenient(text, &q); err != nil {
			return nil, fmt.Errorf("decode generate_question output: %w", err)
		}
		if q.Text == "" {
			return nil, fmt.Errorf("generate_question output missing text")
		}
		return &Result{Question: &q}, nil

	case CheckAnswer:
		var c CheckResult
		if err := unmarshalLenient(text, &c); err != nil {
			return nil, fmt.Errorf("decode check_answer output: %w", err)
		}
		return &Result{Check: &c}, nil

	case DiagnoseError:
		var d diagnosis.Payload
		if err := unmarshalLenient(text, &d); err != nil {
			return nil, fmt.Errorf("decode diagnose_error output: %w", err)
		}
		return &Result{Diagnosis: &d}, nil

	case ClassifyIntent:
		var payload struct {
			Intent string `json:"intent"`
		}
		if err := unmarshalLenient(text, &payload); err != nil {
			// Some providers return the bare label.
			return &Result{Intent: ParseIntent(strings.ToLower(text))}, nil
		}
		return &Result{Intent: ParseIntent(payload.Intent)}, nil

	case CreateRemediation, ExplainConcept, ProvideHint:
		if text == "" {
			return nil, fmt.Errorf("%s output is empty", tool)
		}
		return &Result{Text: text}, nil

	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
}

// unmarshalLenient parses JSON, stripping a surrounding markdown code fence
// if present.
func unmarshalLenient(text string, v any) error {
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	return json.Unmarshal([]byte(text), v)
}
