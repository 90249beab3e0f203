package e2e

import (
	"context"
	"sync"

	"github.com/studyhall/tutord/pkg/diagnosis"
	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/tools"
)

// ToolScriptEntry defines a single scripted tool response.
type ToolScriptEntry struct {
	// Response content (at most one is set)
	Result *tools.Result // returned as-is
	Error  error         // returned instead of a result
	Panic  string        // panic inside Invoke; the executor must contain it

	// Test control
	BlockUntilCancelled bool            // block Invoke() until ctx is cancelled
	WaitCh              <-chan struct{} // block Invoke() until closed, then respond normally
	OnBlock             chan<- struct{} // notified when Invoke() enters its blocking path
}

// ScriptedToolClient implements tools.Client with per-tool FIFO scripts.
// A tool whose script is exhausted (or was never scripted) serves the
// deterministic fallback, so unscripted flows behave like the stub provider
// and long scenarios only script the calls they care about.
type ScriptedToolClient struct {
	mu      sync.Mutex
	script  map[tools.Name][]ToolScriptEntry
	index   map[tools.Name]int
	failAll error
	calls   []tools.Call
}

// NewScriptedToolClient creates an empty ScriptedToolClient.
func NewScriptedToolClient() *ScriptedToolClient {
	return &ScriptedToolClient{
		script: make(map[tools.Name][]ToolScriptEntry),
		index:  make(map[tools.Name]int),
	}
}

// Script appends entries to a tool's script, consumed in order.
func (c *ScriptedToolClient) Script(tool tools.Name, entries ...ToolScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[tool] = append(c.script[tool], entries...)
}

// FailWith makes every unscripted call fail with err instead of serving the
// fallback. Scripted entries still take precedence.
func (c *ScriptedToolClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAll = err
}

// Invoke implements tools.Client.
func (c *ScriptedToolClient) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	var entry ToolScriptEntry
	scripted := false
	if s := c.script[call.Tool]; c.index[call.Tool] < len(s) {
		entry = s[c.index[call.Tool]]
		c.index[call.Tool]++
		scripted = true
	}
	failAll := c.failAll
	c.mu.Unlock()

	if !scripted {
		if failAll != nil {
			return nil, failAll
		}
		return tools.Fallback(call), nil
	}

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
			// Released, respond normally.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if entry.Panic != "" {
		panic(entry.Panic)
	}
	if entry.Error != nil {
		return nil, entry.Error
	}
	if entry.Result != nil {
		return entry.Result, nil
	}
	return tools.Fallback(call), nil
}

// Close implements tools.Client.
func (c *ScriptedToolClient) Close() error { return nil }

// Calls returns a copy of every captured call, in invocation order.
func (c *ScriptedToolClient) Calls() []tools.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tools.Call(nil), c.calls...)
}

// CallCount returns how often a tool was invoked.
func (c *ScriptedToolClient) CallCount(tool tools.Name) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Tool == tool {
			n++
		}
	}
	return n
}

// --- script entry builders -------------------------------------------------

// QuestionEntry scripts a generate_question response.
func QuestionEntry(text, correctAnswer string) ToolScriptEntry {
	return ToolScriptEntry{Result: &tools.Result{Question: &models.Question{
		Text:          text,
		CorrectAnswer: correctAnswer,
		Type:          "short_answer",
		Difficulty:    "easy",
	}}}
}

// CheckEntry scripts a check_answer verdict.
func CheckEntry(isCorrect bool, feedback string) ToolScriptEntry {
	return ToolScriptEntry{Result: &tools.Result{Check: &tools.CheckResult{
		IsCorrect: isCorrect,
		Feedback:  feedback,
	}}}
}

// DiagnosisEntry scripts a diagnose_error payload.
func DiagnosisEntry(identified bool, category string, confidence float64) ToolScriptEntry {
	return ToolScriptEntry{Result: &tools.Result{Diagnosis: &diagnosis.Payload{
		ErrorIdentified: identified,
		ErrorCategory:   category,
		Confidence:      confidence,
	}}}
}

// TextEntry scripts a free-text response (remediation, hints, explanations).
func TextEntry(text string) ToolScriptEntry {
	return ToolScriptEntry{Result: &tools.Result{Text: text}}
}

// IntentEntry scripts a classify_intent label.
func IntentEntry(intent tools.Intent) ToolScriptEntry {
	return ToolScriptEntry{Result: &tools.Result{Intent: intent}}
}
