// Package diagnosis interprets diagnose_error tool output and decides the
// next pedagogical action. Every function here is total and deterministic,
// with no I/O and no logging, so the decision rules are unit-testable
// without any transport or tool dependency.
package diagnosis

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultConfidence substitutes for a missing or unparseable confidence.
const DefaultConfidence = 0.5

// DefaultThreshold is the Known/Unknown cutoff applied to confidence.
const DefaultThreshold = 0.5

// Payload is the diagnose_error output shape the session consumes.
// Confidence is kept untyped because providers return both numeric and
// numeric-string forms; Classify parses it.
type Payload struct {
	ErrorIdentified   bool   `json:"error_identified"`
	ErrorCategory     string `json:"error_category,omitempty"`
	ErrorDescription  string `json:"error_description,omitempty"`
	Misconception     string `json:"misconception,omitempty"`
	Confidence        any    `json:"confidence,omitempty"`
	SuggestedApproach string `json:"suggested_approach,omitempty"`
}

// Classification is the interpreted diagnosis. Known means the provider
// identified a specific error with sufficient confidence; otherwise the
// session falls back to guided dialogue.
type Classification struct {
	Known           bool
	Category        string
	Confidence      float64
	RemediationHint string
}

// Classify maps a diagnosis payload to Known or Unknown. Known requires
// error_identified and a parsed confidence of at least threshold.
func Classify(p Payload, threshold float64) Classification {
	confidence := ParseConfidence(p.Confidence)
	if p.ErrorIdentified && confidence >= threshold {
		return Classification{
			Known:           true,
			Category:        p.ErrorCategory,
			Confidence:      confidence,
			RemediationHint: p.SuggestedApproach,
		}
	}
	return Classification{Confidence: confidence}
}

// ParseConfidence accepts the confidence forms providers actually emit
// (float, int, json.Number, numeric string) and clamps the result to
// [0, 1]. Missing or unparseable values default to DefaultConfidence.
func ParseConfidence(v any) float64 {
	switch c := v.(type) {
	case nil:
		return DefaultConfidence
	case float64:
		return clamp(c)
	case float32:
		return clamp(float64(c))
	case int:
		return clamp(float64(c))
	case int64:
		return clamp(float64(c))
	case json.Number:
		if f, err := c.Float64(); err == nil {
			return clamp(f)
		}
		return DefaultConfidence
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil {
			return clamp(f)
		}
		return DefaultConfidence
	default:
		return DefaultConfidence
	}
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Level is the ordinal directness of a remediation.
type Level int

const (
	LevelSubtle Level = iota
	LevelModerate
	LevelExplicit
	LevelWorkedExample
)

func (l Level) String() string {
	switch l {
	case LevelSubtle:
		return "subtle"
	case LevelModerate:
		return "moderate"
	case LevelExplicit:
		return "explicit"
	case LevelWorkedExample:
		return "worked_example"
	default:
		return "unknown"
	}
}

// InterventionLevel selects how direct the next remediation should be,
// given how many attempts the learner has made on the current question and
// the diagnosis confidence.
func InterventionLevel(attemptCount int, confidence float64) Level {
	switch {
	case attemptCount <= 1:
		return LevelSubtle
	case attemptCount == 2:
		if confidence > 0.7 {
			return LevelModerate
		}
		return LevelSubtle
	case attemptCount == 3:
		return LevelModerate
	case attemptCount == 4:
		return LevelExplicit
	default:
		return LevelWorkedExample
	}
}

// NextInterventionLevel escalates one step. ok is false past the last
// level.
func NextInterventionLevel(l Level) (Level, bool) {
	switch l {
	case LevelSubtle:
		return LevelModerate, true
	case LevelModerate:
		return LevelExplicit, true
	case LevelExplicit:
		return LevelWorkedExample, true
	default:
		return l, false
	}
}
