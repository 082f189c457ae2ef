package architect

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError reports a plan response that did not deserialise.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "failed to decode plan: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// validActions are the accepted values for a plan step's action field.
var validActions = map[string]bool{
	"create": true,
	"edit":   true,
	"delete": true,
}

// ParsePlan decodes the strong model's response text into a Plan. The
// first markdown-fenced block is used when present, otherwise the full
// trimmed text. A missing summary is synthesised from the plan length.
func ParsePlan(text string) (*Plan, error) {
	payload := extractJSON(text)
	if payload == "" {
		return nil, &DecodeError{Err: fmt.Errorf("empty plan response")}
	}

	var plan Plan
	decoder := json.NewDecoder(strings.NewReader(payload))
	if err := decoder.Decode(&plan); err != nil {
		return nil, &DecodeError{Err: err}
	}

	for i, step := range plan.Plan {
		if step.File == "" {
			return nil, &DecodeError{Err: fmt.Errorf("step %d: missing file", i+1)}
		}
		if !validActions[step.Action] {
			return nil, &DecodeError{Err: fmt.Errorf("step %d: invalid action %q", i+1, step.Action)}
		}
	}

	if plan.Summary == "" {
		plan.Summary = fmt.Sprintf("Plan with %d steps", len(plan.Plan))
	}
	return &plan, nil
}

// extractJSON strips a single markdown fence when present: the content
// of the first fenced block wins over surrounding prose. With no fence
// the whole trimmed text is returned.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)

	start := strings.Index(trimmed, "```")
	if start == -1 {
		return trimmed
	}
	rest := trimmed[start+3:]
	// Skip a language tag like ```json.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}
