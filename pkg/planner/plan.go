package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoSteps is returned when a model reply contains no usable steps.
var ErrNoSteps = errors.New("planner: reply contains no steps")

// Request is what the planner is asked to plan for.
type Request struct {
	Goal        string `json:"goal"`
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Snapshot    string `json:"snapshot"`
}

// Step is one browser action.
type Step struct {
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Plan is the planner's answer to a Request.
type Plan struct {
	Steps     []Step `json:"steps"`
	Reasoning string `json:"reasoning,omitempty"`
	Model     string `json:"model"`
}

// Actions a step may name.
var knownActions = map[string]bool{
	"navigate": true,
	"click":    true,
	"fill":     true,
	"wait":     true,
	"extract":  true,
	"done":     true,
}

// parseSteps reads steps from a model reply. The reply may be a JSON
// object with a "steps" field or a bare array, optionally inside a
// markdown code fence.
func parseSteps(reply string) ([]Step, error) {
	body := unfence(strings.TrimSpace(reply))

	var steps []Step
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &steps); err != nil {
			return nil, fmt.Errorf("planner: decode steps: %w", err)
		}
	} else {
		var wrapped struct {
			Steps []Step `json:"steps"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("planner: decode steps: %w", err)
		}
		steps = wrapped.Steps
	}

	out := steps[:0]
	for _, s := range steps {
		s.Action = strings.ToLower(strings.TrimSpace(s.Action))
		if !knownActions[s.Action] {
			return nil, fmt.Errorf("planner: unknown action %q", s.Action)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, ErrNoSteps
	}
	return out, nil
}

// unfence strips a surrounding ``` or ```json fence.
func unfence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
