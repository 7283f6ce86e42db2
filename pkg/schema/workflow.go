package schema

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Graph is the JSON-serializable workflow format: a list of typed steps
// and the directed edges between them.
type Graph struct {
	Name     string         `json:"name,omitempty"`
	Entry    string         `json:"entry,omitempty"` // optional; defaults to every step with no incoming edge
	Steps    []Step         `json:"steps"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Step is a single node of the graph. Config is opaque to the engine and
// decoded by the handler registered for Type; the common options in
// StepOptions are decoded from the same payload.
type Step struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects two steps. SourceHandle selects the outgoing port on
// switch and loop steps.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Well-known edge handles.
const (
	HandleDefault = "default"
	HandleBody    = "body"
	HandleDone    = "done"
)

// DefaultTimeoutMs bounds every blocking operation that does not set its own timeout.
const DefaultTimeoutMs = 30000

// StepOptions are the fields every step config may carry regardless of type.
type StepOptions struct {
	Timeout            Expr         `json:"timeout,omitempty"` // ms
	FailSilently       bool         `json:"failSilently,omitempty"`
	Retry              *RetryPolicy `json:"retry,omitempty"`
	Wait               *WaitSpec    `json:"wait,omitempty"`
	WaitAfterOperation bool         `json:"waitAfterOperation,omitempty"`
}

// DecodeStepOptions extracts the common options from a step config.
func DecodeStepOptions(raw json.RawMessage) (StepOptions, error) {
	var opts StepOptions
	if len(bytes.TrimSpace(raw)) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, NewErrorf(ErrCodeConfig, "invalid step options: %s", err.Error()).WithCause(err)
	}
	return opts, nil
}

// SelectedHandleKey is the data key a switch step writes its chosen handle to.
func SelectedHandleKey(stepID string) string {
	return stepID + ".selectedHandle"
}

// LoopStateKey is the data key a loop step seeds its iteration state into.
func LoopStateKey(stepID string) string {
	return stepID + ".loop"
}

// Expr is a config value given either as a JSON literal or as a string that
// may contain ${{...}} references. It keeps the raw text so the value can be
// re-interpolated against the run context right before each use.
type Expr string

// UnmarshalJSON accepts strings, numbers, and booleans.
func (e *Expr) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*e = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = Expr(s)
	default:
		*e = Expr(b)
	}
	return nil
}

// MarshalJSON emits numbers and booleans unquoted.
func (e Expr) MarshalJSON() ([]byte, error) {
	s := string(e)
	if s == "true" || s == "false" {
		return []byte(s), nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

// IsZero reports whether the value was left unset.
func (e Expr) IsZero() bool {
	return strings.TrimSpace(string(e)) == ""
}

// IntExpr builds an Expr from an integer literal.
func IntExpr(n int) Expr {
	return Expr(strconv.Itoa(n))
}
