package schema

import (
	"bytes"
	"encoding/json"
	"time"
)

// WorkflowGraph is the wire-level execution shape of a workflow.
// UI-only fields (positions, styling) never reach the engine.
type WorkflowGraph struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`
}

// NodeSpec is one node of a workflow graph. Input is opaque until it is
// checked against the node type's contract.
type NodeSpec struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input,omitempty"`
}

// EdgeSpec states that From must complete before To may run.
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Node returns the node with the given id, or nil.
func (g *WorkflowGraph) Node(id string) *NodeSpec {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// InputRef is the marker object a node input uses to reference the output of
// another node: {"$from": "node-id"} or {"$from": "node-id", "$path": ".text"}.
type InputRef struct {
	From string `json:"$from"`
	Path string `json:"$path,omitempty"`
}

// ParseInputRef reports whether raw is a reference marker and returns it.
// An object carrying "$from" is a marker; a non-string "$from" or "$path"
// makes it a malformed one and yields a VALIDATION_ERROR.
func ParseInputRef(raw json.RawMessage) (InputRef, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return InputRef{}, false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return InputRef{}, false, nil
	}
	from, ok := fields["$from"]
	if !ok {
		return InputRef{}, false, nil
	}
	var ref InputRef
	if err := json.Unmarshal(from, &ref.From); err != nil {
		return InputRef{}, true, NewErrorf(ErrCodeValidation, "$from must be a node id string, got %s", from).
			WithDetails(map[string]any{"$from": string(from)})
	}
	if path, ok := fields["$path"]; ok {
		if err := json.Unmarshal(path, &ref.Path); err != nil {
			return InputRef{}, true, NewErrorf(ErrCodeValidation, "$path must be a jq selector string, got %s", path).
				WithDetails(map[string]any{"$from": ref.From, "$path": string(path)})
		}
	}
	return ref, true, nil
}

// RetryPolicy configures the delay between retries of one provider.
type RetryPolicy struct {
	Backoff  string `json:"backoff,omitempty"` // none | constant | linear | exponential (default: constant)
	Delay    string `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"`
}

// ProviderAttempt is an append-only record of one execution attempt against one provider.
type ProviderAttempt struct {
	Provider   string     `json:"provider"`
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OK         bool       `json:"ok"`
	Error      string     `json:"error,omitempty"`
}
