package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/galaxy/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Contract describes the input and output shape of one node type.
// Both schemas are JSON Schema 2020-12 documents.
type Contract struct {
	Type         string          `json:"type"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
}

// compiled pairs a contract with its compiled schemas.
type compiled struct {
	contract Contract
	input    *jsonschema.Schema
	output   *jsonschema.Schema
}

// Registry is the static, immutable mapping of node types to contracts.
// It is safe for concurrent use because nothing mutates it after NewRegistry.
type Registry struct {
	entries map[string]*compiled
	types   []string
}

// NewRegistry compiles every contract schema. An empty contract set and a
// duplicated type are configuration errors.
func NewRegistry(contracts ...Contract) (*Registry, error) {
	if len(contracts) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "contract registry requires at least one contract")
	}

	r := &Registry{entries: make(map[string]*compiled, len(contracts))}
	for _, c := range contracts {
		if c.Type == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "contract type is empty")
		}
		if _, exists := r.entries[c.Type]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "contract %q registered twice", c.Type)
		}
		in, err := compileSchema(c.Type+"/input", c.InputSchema)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "contract %q: invalid input schema", c.Type).WithCause(err)
		}
		out, err := compileSchema(c.Type+"/output", c.OutputSchema)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "contract %q: invalid output schema", c.Type).WithCause(err)
		}
		r.entries[c.Type] = &compiled{contract: c, input: in, output: out}
		r.types = append(r.types, c.Type)
	}
	sort.Strings(r.types)
	return r, nil
}

// Get returns the contract registered for nodeType.
func (r *Registry) Get(nodeType string) (Contract, error) {
	e, err := r.lookup(nodeType)
	if err != nil {
		return Contract{}, err
	}
	return e.contract, nil
}

// Has reports whether nodeType is registered.
func (r *Registry) Has(nodeType string) bool {
	_, ok := r.entries[nodeType]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, len(r.types))
	copy(out, r.types)
	return out
}

// Contracts returns all registered contracts ordered by type.
func (r *Registry) Contracts() []Contract {
	out := make([]Contract, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, r.entries[t].contract)
	}
	return out
}

// ParseInput validates raw against the input schema of nodeType and returns
// the decoded value.
func (r *Registry) ParseInput(nodeType string, raw json.RawMessage) (any, error) {
	e, err := r.lookup(nodeType)
	if err != nil {
		return nil, err
	}
	return parse(nodeType, "input", e.input, raw)
}

// ParseOutput validates raw against the output schema of nodeType and returns
// the decoded value.
func (r *Registry) ParseOutput(nodeType string, raw json.RawMessage) (any, error) {
	e, err := r.lookup(nodeType)
	if err != nil {
		return nil, err
	}
	return parse(nodeType, "output", e.output, raw)
}

func (r *Registry) lookup(nodeType string) (*compiled, error) {
	e, ok := r.entries[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "unknown node type %q", nodeType).
			WithDetails(map[string]any{"node_type": nodeType})
	}
	return e, nil
}

func parse(nodeType, direction string, s *jsonschema.Schema, raw json.RawMessage) (any, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeContractViolation, "%s %s is not valid JSON", nodeType, direction).
			WithCause(err).
			WithDetails(map[string]any{"node_type": nodeType, "direction": direction})
	}
	if err := s.Validate(doc); err != nil {
		return nil, toViolation(nodeType, direction, err)
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeContractViolation, "%s %s is not valid JSON", nodeType, direction).WithCause(err)
	}
	return value, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := "galaxy://contracts/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toViolation converts a jsonschema.ValidationError into a CONTRACT_VIOLATION
// that lists every leaf error with its instance location.
func toViolation(nodeType, direction string, err error) *schema.GalaxyError {
	details := map[string]any{"node_type": nodeType, "direction": direction}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeContractViolation, "%s %s: %s", nodeType, direction, err.Error()).
			WithDetails(details)
	}

	violations := collectViolations(verr)
	details["violations"] = violations
	if len(violations) == 1 {
		return schema.NewErrorf(schema.ErrCodeContractViolation, "%s %s: %s", nodeType, direction, violations[0]).
			WithDetails(details)
	}
	return schema.NewErrorf(schema.ErrCodeContractViolation, "%s %s failed with %d violations", nodeType, direction, len(violations)).
		WithDetails(details)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
