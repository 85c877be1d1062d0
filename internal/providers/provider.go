// Package providers holds the asynchronous backends that serve llm nodes.
// A provider accepts a submission tagged with a waitpoint token and later
// resumes the node by completing that token.
package providers

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/pkg/schema"
)

// SubmitRequest is the work handed to a provider for one attempt.
type SubmitRequest struct {
	RunID       string                `json:"run_id"`
	NodeID      string                `json:"node_id"`
	Attempt     int                   `json:"attempt"`
	Token       string                `json:"token"`
	Model       string                `json:"model"`
	Prompt      string                `json:"prompt"`
	Images      []contracts.ImageData `json:"images,omitempty"`
	Temperature float64               `json:"temperature"`
}

// Submission describes accepted work. The node stays WAITING on Token until
// the provider completes it.
type Submission struct {
	Provider    string    `json:"provider"`
	Token       string    `json:"token"`
	RequestID   string    `json:"request_id"`
	CallbackURL string    `json:"callback_url,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Provider submits node work to an external backend.
type Provider interface {
	ID() string
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
}

// Completer resumes a waitpoint. The engine's waitpoint registry satisfies it.
type Completer interface {
	Complete(token string, payload json.RawMessage) error
}

// Registry maps provider ids to providers. It is immutable after construction.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry; duplicate or empty ids are a CONFIG_ERROR.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil || p.ID() == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "provider id is empty")
		}
		if _, dup := r.providers[p.ID()]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "provider %q registered twice", p.ID())
		}
		r.providers[p.ID()] = p
	}
	return r, nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "provider %q is not configured", id).
			WithDetails(map[string]any{"resource": "provider", "id": id})
	}
	return p, nil
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
