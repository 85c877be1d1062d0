package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/galaxy/pkg/schema"
)

// Waitpoint is a resumable suspension point handed to an asynchronous
// provider. The provider later completes it by token.
type Waitpoint struct {
	Token     string            `json:"token"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

type waitpointEntry struct {
	info      Waitpoint
	done      chan struct{}
	payload   json.RawMessage
	completed bool
}

// Waitpoints is the process-wide registry of open waitpoints.
type Waitpoints struct {
	mu      sync.Mutex
	entries map[string]*waitpointEntry
}

// NewWaitpoints creates an empty registry.
func NewWaitpoints() *Waitpoints {
	return &Waitpoints{entries: make(map[string]*waitpointEntry)}
}

// Create opens a waitpoint. A positive timeout bounds how long Wait blocks.
func (w *Waitpoints) Create(tags map[string]string, timeout time.Duration) Waitpoint {
	now := time.Now().UTC()
	info := Waitpoint{Token: uuid.NewString(), Tags: copyTags(tags), CreatedAt: now}
	if timeout > 0 {
		exp := now.Add(timeout)
		info.ExpiresAt = &exp
	}

	w.mu.Lock()
	w.entries[info.Token] = &waitpointEntry{info: info, done: make(chan struct{})}
	w.mu.Unlock()
	return info
}

// Complete resumes the waitpoint with payload. Completing an unknown or
// already completed token fails with NOT_FOUND.
func (w *Waitpoints) Complete(token string, payload json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[token]
	if !ok || e.completed {
		return waitpointNotFound(token)
	}
	e.completed = true
	e.payload = append(json.RawMessage(nil), payload...)
	close(e.done)
	return nil
}

// Wait blocks until the waitpoint is completed, its timeout elapses or ctx
// ends. The waitpoint is removed in every case.
func (w *Waitpoints) Wait(ctx context.Context, token string) (json.RawMessage, error) {
	w.mu.Lock()
	e, ok := w.entries[token]
	w.mu.Unlock()
	if !ok {
		return nil, waitpointNotFound(token)
	}
	defer w.remove(token)

	var expired <-chan time.Time
	if e.info.ExpiresAt != nil {
		timer := time.NewTimer(time.Until(*e.info.ExpiresAt))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
		return e.payload, nil
	case <-expired:
		// A completion racing the timer still wins.
		select {
		case <-e.done:
			return e.payload, nil
		default:
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "waitpoint %s timed out", token).
			WithDetails(map[string]any{"token": token, "tags": e.info.Tags})
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "wait for waitpoint %s canceled", token).WithCause(ctx.Err())
	}
}

// Get returns an open waitpoint.
func (w *Waitpoints) Get(token string) (Waitpoint, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[token]
	if !ok || e.completed {
		return Waitpoint{}, false
	}
	return e.info, true
}

// Pending lists open waitpoints, oldest first.
func (w *Waitpoints) Pending() []Waitpoint {
	w.mu.Lock()
	out := make([]Waitpoint, 0, len(w.entries))
	for _, e := range w.entries {
		if !e.completed {
			out = append(out, e.info)
		}
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (w *Waitpoints) remove(token string) {
	w.mu.Lock()
	delete(w.entries, token)
	w.mu.Unlock()
}

func waitpointNotFound(token string) *schema.GalaxyError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "waitpoint %q not found", token).
		WithDetails(map[string]any{"resource": "waitpoint", "id": token})
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Discard drops a waitpoint that will never be waited on.
func (w *Waitpoints) Discard(token string) {
	w.remove(token)
}
