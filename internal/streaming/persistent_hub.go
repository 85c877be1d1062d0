package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/galaxy/internal/store"
)

// PersistentHub records every published event in an event log before handing
// it to the wrapped hub, so history survives subscribers that were not
// listening.
type PersistentHub struct {
	next EventHub
	log  store.EventLog
}

// NewPersistentHub wraps next. A nil next records without live delivery.
func NewPersistentHub(next EventHub, log store.EventLog) *PersistentHub {
	return &PersistentHub{next: next, log: log}
}

var _ EventHub = (*PersistentHub)(nil)

// Publish appends event to the log and then forwards it. Live delivery still
// happens when the append fails; the append error is returned.
func (h *PersistentHub) Publish(ctx context.Context, event RunEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	var appendErr error
	payload, err := marshalPayload(event.Payload)
	if err != nil {
		appendErr = err
	} else {
		appendErr = h.log.AppendEvent(ctx, &store.Event{
			RunID:     event.RunID,
			NodeID:    event.NodeID,
			Type:      event.EventType,
			Status:    event.Status,
			Payload:   payload,
			Timestamp: event.At,
		})
	}

	if h.next != nil {
		if err := h.next.Publish(ctx, event); err != nil {
			return err
		}
	}
	if appendErr != nil {
		return fmt.Errorf("record event %s: %w", event.EventType, appendErr)
	}
	return nil
}

// Subscribe delegates to the wrapped hub.
func (h *PersistentHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if h.next == nil {
		return nil, nil, fmt.Errorf("persistent hub has no live delivery")
	}
	return h.next.Subscribe(ctx, filter)
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
