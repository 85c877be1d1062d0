package streaming

import (
	"context"
	"time"
)

// RunEvent is a live notification about a run or one of its nodes.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// EventFilter selects the events a subscriber receives. Zero values match all.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
