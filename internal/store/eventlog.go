package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// Event is one persisted entry of a run's event history.
type Event struct {
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"type"`
	Status    string          `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventLog is an append-only event history keyed by run. Sequences are
// assigned on append and are contiguous per run starting at 1.
type EventLog interface {
	AppendEvent(ctx context.Context, event *Event) error
	// GetEvents returns events of runID with sequence > since, oldest first.
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
}

var (
	_ EventLog = (*LibSQLStore)(nil)
	_ EventLog = (*MemoryStore)(nil)
)

// AppendEvent appends event with the next sequence of its run.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// BeginTx may start a deferred transaction; a write takes the lock before
	// the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("release write lock row: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	event.Timestamp = timeOrNow(event.Timestamp)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, node_id, event_type, status, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullStr(event.Status), nullRaw(event.Payload), event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, event_type, status, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e                       Event
			nodeID, status, payload sql.NullString
		)
		if err := rows.Scan(&e.RunID, &nodeID, &e.Type, &status, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.NodeID, e.Status = nodeID.String, status.String
		e.Payload = rawOrNil(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[event.RunID]
	event.Sequence = int64(len(events)) + 1
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	cp.Payload = slices.Clone(event.Payload)
	s.events[event.RunID] = append(events, &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence <= since {
			continue
		}
		cp := *e
		cp.Payload = slices.Clone(e.Payload)
		out = append(out, &cp)
	}
	return out, nil
}

// NodeTimeline is a node's state as reconstructed from the event history.
type NodeTimeline struct {
	NodeID     string            `json:"node_id"`
	Status     schema.NodeStatus `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Attempts   int               `json:"attempts"`
	Waits      int               `json:"waits"`
}

// ReplayNodes folds a run's events into per-node timelines. Events must be a
// complete history; a sequence gap is reported as a store error.
func ReplayNodes(runID string, events []*Event) (map[string]*NodeTimeline, error) {
	out := make(map[string]*NodeTimeline)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
		if e.NodeID == "" {
			continue
		}
		nt, ok := out[e.NodeID]
		if !ok {
			nt = &NodeTimeline{NodeID: e.NodeID, Status: schema.NodeStatusQueued}
			out[e.NodeID] = nt
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventNodeStarted:
			nt.Status = schema.NodeStatusRunning
			nt.StartedAt = &ts
		case schema.EventNodeWaiting:
			nt.Status = schema.NodeStatusWaiting
			nt.Waits++
		case schema.EventNodeResumed:
			nt.Status = schema.NodeStatusRunning
		case schema.EventProviderAttempt:
			nt.Attempts++
		case schema.EventNodeCompleted:
			nt.Status = schema.NodeStatusCompleted
			nt.FinishedAt = &ts
		case schema.EventNodeFailed:
			nt.Status = schema.NodeStatusFailed
			nt.FinishedAt = &ts
		case schema.EventNodeCanceled:
			nt.Status = schema.NodeStatusCanceled
			nt.FinishedAt = &ts
		}
	}
	return out, nil
}
