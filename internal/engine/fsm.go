package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/internal/streaming"
	"github.com/rendis/galaxy/pkg/schema"
)

// TransitionHook is called after an accepted transition has been persisted.
type TransitionHook func(ctx context.Context, from, to string)

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions, persists them and publishes them.
type RunFSM struct {
	mu     sync.RWMutex
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
	after  map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM. hub may be nil.
func NewRunFSM(s store.Store, hub streaming.EventHub, logger *slog.Logger) *RunFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunFSM{
		store:  s,
		hub:    hub,
		logger: logger,
		after:  make(map[runHookKey][]TransitionHook),
	}
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves a run from one status to another. The write is a
// compare-and-set on from, so a run canceled concurrently is never
// overwritten. update carries the extra fields to persist with the change.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, update store.RunUpdate) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	update.ExpectStatus = &from
	update.Status = &to
	if to.Terminal() && update.FinishedAt == nil {
		now := time.Now().UTC()
		update.FinishedAt = &now
	}
	if err := f.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}

	var payload any
	if update.Error != nil {
		payload = map[string]any{"error": *update.Error}
	}
	publish(ctx, f.hub, f.logger, streaming.RunEvent{
		RunID:     runID,
		EventType: runEventType(to),
		Status:    string(to),
		Payload:   payload,
	})

	f.mu.RLock()
	hooks := f.after[runHookKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, string(from), string(to))
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusQueued:
		return schema.EventRunQueued
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCanceled:
		return schema.EventRunCanceled
	default:
		return ""
	}
}

// --- Node FSM ---

// NodeFSM validates node run transitions, persists them and publishes them.
type NodeFSM struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewNodeFSM creates a NodeFSM. hub may be nil.
func NewNodeFSM(s store.Store, hub streaming.EventHub, logger *slog.Logger) *NodeFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeFSM{store: s, hub: hub, logger: logger}
}

// Transition moves a node run from one status to another. Like RunFSM the
// write is a compare-and-set on from, so a node run canceled in between
// stays canceled.
func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeStatus, update store.NodeRunUpdate) error {
	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	update.ExpectStatus = &from
	update.Status = &to
	now := time.Now().UTC()
	if to == schema.NodeStatusRunning && from == schema.NodeStatusQueued && update.StartedAt == nil {
		update.StartedAt = &now
	}
	if to.Terminal() && update.FinishedAt == nil {
		update.FinishedAt = &now
	}
	if err := f.store.UpdateNodeRun(ctx, runID, nodeID, update); err != nil {
		return err
	}

	var payload any
	switch {
	case update.Error != nil:
		payload = map[string]any{"error": *update.Error}
	case update.Provider != nil:
		payload = map[string]any{"provider": *update.Provider}
	}
	publish(ctx, f.hub, f.logger, streaming.RunEvent{
		RunID:     runID,
		NodeID:    nodeID,
		EventType: nodeEventType(from, to),
		Status:    string(to),
		Payload:   payload,
	})
	return nil
}

// Fail moves a node run to FAILED from whatever non-terminal status it is in.
// A node run that is already terminal is left alone.
func (f *NodeFSM) Fail(ctx context.Context, runID, nodeID, message string) error {
	nr, err := f.store.GetNodeRun(ctx, runID, nodeID)
	if err != nil {
		return err
	}
	if nr.Status.Terminal() {
		return nil
	}
	return f.Transition(ctx, runID, nodeID, nr.Status, schema.NodeStatusFailed, store.NodeRunUpdate{Error: &message})
}

// CancelQueued cancels every node run of runID still in QUEUED.
func (f *NodeFSM) CancelQueued(ctx context.Context, runID string) (int, error) {
	n, err := f.store.CancelQueuedNodeRuns(ctx, runID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		publish(ctx, f.hub, f.logger, streaming.RunEvent{
			RunID:     runID,
			EventType: schema.EventNodeCanceled,
			Status:    string(schema.NodeStatusCanceled),
			Payload:   map[string]any{"count": n},
		})
	}
	return n, nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	return slices.Contains(ValidNodeTransitions[from], to)
}

func nodeEventType(from, to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		if from == schema.NodeStatusWaiting {
			return schema.EventNodeResumed
		}
		return schema.EventNodeStarted
	case schema.NodeStatusWaiting:
		return schema.EventNodeWaiting
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusCanceled:
		return schema.EventNodeCanceled
	default:
		return ""
	}
}

// publish sends an event without letting hub failures affect the run.
func publish(ctx context.Context, hub streaming.EventHub, logger *slog.Logger, event streaming.RunEvent) {
	if hub == nil {
		return
	}
	if err := hub.Publish(context.WithoutCancel(ctx), event); err != nil {
		logger.WarnContext(ctx, "event publish failed", "event_type", event.EventType, "error", err)
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusQueued:    {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCanceled},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCanceled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCanceled:  {},
}

// ValidNodeTransitions defines the allowed state transitions for node runs.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusQueued:    {schema.NodeStatusRunning, schema.NodeStatusFailed, schema.NodeStatusCanceled},
	schema.NodeStatusRunning:   {schema.NodeStatusWaiting, schema.NodeStatusCompleted, schema.NodeStatusFailed},
	schema.NodeStatusWaiting:   {schema.NodeStatusRunning, schema.NodeStatusCompleted, schema.NodeStatusFailed},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusCanceled:  {},
}
