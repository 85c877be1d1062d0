package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/graph"
	"github.com/rendis/galaxy/internal/logging"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/internal/streaming"
	"github.com/rendis/galaxy/pkg/schema"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerMCP      = "mcp"
)

// RunDetails is a run together with its node runs and open waitpoints.
type RunDetails struct {
	Run        *store.Run       `json:"run"`
	Nodes      []*store.NodeRun `json:"nodes"`
	Waitpoints []Waitpoint      `json:"waitpoints,omitempty"`
}

// ServiceDeps are the collaborators of a Service. Hub and Events are optional.
type ServiceDeps struct {
	Store        store.Store
	Contracts    *contracts.Registry
	Orchestrator *Orchestrator
	Waitpoints   *Waitpoints
	Hub          streaming.EventHub
	Events       store.EventLog
	Logger       *slog.Logger
}

// Service is the engine's external API: workflow documents, run creation,
// triggering, cancellation, queries and provider resumes.
type Service struct {
	store      store.Store
	contracts  *contracts.Registry
	orch       *Orchestrator
	waitpoints *Waitpoints
	hub        streaming.EventHub
	events     store.EventLog
	logger     *slog.Logger

	// baseCtx parents background runs; cancelAll aborts them on forced shutdown.
	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	inflight map[string]chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewService creates a Service.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	waitpoints := deps.Waitpoints
	if waitpoints == nil {
		waitpoints = NewWaitpoints()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      deps.Store,
		contracts:  deps.Contracts,
		orch:       deps.Orchestrator,
		waitpoints: waitpoints,
		hub:        deps.Hub,
		events:     deps.Events,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelAll:  cancel,
		inflight:   make(map[string]chan struct{}),
	}
}

// --- Workflows ---

// Plan validates g and returns its execution order and parallel levels.
func (s *Service) Plan(g *schema.WorkflowGraph) (order []string, levels [][]string, err error) {
	order, err = graph.Validate(g, s.contracts)
	if err != nil {
		return nil, nil, err
	}
	return order, graph.Levels(order, g.Edges), nil
}

// SaveWorkflow validates and stores a workflow document. An empty ID is
// assigned a new one.
func (s *Service) SaveWorkflow(ctx context.Context, wf *store.Workflow) (*store.Workflow, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if _, err := graph.Validate(&wf.Graph, s.contracts); err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if existing, err := s.store.GetWorkflow(ctx, wf.ID); err == nil {
		wf.CreatedAt = existing.CreatedAt
	} else if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, storeError("save workflow", err)
	}
	s.logger.InfoContext(logging.WithWorkflowID(ctx, wf.ID), "workflow saved", "nodes", len(wf.Graph.Nodes))
	return wf, nil
}

// GetWorkflow returns a workflow or WORKFLOW_NOT_FOUND.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, workflowLookupError(id, err)
	}
	return wf, nil
}

// ListWorkflows lists stored workflows.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	wfs, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	return wfs, nil
}

// DeleteWorkflow removes a workflow. Its runs are kept.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return workflowLookupError(id, err)
	}
	return nil
}

// NodeTypes returns the contracts of every known node type.
func (s *Service) NodeTypes() []contracts.Contract {
	return s.contracts.Contracts()
}

// --- Runs ---

// CreateRun creates a QUEUED run with one QUEUED node run per graph node.
func (s *Service) CreateRun(ctx context.Context, workflowID, trigger string) (*store.Run, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if trigger == "" {
		trigger = TriggerManual
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     schema.RunStatusQueued,
		Trigger:    trigger,
		CreatedAt:  now,
	}
	nodes := make([]*store.NodeRun, len(wf.Graph.Nodes))
	for i, n := range wf.Graph.Nodes {
		nodes[i] = &store.NodeRun{
			RunID:     run.ID,
			NodeID:    n.ID,
			NodeType:  n.Type,
			Position:  i,
			Status:    schema.NodeStatusQueued,
			CreatedAt: now,
		}
	}
	if err := s.store.CreateRun(ctx, run, nodes); err != nil {
		return nil, storeError("create run", err)
	}

	ctx = logging.WithIDs(ctx, wf.ID, run.ID)
	publish(ctx, s.hub, s.logger, streaming.RunEvent{
		RunID:     run.ID,
		EventType: schema.EventRunQueued,
		Status:    string(run.Status),
		Payload:   map[string]any{"workflow_id": wf.ID, "trigger": trigger},
	})
	s.logger.InfoContext(ctx, "run queued", "trigger", trigger)
	return run, nil
}

// StartRun creates a run and executes it in the background.
func (s *Service) StartRun(ctx context.Context, workflowID, trigger string) (*store.Run, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errShuttingDown()
	}

	run, err := s.CreateRun(ctx, workflowID, trigger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errShuttingDown()
	}
	done := make(chan struct{})
	s.inflight[run.ID] = done
	s.wg.Add(1)
	s.mu.Unlock()

	runCtx := logging.WithIDs(s.baseCtx, run.WorkflowID, run.ID)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, run.ID)
			s.mu.Unlock()
			close(done)
			s.wg.Done()
		}()
		if _, err := s.orch.Execute(runCtx, run.ID); err != nil {
			s.logger.WarnContext(runCtx, "background run ended with error", "error", err.Error())
		}
	}()
	return run, nil
}

// RunSync creates a run and executes it on the caller's goroutine.
func (s *Service) RunSync(ctx context.Context, workflowID, trigger string) (*RunResult, error) {
	run, err := s.CreateRun(ctx, workflowID, trigger)
	if err != nil {
		return nil, err
	}
	return s.orch.Execute(logging.WithIDs(ctx, run.WorkflowID, run.ID), run.ID)
}

// CancelRun requests cancellation. The orchestrator observes it at its next
// checkpoint. Canceling a terminal run is a no-op.
func (s *Service) CancelRun(ctx context.Context, runID string) (*store.Run, error) {
	reason := "canceled by request"
	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, runLookupError(runID, err)
		}
		if run.Status.Terminal() {
			return run, nil
		}

		err = s.orch.Runs().Transition(ctx, runID, run.Status, schema.RunStatusCanceled, store.RunUpdate{Error: &reason})
		if schema.CodeOf(err) == schema.ErrCodeInvalidTransition {
			// Status moved between read and write; look again.
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.orch.Nodes().CancelQueued(ctx, runID); err != nil {
			return nil, storeError("cancel queued nodes", err)
		}
		s.logger.InfoContext(logging.WithIDs(ctx, run.WorkflowID, runID), "run cancel requested", "previous_status", string(run.Status))
		return s.store.GetRun(ctx, runID)
	}
}

// GetRun returns a run with its node runs and open waitpoints.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunDetails, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, runLookupError(runID, err)
	}
	nodes, err := s.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, storeError("list node runs", err)
	}
	details := &RunDetails{Run: run, Nodes: nodes}
	for _, wp := range s.waitpoints.Pending() {
		if wp.Tags["run_id"] == runID {
			details.Waitpoints = append(details.Waitpoints, wp)
		}
	}
	return details, nil
}

// ListRuns lists runs newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	return runs, nil
}

// ResumeNode delivers a provider's result to the node waiting on token.
func (s *Service) ResumeNode(ctx context.Context, token string, payload json.RawMessage) error {
	wp, _ := s.waitpoints.Get(token)
	if err := s.waitpoints.Complete(token, payload); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "waitpoint completed", "token", token, "run_id", wp.Tags["run_id"], "node_id", wp.Tags["node_id"])
	return nil
}

// Wait blocks until a background run finishes and returns its result. A run
// not executing in the background is returned as it stands.
func (s *Service) Wait(ctx context.Context, runID string) (*RunResult, error) {
	s.mu.Lock()
	done, ok := s.inflight[runID]
	s.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "wait canceled").WithCause(ctx.Err())
		}
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, runLookupError(runID, err)
	}
	return resultFromRun(run), nil
}

// InFlight reports whether runID is executing in the background.
func (s *Service) InFlight(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[runID]
	return ok
}

// Subscribe streams live events. The hub must be configured.
func (s *Service) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.RunEvent, func(), error) {
	if s.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeConfig, "no event hub configured")
	}
	return s.hub.Subscribe(ctx, filter)
}

// RunEvents returns the recorded events of runID with sequence > since.
func (s *Service) RunEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	if s.events == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "no event log configured")
	}
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, runLookupError(runID, err)
	}
	events, err := s.events.GetEvents(ctx, runID, since)
	if err != nil {
		return nil, storeError("list run events", err)
	}
	return events, nil
}

// Timeline replays the full recorded history of runID into per-node timelines.
func (s *Service) Timeline(ctx context.Context, runID string) (map[string]*store.NodeTimeline, error) {
	events, err := s.RunEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	return store.ReplayNodes(runID, events)
}

// Shutdown stops accepting background runs and waits for in-flight ones.
// When ctx ends first, in-flight runs are canceled and awaited.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelAll()
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, canceling in-flight runs")
		s.cancelAll()
		<-done
		return ctx.Err()
	}
}

func errShuttingDown() error {
	return schema.NewError(schema.ErrCodeCancelled, "service is shutting down")
}

func runLookupError(runID string, err error) error {
	if schema.IsNotFound(err) {
		return schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", runID).
			WithDetails(map[string]any{"run_id": runID}).WithCause(err)
	}
	return storeError("load run", err)
}

func workflowLookupError(id string, err error) error {
	if schema.IsNotFound(err) {
		return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", id).
			WithDetails(map[string]any{"workflow_id": id}).WithCause(err)
	}
	return storeError("load workflow", err)
}
