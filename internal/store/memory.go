package store

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// MemoryStore is a goroutine-safe Store backed by maps. Values are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*Run
	nodeRuns  map[string]map[string]*NodeRun // run id -> node id -> node run
	events    map[string][]*Event
	secrets   map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*Run),
		nodeRuns:  make(map[string]map[string]*NodeRun),
		events:    make(map[string][]*Event),
		secrets:   make(map[string][]byte),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- Workflows ---

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := cloneWorkflow(wf)
	if existing, ok := s.workflows[wf.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = timeOrNow(cp.CreatedAt)
	}
	cp.UpdatedAt = now
	s.workflows[wf.ID] = cp
	wf.CreatedAt, wf.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return cloneWorkflow(wf), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(_ context.Context, run *Run, nodes []*NodeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeStore, "run %q already exists", run.ID)
	}

	cp := cloneRun(run)
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	run.CreatedAt = cp.CreatedAt
	s.runs[run.ID] = cp

	byNode := make(map[string]*NodeRun, len(nodes))
	for i, n := range nodes {
		nr := cloneNodeRun(n)
		nr.RunID = run.ID
		nr.Position = i
		nr.CreatedAt = cp.CreatedAt
		byNode[n.NodeID] = nr
	}
	s.nodeRuns[run.ID] = byNode
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.ExpectStatus != nil && run.Status != *update.ExpectStatus {
		return staleStatus(id, *update.ExpectStatus, run.Status)
	}

	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.ExecutionHandle != nil {
		run.ExecutionHandle = *update.ExecutionHandle
	}
	if update.ExecutionOrder != nil {
		run.ExecutionOrder = slices.Clone(update.ExecutionOrder)
	}
	if update.Graph != nil {
		run.Graph = cloneGraph(update.Graph)
	}
	if update.Context != nil {
		run.Context = cloneContext(update.Context)
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		run.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		run.FinishedAt = &t
	}
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Run
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// --- Node runs ---

func (s *MemoryStore) GetNodeRun(_ context.Context, runID, nodeID string) (*NodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nr, err := s.nodeRun(runID, nodeID)
	if err != nil {
		return nil, err
	}
	return cloneNodeRun(nr), nil
}

func (s *MemoryStore) ListNodeRuns(_ context.Context, runID string) ([]*NodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNode := s.nodeRuns[runID]
	out := make([]*NodeRun, 0, len(byNode))
	for _, nr := range byNode {
		out = append(out, cloneNodeRun(nr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) UpdateNodeRun(_ context.Context, runID, nodeID string, update NodeRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nr, err := s.nodeRun(runID, nodeID)
	if err != nil {
		return err
	}
	if update.ExpectStatus != nil && nr.Status != *update.ExpectStatus {
		return staleNodeStatus(runID, nodeID, *update.ExpectStatus, nr.Status)
	}
	if update.Status != nil {
		nr.Status = *update.Status
	}
	if update.Provider != nil {
		nr.Provider = *update.Provider
	}
	if update.Input != nil {
		nr.Input = slices.Clone(update.Input)
	}
	if update.Output != nil {
		nr.Output = slices.Clone(update.Output)
	}
	if update.Error != nil {
		nr.Error = *update.Error
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		nr.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		nr.FinishedAt = &t
	}
	return nil
}

func (s *MemoryStore) CancelQueuedNodeRuns(_ context.Context, runID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, nr := range s.nodeRuns[runID] {
		if nr.Status != schema.NodeStatusQueued {
			continue
		}
		t := at
		nr.Status = schema.NodeStatusCanceled
		nr.FinishedAt = &t
		n++
	}
	return n, nil
}

func (s *MemoryStore) AppendNodeLog(_ context.Context, runID, nodeID string, entry NodeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nr, err := s.nodeRun(runID, nodeID)
	if err != nil {
		return err
	}
	entry.At = timeOrNow(entry.At)
	entry.Fields = maps.Clone(entry.Fields)
	nr.Logs = append(nr.Logs, entry)
	return nil
}

func (s *MemoryStore) AppendProviderAttempt(_ context.Context, runID, nodeID string, attempt schema.ProviderAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nr, err := s.nodeRun(runID, nodeID)
	if err != nil {
		return err
	}
	nr.Attempts = append(nr.Attempts, cloneAttempt(attempt))
	return nil
}

func (s *MemoryStore) nodeRun(runID, nodeID string) (*NodeRun, error) {
	nr, ok := s.nodeRuns[runID][nodeID]
	if !ok {
		return nil, storeNotFound("node run", runID+"/"+nodeID)
	}
	return nr, nil
}

// --- copies ---

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if l := limitOrDefault(limit); len(items) > l {
		items = items[:l]
	}
	return items
}

func cloneWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	cp.Graph = cloneGraph(wf.Graph)
	return &cp
}

func cloneGraph(g schema.WorkflowGraph) schema.WorkflowGraph {
	out := schema.WorkflowGraph{
		Nodes: make([]schema.NodeSpec, len(g.Nodes)),
		Edges: slices.Clone(g.Edges),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = schema.NodeSpec{ID: n.ID, Type: n.Type, Input: slices.Clone(n.Input)}
	}
	return out
}

func cloneRun(r *Run) *Run {
	cp := *r
	cp.ExecutionOrder = slices.Clone(r.ExecutionOrder)
	cp.Graph = cloneGraph(r.Graph)
	cp.Context = cloneContext(r.Context)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.FinishedAt = cloneTime(r.FinishedAt)
	return &cp
}

func cloneGraph(g *schema.WorkflowGraph) *schema.WorkflowGraph {
	if g == nil {
		return nil
	}
	cp := &schema.WorkflowGraph{
		Nodes: make([]schema.NodeSpec, len(g.Nodes)),
		Edges: slices.Clone(g.Edges),
	}
	for i, n := range g.Nodes {
		n.Input = slices.Clone(n.Input)
		cp.Nodes[i] = n
	}
	return cp
}

func cloneNodeRun(n *NodeRun) *NodeRun {
	cp := *n
	cp.Input = slices.Clone(n.Input)
	cp.Output = slices.Clone(n.Output)
	cp.StartedAt = cloneTime(n.StartedAt)
	cp.FinishedAt = cloneTime(n.FinishedAt)
	cp.Logs = make([]NodeLog, len(n.Logs))
	for i, l := range n.Logs {
		cp.Logs[i] = NodeLog{Event: l.Event, At: l.At, Fields: maps.Clone(l.Fields)}
	}
	cp.Attempts = make([]schema.ProviderAttempt, len(n.Attempts))
	for i, a := range n.Attempts {
		cp.Attempts[i] = cloneAttempt(a)
	}
	return &cp
}

func cloneAttempt(a schema.ProviderAttempt) schema.ProviderAttempt {
	a.FinishedAt = cloneTime(a.FinishedAt)
	return a
}

func cloneContext(c map[string]json.RawMessage) map[string]json.RawMessage {
	if c == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(c))
	for k, v := range c {
		out[k] = slices.Clone(v)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
