package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/expressions"
	"github.com/rendis/galaxy/internal/providers"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/internal/streaming"
	"github.com/rendis/galaxy/pkg/schema"
)

// testEngine wires the full engine over an in-memory store.
type testEngine struct {
	store      *store.MemoryStore
	hub        *recordingHub
	contracts  *contracts.Registry
	waitpoints *Waitpoints
	executor   *NodeExecutor
	pool       *WorkerPool
	orch       *Orchestrator
	svc        *Service
}

type engineOptions struct {
	// providers builds the provider set; nil means mock fal, replicate and wavespeed.
	providers func(t *testing.T, wp *Waitpoints) []providers.Provider
	// wrap decorates the task service handed to the orchestrator.
	wrap     func(te *testEngine, next TaskService) TaskService
	executor NodeExecutorConfig
	orch     OrchestratorConfig
	// persistEvents records every event in the store's event log.
	persistEvents bool
}

func newTestEngine(t *testing.T, opts engineOptions) *testEngine {
	t.Helper()

	reg, err := contracts.NewBuiltinRegistry()
	require.NoError(t, err)

	te := &testEngine{
		store:      store.NewMemoryStore(),
		hub:        &recordingHub{},
		contracts:  reg,
		waitpoints: NewWaitpoints(),
	}

	build := opts.providers
	if build == nil {
		build = mockProviders
	}
	provs, err := providers.NewRegistry(build(t, te.waitpoints)...)
	require.NoError(t, err)

	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	var hub streaming.EventHub = te.hub
	if opts.persistEvents {
		hub = streaming.NewPersistentHub(te.hub, te.store)
	}

	te.executor = NewNodeExecutor(NodeExecutorDeps{
		Store:      te.store,
		Contracts:  reg,
		Providers:  provs,
		Waitpoints: te.waitpoints,
		Engines:    engines,
		Hub:        hub,
	}, opts.executor)

	te.pool = NewWorkerPool(4)
	var tasks TaskService = NewPoolDispatcher(te.pool, te.executor, nil)
	if opts.wrap != nil {
		tasks = opts.wrap(te, tasks)
	}

	te.orch = NewOrchestrator(te.store, reg, tasks, hub, opts.orch, nil)
	te.svc = NewService(ServiceDeps{
		Store:        te.store,
		Contracts:    reg,
		Orchestrator: te.orch,
		Waitpoints:   te.waitpoints,
		Hub:          hub,
		Events:       te.store,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = te.svc.Shutdown(ctx)
		te.pool.Shutdown()
	})
	return te
}

func mockProviders(t *testing.T, wp *Waitpoints) []providers.Provider {
	t.Helper()
	var out []providers.Provider
	for _, id := range contracts.KnownProviders {
		p, err := providers.NewCallbackProvider(providers.CallbackConfig{ID: id, MockMode: true}, wp)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func (te *testEngine) saveWorkflow(t *testing.T, nodes []schema.NodeSpec, edges ...schema.EdgeSpec) string {
	t.Helper()
	wf, err := te.svc.SaveWorkflow(context.Background(), &store.Workflow{
		Name:  t.Name(),
		Graph: schema.WorkflowGraph{Nodes: nodes, Edges: edges},
	})
	require.NoError(t, err)
	return wf.ID
}

func (te *testEngine) nodeRun(t *testing.T, runID, nodeID string) *store.NodeRun {
	t.Helper()
	nr, err := te.store.GetNodeRun(context.Background(), runID, nodeID)
	require.NoError(t, err)
	return nr
}

func node(id, nodeType, input string) schema.NodeSpec {
	return schema.NodeSpec{ID: id, Type: nodeType, Input: json.RawMessage(input)}
}

func edge(from, to string) schema.EdgeSpec {
	return schema.EdgeSpec{From: from, To: to}
}

// llmInput builds an llm node input whose prompt is the raw JSON value prompt.
func llmInput(prompt string, providerIDs ...string) string {
	if providerIDs == nil {
		providerIDs = []string{}
	}
	ids, _ := json.Marshal(providerIDs)
	return `{"prompt":` + prompt + `,"config":{"model":"test-model","temperature":0.2,"providers":` + string(ids) + `}}`
}

func logEvents(nr *store.NodeRun) []string {
	out := make([]string, len(nr.Logs))
	for i, l := range nr.Logs {
		out[i] = l.Event
	}
	return out
}
