package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/expressions"
	"github.com/rendis/galaxy/internal/graph"
	"github.com/rendis/galaxy/internal/logging"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/internal/streaming"
	"github.com/rendis/galaxy/pkg/schema"
)

// RunResult is the outcome of Orchestrator.Execute.
type RunResult struct {
	RunID           string                     `json:"run_id"`
	WorkflowID      string                     `json:"workflow_id"`
	Status          schema.RunStatus           `json:"status"`
	ExecutionHandle string                     `json:"execution_handle,omitempty"`
	ExecutionOrder  []string                   `json:"execution_order,omitempty"`
	Context         map[string]json.RawMessage `json:"context,omitempty"`
	Error           string                     `json:"error,omitempty"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
}

// OrchestratorConfig holds orchestrator options.
type OrchestratorConfig struct {
	// StrictReferences fails a node whose $from names an output that is not
	// in the run context. By default such references resolve to {}.
	StrictReferences bool
}

// Orchestrator drives one run through its planned node order.
type Orchestrator struct {
	store     store.Store
	contracts *contracts.Registry
	tasks     TaskService
	runs      *RunFSM
	nodes     *NodeFSM
	jq        *expressions.GoJQEngine
	config    OrchestratorConfig
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. hub may be nil.
func NewOrchestrator(s store.Store, reg *contracts.Registry, tasks TaskService, hub streaming.EventHub, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     s,
		contracts: reg,
		tasks:     tasks,
		runs:      NewRunFSM(s, hub, logger),
		nodes:     NewNodeFSM(s, hub, logger),
		jq:        expressions.NewGoJQEngine(),
		config:    cfg,
		logger:    logger,
	}
}

// Runs exposes the run FSM so callers share its transition hooks.
func (o *Orchestrator) Runs() *RunFSM { return o.runs }

// Nodes exposes the node FSM.
func (o *Orchestrator) Nodes() *NodeFSM { return o.nodes }

// Execute runs a QUEUED run to a terminal state: QUEUED -> RUNNING ->
// COMPLETED | FAILED | CANCELED. Nodes run strictly one after another.
//
// Cancellation is observed at two checkpoints per node: before dispatch and
// after the dispatched unit returns. A CANCELED status written to the store
// and cancellation of ctx are both honoured there.
//
// The returned result reflects the persisted run. The error is non-nil when
// the run could not be loaded or ended FAILED.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (*RunResult, error) {
	persistCtx := context.WithoutCancel(ctx)

	run, err := o.store.GetRun(persistCtx, runID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", runID).
				WithDetails(map[string]any{"run_id": runID}).WithCause(err)
		}
		return nil, storeError("load run", err)
	}
	ctx = logging.WithIDs(ctx, run.WorkflowID, run.ID)

	if run.Status.Terminal() {
		return resultFromRun(run), nil
	}
	if run.Status != schema.RunStatusQueued {
		return resultFromRun(run), schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q is %s; only QUEUED runs can be executed", runID, run.Status)
	}

	wf, err := o.store.GetWorkflow(persistCtx, run.WorkflowID)
	if err != nil {
		if !schema.IsNotFound(err) {
			return resultFromRun(run), storeError("load workflow", err)
		}
		notFound := schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow not found").
			WithDetails(map[string]any{"workflow_id": run.WorkflowID}).WithCause(err)
		return o.failRun(ctx, runID, schema.RunStatusQueued, "workflow not found", nil, notFound)
	}

	order, err := graph.Validate(&wf.Graph, o.contracts)
	if err != nil {
		o.logger.WarnContext(ctx, "workflow graph rejected", "error", err.Error())
		return o.failRun(ctx, runID, schema.RunStatusQueued, errMessage(err), nil, err)
	}

	now := time.Now().UTC()
	handle := uuid.NewString()
	err = o.runs.Transition(persistCtx, runID, schema.RunStatusQueued, schema.RunStatusRunning, store.RunUpdate{
		StartedAt:       &now,
		ExecutionHandle: &handle,
		ExecutionOrder:  order,
		Graph:           &wf.Graph,
	})
	if err != nil {
		return o.afterLostTransition(ctx, runID, nil, err)
	}
	o.logger.InfoContext(ctx, "run started", "execution_handle", handle, "nodes", len(order))

	runContext := make(map[string]json.RawMessage, len(order))

	for _, nodeID := range order {
		if canceled, err := o.checkpoint(ctx, runID); err != nil {
			return o.resultOrError(persistCtx, runID, err)
		} else if canceled {
			return o.cancelRun(ctx, runID, runContext)
		}

		node := wf.Graph.Node(nodeID)
		nodeCtx := logging.WithNodeID(ctx, nodeID)

		input, err := o.resolveInput(nodeCtx, node, runContext)
		if err != nil {
			return o.failNode(nodeCtx, runID, node, runContext, err)
		}
		if _, err := o.contracts.ParseInput(node.Type, input); err != nil {
			return o.failNode(nodeCtx, runID, node, runContext, err)
		}

		res := o.tasks.Dispatch(nodeCtx, Unit{
			ID:   runID + "/" + nodeID,
			Task: NodeTask{RunID: runID, NodeID: nodeID, NodeType: node.Type, Input: input},
		})
		if !res.OK {
			// A cancel accepted while the unit was being dispatched makes the
			// unit lose its QUEUED -> RUNNING write; that is not a node failure.
			if canceled, _ := o.checkpoint(ctx, runID); canceled {
				return o.cancelRun(ctx, runID, runContext)
			}
			cause := res.Err
			if cause == nil {
				cause = errors.New("unit reported failure")
			}
			return o.failNode(nodeCtx, runID, node, runContext, cause)
		}

		if canceled, err := o.checkpoint(ctx, runID); err != nil {
			return o.resultOrError(persistCtx, runID, err)
		} else if canceled {
			return o.cancelRun(ctx, runID, runContext)
		}

		runContext[nodeID] = res.Output
		if err := o.completeNode(nodeCtx, runID, nodeID, res.Output); err != nil {
			return o.resultOrError(persistCtx, runID, err)
		}
		running := schema.RunStatusRunning
		if err := o.store.UpdateRun(persistCtx, runID, store.RunUpdate{ExpectStatus: &running, Context: runContext}); err != nil {
			// A concurrent cancel is picked up by the next checkpoint.
			if schema.CodeOf(err) != schema.ErrCodeInvalidTransition {
				return o.resultOrError(persistCtx, runID, storeError("persist run context", err))
			}
		}
	}

	err = o.runs.Transition(persistCtx, runID, schema.RunStatusRunning, schema.RunStatusCompleted, store.RunUpdate{Context: runContext})
	if err != nil {
		return o.afterLostTransition(ctx, runID, runContext, err)
	}
	o.logger.InfoContext(ctx, "run completed")
	return o.resultOrError(persistCtx, runID, nil)
}

// checkpoint reports whether the run must stop: its persisted status is
// CANCELED or ctx has been canceled.
func (o *Orchestrator) checkpoint(ctx context.Context, runID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	run, err := o.store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return false, storeError("checkpoint", err)
	}
	return run.Status == schema.RunStatusCanceled, nil
}

// cancelRun terminalizes a run stopped at a checkpoint. QUEUED node runs are
// canceled and the context accumulated so far is kept on the run.
func (o *Orchestrator) cancelRun(ctx context.Context, runID string, runContext map[string]json.RawMessage) (*RunResult, error) {
	persistCtx := context.WithoutCancel(ctx)

	n, err := o.nodes.CancelQueued(persistCtx, runID)
	if err != nil {
		return o.resultOrError(persistCtx, runID, storeError("cancel queued nodes", err))
	}

	reason := "run canceled"
	err = o.runs.Transition(persistCtx, runID, schema.RunStatusRunning, schema.RunStatusCanceled, store.RunUpdate{
		Context: runContext,
		Error:   &reason,
	})
	if err != nil && schema.CodeOf(err) != schema.ErrCodeInvalidTransition {
		return o.resultOrError(persistCtx, runID, err)
	}
	if err != nil {
		// Already CANCELED by an external request; keep the context with it.
		canceled := schema.RunStatusCanceled
		if uerr := o.store.UpdateRun(persistCtx, runID, store.RunUpdate{ExpectStatus: &canceled, Context: runContext}); uerr != nil {
			o.logger.WarnContext(ctx, "could not persist context of canceled run", "error", uerr.Error())
		}
	}

	o.logger.InfoContext(ctx, "run canceled", "canceled_nodes", n, "completed_nodes", len(runContext))
	return o.resultOrError(persistCtx, runID, nil)
}

// failNode marks the node and the run FAILED and stops the run.
func (o *Orchestrator) failNode(ctx context.Context, runID string, node *schema.NodeSpec, runContext map[string]json.RawMessage, cause error) (*RunResult, error) {
	persistCtx := context.WithoutCancel(ctx)
	msg := fmt.Sprintf("node %q (%s) failed: %s", node.ID, node.Type, errMessage(cause))

	if err := o.nodes.Fail(persistCtx, runID, node.ID, errMessage(cause)); err != nil {
		o.logger.ErrorContext(ctx, "could not mark node failed", "error", err.Error())
	}
	o.logger.ErrorContext(ctx, "node failed, aborting run", "node_type", node.Type, "error", errMessage(cause))

	failure := schema.NewError(schema.ErrCodeNodeFailed, msg).WithNode(node.ID).WithCause(cause)
	return o.failRun(ctx, runID, schema.RunStatusRunning, msg, runContext, failure)
}

// failRun persists a FAILED run with msg and returns failure.
func (o *Orchestrator) failRun(ctx context.Context, runID string, from schema.RunStatus, msg string, runContext map[string]json.RawMessage, failure error) (*RunResult, error) {
	persistCtx := context.WithoutCancel(ctx)
	err := o.runs.Transition(persistCtx, runID, from, schema.RunStatusFailed, store.RunUpdate{
		Error:   &msg,
		Context: runContext,
	})
	if err != nil {
		return o.afterLostTransition(ctx, runID, runContext, err)
	}
	// Nodes that never started will not start now.
	if _, cerr := o.nodes.CancelQueued(persistCtx, runID); cerr != nil {
		o.logger.WarnContext(ctx, "could not cancel queued nodes of failed run", "error", cerr.Error())
	}
	res, lerr := o.result(persistCtx, runID)
	if lerr != nil {
		return nil, lerr
	}
	return res, failure
}

// afterLostTransition handles a status write rejected because the stored
// status moved underneath us, which only an external cancel can do.
func (o *Orchestrator) afterLostTransition(ctx context.Context, runID string, runContext map[string]json.RawMessage, err error) (*RunResult, error) {
	persistCtx := context.WithoutCancel(ctx)
	if schema.CodeOf(err) != schema.ErrCodeInvalidTransition {
		return o.resultOrError(persistCtx, runID, err)
	}
	run, gerr := o.store.GetRun(persistCtx, runID)
	if gerr != nil {
		return nil, storeError("reload run", gerr)
	}
	if run.Status == schema.RunStatusCanceled {
		return o.cancelRun(ctx, runID, runContext)
	}
	return resultFromRun(run), err
}

// completeNode marks the node run COMPLETED unless the unit already did.
func (o *Orchestrator) completeNode(ctx context.Context, runID, nodeID string, output json.RawMessage) error {
	persistCtx := context.WithoutCancel(ctx)
	nr, err := o.store.GetNodeRun(persistCtx, runID, nodeID)
	if err != nil {
		return storeError("load node run", err)
	}
	if nr.Status == schema.NodeStatusCompleted {
		return nil
	}
	if nr.Status == schema.NodeStatusQueued {
		if err := o.nodes.Transition(persistCtx, runID, nodeID, schema.NodeStatusQueued, schema.NodeStatusRunning, store.NodeRunUpdate{}); err != nil {
			return err
		}
		nr.Status = schema.NodeStatusRunning
	}
	return o.nodes.Transition(persistCtx, runID, nodeID, nr.Status, schema.NodeStatusCompleted, store.NodeRunUpdate{Output: output})
}

// resolveInput replaces every {"$from": id} marker in the node's input with
// that node's output from the run context. An optional "$path" jq selector
// narrows the referenced output.
func (o *Orchestrator) resolveInput(ctx context.Context, node *schema.NodeSpec, runContext map[string]json.RawMessage) (json.RawMessage, error) {
	if len(node.Input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return o.resolveValue(ctx, node.ID, node.Input, runContext)
}

func (o *Orchestrator) resolveValue(ctx context.Context, nodeID string, raw json.RawMessage, runContext map[string]json.RawMessage) (json.RawMessage, error) {
	if ref, ok, err := schema.ParseInputRef(raw); err != nil {
		return nil, err
	} else if ok {
		return o.resolveRef(ctx, nodeID, ref, runContext)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		for k, v := range obj {
			resolved, err := o.resolveValue(ctx, nodeID, v, runContext)
			if err != nil {
				return nil, err
			}
			obj[k] = resolved
		}
		return json.Marshal(obj)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && arr != nil {
		for i, v := range arr {
			resolved, err := o.resolveValue(ctx, nodeID, v, runContext)
			if err != nil {
				return nil, err
			}
			arr[i] = resolved
		}
		return json.Marshal(arr)
	}

	return raw, nil
}

func (o *Orchestrator) resolveRef(ctx context.Context, nodeID string, ref schema.InputRef, runContext map[string]json.RawMessage) (json.RawMessage, error) {
	out, ok := runContext[ref.From]
	if !ok {
		if o.config.StrictReferences {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input references output of %q, which is not available", ref.From).
				WithNode(nodeID).
				WithDetails(map[string]any{"from": ref.From})
		}
		o.logger.WarnContext(ctx, "unresolved input reference, using {}", "from", ref.From)
		return json.RawMessage(`{}`), nil
	}
	if ref.Path == "" {
		return out, nil
	}

	var data any
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "output of %q is not valid JSON", ref.From).WithNode(nodeID).WithCause(err)
	}
	v, err := o.jq.Evaluate(ctx, ref.Path, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (o *Orchestrator) result(ctx context.Context, runID string) (*RunResult, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError("reload run", err)
	}
	return resultFromRun(run), nil
}

// resultOrError reloads the run and pairs it with err.
func (o *Orchestrator) resultOrError(ctx context.Context, runID string, err error) (*RunResult, error) {
	res, lerr := o.result(ctx, runID)
	if lerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, lerr
	}
	return res, err
}

func resultFromRun(run *store.Run) *RunResult {
	return &RunResult{
		RunID:           run.ID,
		WorkflowID:      run.WorkflowID,
		Status:          run.Status,
		ExecutionHandle: run.ExecutionHandle,
		ExecutionOrder:  run.ExecutionOrder,
		Context:         run.Context,
		Error:           run.Error,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}
}

// errMessage returns the human-readable part of err.
func errMessage(err error) string {
	var gErr *schema.GalaxyError
	if errors.As(err, &gErr) {
		return gErr.Message
	}
	return err.Error()
}

func storeError(op string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
