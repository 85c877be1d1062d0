package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// Unit is one dispatched piece of work: a node task under a unique id.
type Unit struct {
	ID   string   `json:"id"`
	Task NodeTask `json:"task"`
}

// Result is the completion signal of a Unit.
type Result struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Err    error           `json:"-"`
}

// TaskService executes units and reports their outcome to the waiting caller.
type TaskService interface {
	Dispatch(ctx context.Context, unit Unit) Result
}

// DispatchFunc adapts a function to TaskService.
type DispatchFunc func(ctx context.Context, unit Unit) Result

func (f DispatchFunc) Dispatch(ctx context.Context, unit Unit) Result { return f(ctx, unit) }

// NodeRunner executes a single node task.
type NodeRunner interface {
	ExecuteNode(ctx context.Context, task NodeTask) (json.RawMessage, error)
}

// PoolDispatcher runs units on a bounded WorkerPool.
type PoolDispatcher struct {
	pool   *WorkerPool
	runner NodeRunner
	logger *slog.Logger
}

// NewPoolDispatcher creates a dispatcher over pool.
func NewPoolDispatcher(pool *WorkerPool, runner NodeRunner, logger *slog.Logger) *PoolDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolDispatcher{pool: pool, runner: runner, logger: logger}
}

// Dispatch submits unit and blocks until it finishes. A unit that panics is
// reported as a failure.
func (d *PoolDispatcher) Dispatch(ctx context.Context, unit Unit) Result {
	start := time.Now()
	var output json.RawMessage

	done, err := d.pool.Submit(ctx, unit.ID, func(ctx context.Context) error {
		out, err := d.runner.ExecuteNode(ctx, unit.Task)
		output = out
		return err
	})
	if err != nil {
		return Result{Err: schema.NewErrorf(schema.ErrCodeNodeFailed, "dispatch unit %s: %s", unit.ID, err.Error()).
			WithNode(unit.Task.NodeID).WithCause(err)}
	}

	if err := <-done; err != nil {
		d.logger.WarnContext(ctx, "unit failed", "unit_id", unit.ID, "error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds())
		return Result{Err: err}
	}
	d.logger.DebugContext(ctx, "unit completed", "unit_id", unit.ID, "duration_ms", time.Since(start).Milliseconds())
	return Result{OK: true, Output: output}
}

// Metrics exposes the pool counters.
func (d *PoolDispatcher) Metrics() PoolMetrics {
	return d.pool.Metrics()
}

var _ TaskService = (*PoolDispatcher)(nil)
