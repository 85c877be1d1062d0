package store

import (
	"context"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run, nodes []*NodeRun) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Node runs
	GetNodeRun(ctx context.Context, runID, nodeID string) (*NodeRun, error)
	ListNodeRuns(ctx context.Context, runID string) ([]*NodeRun, error)
	UpdateNodeRun(ctx context.Context, runID, nodeID string, update NodeRunUpdate) error
	// CancelQueuedNodeRuns moves every QUEUED node run of runID to CANCELED
	// and returns how many changed.
	CancelQueuedNodeRuns(ctx context.Context, runID string, at time.Time) (int, error)
	AppendNodeLog(ctx context.Context, runID, nodeID string, entry NodeLog) error
	AppendProviderAttempt(ctx context.Context, runID, nodeID string, attempt schema.ProviderAttempt) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.GalaxyError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id).
		WithDetails(map[string]any{"resource": resource, "id": id})
}

func staleNodeStatus(runID, nodeID string, expected, actual schema.NodeStatus) *schema.GalaxyError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"node run %s/%s is %s, expected %s", runID, nodeID, actual, expected).
		WithNode(nodeID).
		WithDetails(map[string]any{"run_id": runID, "expected": string(expected), "actual": string(actual)})
}

func staleStatus(id string, expected, actual schema.RunStatus) *schema.GalaxyError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"run %q is %s, expected %s", id, actual, expected).
		WithDetails(map[string]any{"run_id": id, "expected": string(expected), "actual": string(actual)})
}
