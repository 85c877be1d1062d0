package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// DefaultListLimit bounds list queries that do not set a limit.
const DefaultListLimit = 50

// Workflow is a persisted workflow document, already in execution shape.
type Workflow struct {
	ID        string               `json:"id"`
	Name      string               `json:"name,omitempty"`
	Graph     schema.WorkflowGraph `json:"graph"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Run is one execution of a workflow.
type Run struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	Status          schema.RunStatus `json:"status"`
	ExecutionHandle string           `json:"execution_handle,omitempty"`
	ExecutionOrder  []string         `json:"execution_order,omitempty"`
	// Graph is the workflow graph the run executed, set when it starts.
	Graph      *schema.WorkflowGraph      `json:"graph,omitempty"`
	Context    map[string]json.RawMessage `json:"context,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Trigger    string                     `json:"trigger,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	StartedAt  *time.Time                 `json:"started_at,omitempty"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
}

// NodeRun is the execution record of one node within one run.
type NodeRun struct {
	RunID      string                   `json:"run_id"`
	NodeID     string                   `json:"node_id"`
	NodeType   string                   `json:"node_type"`
	Position   int                      `json:"position"`
	Status     schema.NodeStatus        `json:"status"`
	Provider   string                   `json:"provider,omitempty"`
	Input      json.RawMessage          `json:"input,omitempty"`
	Output     json.RawMessage          `json:"output,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Logs       []NodeLog                `json:"logs,omitempty"`
	Attempts   []schema.ProviderAttempt `json:"attempts,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	StartedAt  *time.Time               `json:"started_at,omitempty"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

// NodeLog is an append-only entry in a node run's log.
type NodeLog struct {
	Event  string         `json:"event"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs. Results are newest first.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left unchanged.
// When ExpectStatus is set the update applies only if the stored status
// still equals it, and fails with INVALID_TRANSITION otherwise.
type RunUpdate struct {
	ExpectStatus    *schema.RunStatus          `json:"-"`
	Status          *schema.RunStatus          `json:"status,omitempty"`
	ExecutionHandle *string                    `json:"execution_handle,omitempty"`
	ExecutionOrder  []string                   `json:"execution_order,omitempty"`
	Graph           *schema.WorkflowGraph      `json:"graph,omitempty"`
	Context         map[string]json.RawMessage `json:"context,omitempty"`
	Error           *string                    `json:"error,omitempty"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
}

// NodeRunUpdate specifies mutable fields of a node run. ExpectStatus makes
// the update a compare-and-set on the stored status, as in RunUpdate.
type NodeRunUpdate struct {
	ExpectStatus *schema.NodeStatus `json:"-"`
	Status       *schema.NodeStatus `json:"status,omitempty"`
	Provider     *string            `json:"provider,omitempty"`
	Input        json.RawMessage    `json:"input,omitempty"`
	Output       json.RawMessage    `json:"output,omitempty"`
	Error        *string            `json:"error,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
