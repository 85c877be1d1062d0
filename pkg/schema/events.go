package schema

// Event type constants published on the live event hub.
const (
	EventRunQueued    = "run_queued"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCanceled  = "run_canceled"

	EventNodeStarted   = "node_started"
	EventNodeWaiting   = "node_waiting"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeCanceled  = "node_canceled"

	EventProviderAttempt = "provider_attempt"
	EventNodeResumed     = "node_resumed"
)

// Node log events recorded on a NodeRun.
const (
	LogSubmitted = "submitted"
	LogResumed   = "resumed"
	LogAttempt   = "attempt"
	LogFailed    = "failed"
)

// RunStatus represents the lifecycle state of an execution run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// NodeStatus represents the lifecycle state of one node within a run.
type NodeStatus string

const (
	NodeStatusQueued    NodeStatus = "QUEUED"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusWaiting   NodeStatus = "WAITING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusCanceled  NodeStatus = "CANCELED"
)

// Terminal reports whether no further transitions are allowed.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusCanceled
}
