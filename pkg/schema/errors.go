package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateNodeID   = "DUPLICATE_NODE_ID"
	ErrCodeDanglingEdge      = "DANGLING_EDGE_REFERENCE"
	ErrCodeSelfLoop          = "SELF_LOOP"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeContractViolation = "CONTRACT_VIOLATION"
	ErrCodeProviderAttempt   = "PROVIDER_ATTEMPT_FAILED"
	ErrCodeAllProvidersFail  = "ALL_PROVIDERS_FAILED"
	ErrCodeNoProviders       = "NO_PROVIDERS_CONFIGURED"
	ErrCodeNodeFailed        = "NODE_EXECUTION_FAILED"
	ErrCodeRunNotFound       = "RUN_NOT_FOUND"
	ErrCodeWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// graphCodes are the codes produced by graph validation. They are always
// fatal to a run and surface before any node executes.
var graphCodes = map[string]bool{
	ErrCodeValidation:      true,
	ErrCodeDuplicateNodeID: true,
	ErrCodeDanglingEdge:    true,
	ErrCodeSelfLoop:        true,
	ErrCodeCycleDetected:   true,
	ErrCodeUnknownNodeType: true,
}

// nonRetryableCodes never benefit from another attempt against the same provider.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeContractViolation: true,
	ErrCodeUnknownNodeType:   true,
	ErrCodeNotFound:          true,
	ErrCodeInvalidTransition: true,
	ErrCodeExpression:        true,
	ErrCodeCircuitOpen:       true,
	ErrCodeCancelled:         true,
	ErrCodeConfig:            true,
	ErrCodeVault:             true,
}

// GalaxyError is the structured error type for all engine operations.
type GalaxyError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GalaxyError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GalaxyError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on another attempt.
func (e *GalaxyError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new GalaxyError.
func NewError(code, message string) *GalaxyError {
	return &GalaxyError{Code: code, Message: message}
}

// NewErrorf creates a new GalaxyError with a formatted message.
func NewErrorf(code, format string, args ...any) *GalaxyError {
	return &GalaxyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *GalaxyError) WithNode(nodeID string) *GalaxyError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *GalaxyError) WithCause(err error) *GalaxyError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GalaxyError) WithDetails(details map[string]any) *GalaxyError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first GalaxyError in err's chain, or "".
func CodeOf(err error) string {
	var gErr *GalaxyError
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	return ""
}

// IsGraphError reports whether err is a graph validation failure.
func IsGraphError(err error) bool {
	return graphCodes[CodeOf(err)]
}

// IsNotFound reports whether err is any of the not-found codes.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNotFound, ErrCodeRunNotFound, ErrCodeWorkflowNotFound:
		return true
	}
	return false
}
