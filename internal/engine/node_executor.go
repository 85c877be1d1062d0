package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/expressions"
	"github.com/rendis/galaxy/internal/logging"
	"github.com/rendis/galaxy/internal/providers"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/internal/streaming"
	"github.com/rendis/galaxy/pkg/schema"
)

// DefaultWaitTimeout bounds how long an llm node stays WAITING on a provider.
const DefaultWaitTimeout = 10 * time.Minute

// NodeTask is one node of one run handed to the execution unit.
type NodeTask struct {
	RunID    string          `json:"run_id"`
	NodeID   string          `json:"node_id"`
	NodeType string          `json:"node_type"`
	Input    json.RawMessage `json:"input"`
}

// NodeHandler performs the work of one node type. input has already passed
// the input contract. provider is reported when a provider served the node.
type NodeHandler func(ctx context.Context, task NodeTask, input any) (output any, provider string, err error)

// NodeExecutorConfig tunes provider-backed nodes.
type NodeExecutorConfig struct {
	RetryPerProvider int
	// ProviderTimeout bounds one provider attempt, submission and wait included.
	ProviderTimeout time.Duration
	// WaitTimeout bounds the WAITING phase of one attempt.
	WaitTimeout time.Duration
	Backoff     *schema.RetryPolicy
}

// NodeExecutorDeps are the collaborators of a NodeExecutor. Providers,
// Waitpoints, Engines, Breakers and Hub are optional.
type NodeExecutorDeps struct {
	Store      store.Store
	Contracts  *contracts.Registry
	Providers  *providers.Registry
	Waitpoints *Waitpoints
	Engines    *expressions.Engines
	Breakers   *CircuitBreakerRegistry
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// NodeExecutor validates, runs and records a single node.
type NodeExecutor struct {
	deps     NodeExecutorDeps
	cfg      NodeExecutorConfig
	nodes    *NodeFSM
	logger   *slog.Logger
	handlers map[string]NodeHandler
}

// NewNodeExecutor creates an executor with handlers for the built-in types.
func NewNodeExecutor(deps NodeExecutorDeps, cfg NodeExecutorConfig) *NodeExecutor {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.RetryPerProvider < 1 {
		cfg.RetryPerProvider = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Waitpoints == nil {
		deps.Waitpoints = NewWaitpoints()
	}

	e := &NodeExecutor{
		deps:   deps,
		cfg:    cfg,
		nodes:  NewNodeFSM(deps.Store, deps.Hub, logger),
		logger: logger,
	}
	e.handlers = map[string]NodeHandler{
		contracts.TypePrompt:    e.executePrompt,
		contracts.TypeImage:     e.executeImage,
		contracts.TypeTransform: e.executeTransform,
		contracts.TypeLLM:       e.executeLLM,
	}
	return e
}

// Handle registers or replaces the handler of a node type. The type must
// also have a contract in the registry. Not safe to call once nodes run.
func (e *NodeExecutor) Handle(nodeType string, h NodeHandler) {
	e.handlers[nodeType] = h
}

// Waitpoints returns the registry providers complete.
func (e *NodeExecutor) Waitpoints() *Waitpoints {
	return e.deps.Waitpoints
}

// ExecuteNode runs task through input check, work and output check, moving
// its NodeRun RUNNING -> (WAITING) -> COMPLETED, or FAILED on any error.
func (e *NodeExecutor) ExecuteNode(ctx context.Context, task NodeTask) (json.RawMessage, error) {
	ctx = logging.WithNodeID(logging.WithRunID(ctx, task.RunID), task.NodeID)
	persistCtx := context.WithoutCancel(ctx)
	start := time.Now()

	input, err := e.deps.Contracts.ParseInput(task.NodeType, task.Input)
	if err != nil {
		return nil, e.fail(persistCtx, task, err)
	}

	if err := e.nodes.Transition(persistCtx, task.RunID, task.NodeID, schema.NodeStatusQueued, schema.NodeStatusRunning,
		store.NodeRunUpdate{Input: task.Input}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "node started", "node_type", task.NodeType)

	handler, ok := e.handlers[task.NodeType]
	if !ok {
		return nil, e.fail(persistCtx, task, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
			"no handler for node type %q", task.NodeType).WithNode(task.NodeID))
	}

	out, provider, err := handler(ctx, task, input)
	if err != nil {
		return nil, e.fail(persistCtx, task, err)
	}

	raw, err := contracts.Encode(out)
	if err != nil {
		return nil, e.fail(persistCtx, task, err)
	}
	if _, err := e.deps.Contracts.ParseOutput(task.NodeType, raw); err != nil {
		return nil, e.fail(persistCtx, task, err)
	}

	update := store.NodeRunUpdate{Output: raw}
	if provider != "" {
		update.Provider = &provider
	}
	if err := e.nodes.Transition(persistCtx, task.RunID, task.NodeID, schema.NodeStatusRunning, schema.NodeStatusCompleted, update); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "node completed",
		"node_type", task.NodeType, "provider", provider, "duration_ms", time.Since(start).Milliseconds())
	return raw, nil
}

// fail records err on the node run and returns it unchanged.
func (e *NodeExecutor) fail(ctx context.Context, task NodeTask, err error) error {
	e.logger.ErrorContext(ctx, "node failed", "node_type", task.NodeType, "error", err.Error())
	if ferr := e.nodes.Fail(ctx, task.RunID, task.NodeID, err.Error()); ferr != nil {
		e.logger.ErrorContext(ctx, "could not mark node failed", "error", ferr.Error())
	}
	return err
}

func (e *NodeExecutor) executePrompt(_ context.Context, _ NodeTask, input any) (any, string, error) {
	in, err := contracts.Decode[contracts.PromptInput](input)
	if err != nil {
		return nil, "", err
	}
	return contracts.PromptOutput{Text: in.Text}, "", nil
}

func (e *NodeExecutor) executeImage(_ context.Context, _ NodeTask, input any) (any, string, error) {
	in, err := contracts.Decode[contracts.ImageData](input)
	if err != nil {
		return nil, "", err
	}
	return in, "", nil
}

func (e *NodeExecutor) executeTransform(ctx context.Context, task NodeTask, input any) (any, string, error) {
	if e.deps.Engines == nil {
		return nil, "", schema.NewError(schema.ErrCodeConfig, "transform nodes need expression engines").WithNode(task.NodeID)
	}
	in, err := contracts.Decode[contracts.TransformInput](input)
	if err != nil {
		return nil, "", err
	}
	v, err := e.deps.Engines.Evaluate(ctx, in.Engine, in.Expression, in.Data)
	if err != nil {
		return nil, "", err
	}
	return contracts.TransformOutput{Value: v}, "", nil
}

// executeLLM submits the prompt through the fallback engine. Each attempt
// parks the node in WAITING until the provider completes its waitpoint.
func (e *NodeExecutor) executeLLM(ctx context.Context, task NodeTask, input any) (any, string, error) {
	if e.deps.Providers == nil {
		return nil, "", schema.NewError(schema.ErrCodeNoProviders, "no provider registry configured").WithNode(task.NodeID)
	}
	in, err := contracts.Decode[contracts.LLMInput](input)
	if err != nil {
		return nil, "", err
	}

	persistCtx := context.WithoutCancel(ctx)
	guard := &attemptGuard{}

	res, err := ExecuteWithFallback(ctx, FallbackOptions{
		Providers:        in.Config.Providers,
		RetryPerProvider: e.cfg.RetryPerProvider,
		Timeout:          e.cfg.ProviderTimeout,
		Backoff:          e.cfg.Backoff,
		Breakers:         e.deps.Breakers,
		Logger:           e.logger,
		OnAttempt: func(ctx context.Context, a schema.ProviderAttempt) {
			e.recordAttempt(persistCtx, task, a)
		},
	}, func(ctx context.Context, provider string, attempt int) (string, error) {
		return e.submitAndWait(ctx, task, in, provider, attempt, guard, guard.begin())
	})
	guard.begin() // a timed-out attempt still unwinding must not touch status
	if err != nil {
		return nil, "", err
	}
	return contracts.LLMOutput{Text: res.Output, ProviderUsed: res.ProviderUsed}, res.ProviderUsed, nil
}

func (e *NodeExecutor) submitAndWait(ctx context.Context, task NodeTask, in contracts.LLMInput, provider string, attempt int, guard *attemptGuard, seq int64) (string, error) {
	persistCtx := context.WithoutCancel(ctx)

	p, err := e.deps.Providers.Get(provider)
	if err != nil {
		return "", err
	}

	wp := e.deps.Waitpoints.Create(map[string]string{
		"run_id":   task.RunID,
		"node_id":  task.NodeID,
		"provider": provider,
	}, e.cfg.WaitTimeout)

	sub, err := p.Submit(ctx, providers.SubmitRequest{
		RunID:       task.RunID,
		NodeID:      task.NodeID,
		Attempt:     attempt,
		Token:       wp.Token,
		Model:       in.Config.Model,
		Prompt:      in.Prompt,
		Images:      in.Images,
		Temperature: in.Config.Temperature,
	})
	if err != nil {
		e.deps.Waitpoints.Discard(wp.Token)
		return "", err
	}

	err = guard.ifCurrent(seq, func() error {
		return e.nodes.Transition(persistCtx, task.RunID, task.NodeID, schema.NodeStatusRunning, schema.NodeStatusWaiting,
			store.NodeRunUpdate{Provider: &provider})
	})
	if err != nil {
		e.deps.Waitpoints.Discard(wp.Token)
		return "", err
	}
	e.appendLog(persistCtx, task, schema.LogSubmitted, map[string]any{
		"provider":     provider,
		"attempt":      attempt,
		"token":        sub.Token,
		"callback_url": sub.CallbackURL,
		"request_id":   sub.RequestID,
	})
	e.logger.InfoContext(ctx, "node waiting on provider", "provider", provider, "attempt", attempt, "request_id", sub.RequestID)

	payload, waitErr := e.deps.Waitpoints.Wait(ctx, wp.Token)

	err = guard.ifCurrent(seq, func() error {
		return e.nodes.Transition(persistCtx, task.RunID, task.NodeID, schema.NodeStatusWaiting, schema.NodeStatusRunning,
			store.NodeRunUpdate{})
	})
	if err != nil {
		return "", err
	}
	if waitErr != nil {
		return "", waitErr
	}
	e.appendLog(persistCtx, task, schema.LogResumed, map[string]any{"provider": provider, "token": wp.Token})

	return decodeResume(task, payload)
}

// decodeResume checks a provider's resume payload carries the text output.
func decodeResume(task NodeTask, payload json.RawMessage) (string, error) {
	var resumed struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(payload, &resumed); err != nil || resumed.Text == nil {
		return "", schema.NewError(schema.ErrCodeContractViolation, "resume payload must be an object with a string text field").
			WithNode(task.NodeID).
			WithDetails(map[string]any{"node_type": task.NodeType, "direction": "resume", "payload": string(payload)})
	}
	return *resumed.Text, nil
}

func (e *NodeExecutor) recordAttempt(ctx context.Context, task NodeTask, a schema.ProviderAttempt) {
	if err := e.deps.Store.AppendProviderAttempt(ctx, task.RunID, task.NodeID, a); err != nil {
		e.logger.WarnContext(ctx, "could not record provider attempt", "error", err.Error())
	}
	if !a.OK {
		e.appendLog(ctx, task, schema.LogAttempt, map[string]any{
			"provider": a.Provider, "attempt": a.Attempt, "error": a.Error,
		})
	}
	publish(ctx, e.deps.Hub, e.logger, streaming.RunEvent{
		RunID:     task.RunID,
		NodeID:    task.NodeID,
		EventType: schema.EventProviderAttempt,
		Payload:   a,
	})
}

func (e *NodeExecutor) appendLog(ctx context.Context, task NodeTask, event string, fields map[string]any) {
	entry := store.NodeLog{Event: event, At: time.Now().UTC(), Fields: fields}
	if err := e.deps.Store.AppendNodeLog(ctx, task.RunID, task.NodeID, entry); err != nil {
		e.logger.WarnContext(ctx, "could not append node log", "event", event, "error", err.Error())
	}
}

// attemptGuard keeps an attempt that outlived its timeout from moving the
// node run's status after a newer attempt has started.
type attemptGuard struct {
	mu  sync.Mutex
	seq int64
}

func (g *attemptGuard) begin() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.seq
}

// ifCurrent runs fn only while seq is still the latest attempt.
func (g *attemptGuard) ifCurrent(seq int64, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seq != seq {
		return nil
	}
	return fn()
}
