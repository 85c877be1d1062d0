package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// CircuitState is the state of one provider's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures every breaker in a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a point-in-time view of one provider's breaker.
type BreakerStats struct {
	Provider            string `json:"provider"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// advance moves an open breaker to half-open once its cooldown has elapsed.
// Callers hold cb.mu.
func (cb *circuitBreaker) advance() {
	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
}

// CircuitBreakerRegistry holds one breaker per provider id. It is shared by
// all runs of a process.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax < 1 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest returns nil when a call to provider may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(provider string) error {
	cb := r.get(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for provider %q after %d consecutive failures", provider, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"provider":             provider,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for provider %q: probe already in flight", provider).
				WithDetails(map[string]any{"provider": provider})
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the provider's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(provider string) {
	cb := r.get(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state. A failure
// while half-open reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(provider string) CircuitState {
	cb := r.get(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = time.Now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the provider's current state.
func (r *CircuitBreakerRegistry) GetState(provider string) CircuitState {
	cb := r.get(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Stats lists every breaker the registry has seen, ordered by provider.
func (r *CircuitBreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]BreakerStats, 0, len(names))
	for _, name := range names {
		cb := r.get(name)
		cb.mu.Lock()
		cb.advance()
		out = append(out, BreakerStats{
			Provider:            name,
			State:               cb.state.String(),
			ConsecutiveFailures: cb.consecutiveFailures,
			FailureThreshold:    cb.config.FailureThreshold,
		})
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) get(provider string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[provider]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed, config: r.config}
		r.breakers[provider] = cb
	}
	return cb
}
