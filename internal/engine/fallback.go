package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// ProviderFunc performs one attempt of a unit of work against one provider.
type ProviderFunc[T any] func(ctx context.Context, provider string, attempt int) (T, error)

// FallbackOptions configures ExecuteWithFallback.
type FallbackOptions struct {
	// Providers are tried in order.
	Providers []string
	// RetryPerProvider is the number of attempts per provider. Values below 1 mean 1.
	RetryPerProvider int
	// Timeout bounds each attempt. Zero or negative disables the bound.
	Timeout time.Duration
	// Backoff is the delay policy between attempts against the same provider.
	Backoff *schema.RetryPolicy
	// Breakers, when set, short-circuits providers whose breaker is open.
	Breakers *CircuitBreakerRegistry
	// OnAttempt observes every attempt record as soon as it is final.
	OnAttempt func(ctx context.Context, attempt schema.ProviderAttempt)
	Logger    *slog.Logger
}

// FallbackResult is the outcome of ExecuteWithFallback. Attempts holds every
// attempt in order, including the failures before the successful one.
type FallbackResult[T any] struct {
	Output       T                        `json:"output"`
	ProviderUsed string                   `json:"provider_used,omitempty"`
	Attempts     []schema.ProviderAttempt `json:"attempts"`
}

// ExecuteWithFallback runs fn against each provider in order, retrying each
// up to RetryPerProvider times, and returns on the first success.
//
// A non-retryable error moves on to the next provider without using the
// remaining retries. Cancellation of ctx aborts the whole call. When every
// provider is exhausted the error is ALL_PROVIDERS_FAILED and the returned
// result still carries the full attempt log.
func ExecuteWithFallback[T any](ctx context.Context, opts FallbackOptions, fn ProviderFunc[T]) (*FallbackResult[T], error) {
	result := &FallbackResult[T]{}
	if len(opts.Providers) == 0 {
		return result, schema.NewError(schema.ErrCodeNoProviders, "no providers configured")
	}

	retries := opts.RetryPerProvider
	if retries < 1 {
		retries = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	record := func(a schema.ProviderAttempt) {
		result.Attempts = append(result.Attempts, a)
		if opts.OnAttempt != nil {
			opts.OnAttempt(ctx, a)
		}
	}

	var lastErr error
	for _, provider := range opts.Providers {
		for attempt := 1; attempt <= retries; attempt++ {
			if attempt > 1 {
				if err := WaitForBackoff(ctx, ComputeBackoff(opts.Backoff, attempt-2)); err != nil {
					return result, canceled(err)
				}
			}
			if err := ctx.Err(); err != nil {
				return result, canceled(err)
			}

			rec := schema.ProviderAttempt{Provider: provider, Attempt: attempt, StartedAt: time.Now().UTC()}

			if opts.Breakers != nil {
				if err := opts.Breakers.AllowRequest(provider); err != nil {
					finishAttempt(&rec, err)
					record(rec)
					lastErr = err
					logger.WarnContext(ctx, "provider skipped, circuit open", "provider", provider)
					break
				}
			}

			out, err := runAttempt(ctx, opts.Timeout, provider, attempt, fn)
			finishAttempt(&rec, err)
			record(rec)

			if err == nil {
				if opts.Breakers != nil {
					opts.Breakers.RecordSuccess(provider)
				}
				result.Output = out
				result.ProviderUsed = provider
				return result, nil
			}

			if opts.Breakers != nil {
				opts.Breakers.RecordFailure(provider)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, canceled(ctxErr)
			}

			lastErr = err
			logger.WarnContext(ctx, "provider attempt failed",
				"provider", provider, "attempt", attempt, "max_attempts", retries, "error", err.Error())

			if !IsRetryableError(err) {
				break
			}
		}
	}

	return result, schema.NewErrorf(schema.ErrCodeAllProvidersFail,
		"all providers failed after %d attempts", len(result.Attempts)).
		WithCause(lastErr).
		WithDetails(map[string]any{
			"providers": opts.Providers,
			"attempts":  result.Attempts,
		})
}

// runAttempt calls fn in its own goroutine so the timeout holds even when fn
// ignores its context.
func runAttempt[T any](ctx context.Context, timeout time.Duration, provider string, attempt int, fn ProviderFunc[T]) (T, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		out T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome{zero, schema.NewErrorf(schema.ErrCodeProviderAttempt, "provider %q panicked: %v", provider, r)}
			}
		}()
		out, err := fn(attemptCtx, provider, attempt)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return o.out, attemptTimeout(provider, attempt, timeout, o.err)
		}
		return o.out, o.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, attemptTimeout(provider, attempt, timeout, attemptCtx.Err())
	}
}

func attemptTimeout(provider string, attempt int, timeout time.Duration, cause error) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "provider %q attempt %d timed out after %s", provider, attempt, timeout).
		WithCause(cause).
		WithDetails(map[string]any{"provider": provider, "attempt": attempt})
}

func finishAttempt(rec *schema.ProviderAttempt, err error) {
	now := time.Now().UTC()
	rec.FinishedAt = &now
	rec.OK = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
}

func canceled(err error) error {
	return schema.NewError(schema.ErrCodeCancelled, "provider fallback canceled").WithCause(err)
}
