package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
)

// IsRetryableError reports whether another attempt against the same provider
// may succeed. Per-attempt timeouts are retryable; cancellation of the parent
// context and structured errors with non-retryable codes are not. Anything
// else is retried and left to the attempt budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gErr *schema.GalaxyError
	if errors.As(err, &gErr) {
		return gErr.IsRetryable()
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (zero based)
// of the same provider. Backoff kinds are none, constant (the default),
// linear and exponential; max_delay caps the result.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "none":
		return 0
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "exponential":
		delay = base << min(max(attempt, 0), maxBackoffShift)
	default:
		delay = base
	}
	return capDelay(delay, policy.MaxDelay)
}

// maxBackoffShift keeps exponential delays from overflowing.
const maxBackoffShift = 20

func capDelay(delay time.Duration, maxDelay string) time.Duration {
	limit, err := time.ParseDuration(maxDelay)
	if err != nil || limit <= 0 || delay <= limit {
		return delay
	}
	return limit
}

// WaitForBackoff sleeps for delay or returns the context error if ctx ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
