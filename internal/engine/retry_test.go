package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rendis/galaxy/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("submit: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("upstream returned 502"), true},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "wait timed out"), true},
		{"store code", schema.NewError(schema.ErrCodeStore, "db locked"), true},
		{"attempt code", schema.NewError(schema.ErrCodeProviderAttempt, "boom"), true},
		{"contract violation", schema.NewError(schema.ErrCodeContractViolation, "bad output"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "gone"), false},
		{"config", schema.NewError(schema.ErrCodeConfig, "no key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"empty delay", &schema.RetryPolicy{Backoff: "exponential"}, 0, 0},
		{"invalid delay", &schema.RetryPolicy{Backoff: "constant", Delay: "soon"}, 0, 0},
		{"none", &schema.RetryPolicy{Backoff: "none", Delay: "1s"}, 3, 0},
		{"default is constant", &schema.RetryPolicy{Delay: "50ms"}, 4, 50 * time.Millisecond},
		{"constant", &schema.RetryPolicy{Backoff: "constant", Delay: "100ms"}, 2, 100 * time.Millisecond},
		{"linear 0", &schema.RetryPolicy{Backoff: "linear", Delay: "10ms"}, 0, 10 * time.Millisecond},
		{"linear 2", &schema.RetryPolicy{Backoff: "linear", Delay: "10ms"}, 2, 30 * time.Millisecond},
		{"exponential 0", &schema.RetryPolicy{Backoff: "exponential", Delay: "10ms"}, 0, 10 * time.Millisecond},
		{"exponential 3", &schema.RetryPolicy{Backoff: "exponential", Delay: "10ms"}, 3, 80 * time.Millisecond},
		{"capped", &schema.RetryPolicy{Backoff: "exponential", Delay: "1s", MaxDelay: "5s"}, 10, 5 * time.Second},
		{"bad cap ignored", &schema.RetryPolicy{Backoff: "linear", Delay: "1s", MaxDelay: "x"}, 1, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
