package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestWorkerPool_RunsUnit(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Bool
	done, err := pool.Submit(context.Background(), "run-1/p1", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.True(t, ran.Load())

	pool.Wait()
	m := pool.Metrics()
	assert.Equal(t, 2, m.Size)
	assert.Equal(t, int64(1), m.Completed)
	assert.Empty(t, m.Running)
}

func TestWorkerPool_ResultCarriesError(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	providerDown := errors.New("provider down")
	done, err := pool.Submit(context.Background(), "run-1/l1", func(context.Context) error {
		return providerDown
	})
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, providerDown)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for i := range 10 {
		_, err := pool.Submit(context.Background(), fmt.Sprintf("u%d", i), func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Positive(t, peak.Load())
}

func TestWorkerPool_SubmitBlocksWhenFull(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := pool.Submit(context.Background(), "slow", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	submitted := make(chan struct{})
	go func() {
		_, _ = pool.Submit(context.Background(), "next", noop)
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit never got a slot")
	}
	pool.Wait()
}

func TestWorkerPool_ReportsRunningUnits(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for _, id := range []string{"run-2/l1", "run-1/p1"} {
		_, err := pool.Submit(context.Background(), id, func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
		require.NoError(t, err)
	}
	<-started
	<-started

	m := pool.Metrics()
	assert.Equal(t, int64(2), m.Active)
	assert.Equal(t, []string{"run-1/p1", "run-2/l1"}, m.Running)

	close(release)
	pool.Wait()
	assert.Nil(t, pool.Metrics().Running)
}

func TestWorkerPool_PanicBecomesError(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	done, err := pool.Submit(context.Background(), "run-1/t1", func(context.Context) error {
		panic("bad expression")
	})
	require.NoError(t, err)

	var panicErr *PanicError
	require.ErrorAs(t, <-done, &panicErr)
	assert.Equal(t, "run-1/t1", panicErr.UnitID)
	assert.Equal(t, "bad expression", panicErr.Value)
	assert.Equal(t, "unit run-1/t1 panicked: bad expression", panicErr.Error())

	pool.Wait()
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	done, err = pool.Submit(context.Background(), "run-1/t2", noop)
	require.NoError(t, err)
	assert.NoError(t, <-done)
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	_, err := pool.Submit(context.Background(), "busy", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Submit(ctx, "waiting", noop)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit ignored context cancellation")
	}
	close(release)
	pool.Wait()
}

func TestWorkerPool_ShutdownDrains(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished atomic.Int64
	for i := range 5 {
		_, err := pool.Submit(context.Background(), fmt.Sprintf("u%d", i), func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Shutdown()
	assert.Equal(t, int64(5), finished.Load())
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	pool.Shutdown()

	_, err := pool.Submit(context.Background(), "late", noop)
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_Counters(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	failure := errors.New("intentional")
	for i := range 3 {
		_, err := pool.Submit(context.Background(), fmt.Sprintf("ok%d", i), noop)
		require.NoError(t, err)
	}
	for i := range 2 {
		_, err := pool.Submit(context.Background(), fmt.Sprintf("bad%d", i), func(context.Context) error { return failure })
		require.NoError(t, err)
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Active)
}
