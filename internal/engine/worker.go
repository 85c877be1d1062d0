package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of the worker pool counters. Running lists the
// ids of units currently holding a slot.
type PoolMetrics struct {
	Size      int      `json:"size"`
	Active    int64    `json:"active"`
	Completed int64    `json:"completed"`
	Failed    int64    `json:"failed"`
	Panics    int64    `json:"panics"`
	Running   []string `json:"running,omitempty"`
}

// ErrPoolShutdown is returned when a unit is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PanicError reports a unit that panicked instead of returning.
type PanicError struct {
	UnitID string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit %s panicked: %v", e.UnitID, e.Value)
}

// WorkerPool bounds how many node units execute at once across all runs.
type WorkerPool struct {
	size  int
	slots chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]int

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool running at most size units concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		slots:   make(chan struct{}, size),
		done:    make(chan struct{}),
		running: make(map[string]int),
	}
}

// Submit runs fn for the unit id on the pool. The returned channel receives
// fn's error exactly once; a panic is delivered as *PanicError. Submit
// blocks while every slot is taken and gives up when ctx ends or the pool
// shuts down.
func (p *WorkerPool) Submit(ctx context.Context, unitID string, fn func(ctx context.Context) error) (<-chan error, error) {
	if p.isClosed() {
		return nil, ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolShutdown
	}

	// Shutdown may have won the race for the slot; wg.Add stays under mu so
	// its wg.Wait never misses a unit.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolShutdown
	}
	p.wg.Add(1)
	p.running[unitID]++
	p.mu.Unlock()
	p.active.Add(1)

	result := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				err = &PanicError{UnitID: unitID, Value: r}
			}
			p.release(unitID, err)
			result <- err
		}()
		err = fn(ctx)
	}()
	return result, nil
}

func (p *WorkerPool) release(unitID string, err error) {
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.active.Add(-1)

	p.mu.Lock()
	if p.running[unitID]--; p.running[unitID] <= 0 {
		delete(p.running, unitID)
	}
	p.mu.Unlock()

	<-p.slots
	p.wg.Done()
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted unit has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new units and waits for in-flight ones. Safe to call twice.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns the current counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	m := PoolMetrics{
		Size:      p.size,
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
	p.mu.Lock()
	for id := range p.running {
		m.Running = append(m.Running, id)
	}
	p.mu.Unlock()
	slices.Sort(m.Running)
	return m
}
