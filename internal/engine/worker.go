package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a task is offered to a pool that has
// been shut down.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics counts task executions over the lifetime of a pool. Active is
// a gauge of currently running handlers. Rejected counts submissions
// refused at the gate: the execution was cancelled or the pool shut down
// while the task was queued for a slot, so its handler never ran.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

// WorkerPool enforces the engine's concurrency cap: at most size task
// handlers run at once, shared across every execution on the engine. Tasks
// enter through a Batch, whose Wait is the scheduling barrier between
// dependency levels.
type WorkerPool struct {
	slots   chan struct{}
	all     sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// NewBatch groups the submissions of one dependency level.
func (p *WorkerPool) NewBatch() *Batch {
	return &Batch{pool: p}
}

// Batch tracks the in-flight tasks of a single dependency level. Its Wait
// is the level barrier: it returns once every task accepted into the batch
// has settled.
type Batch struct {
	pool *WorkerPool
	wg   sync.WaitGroup
}

// Go acquires a slot and runs the task on a pool worker. It blocks while
// the pool is at capacity (backpressure) and gives up when ctx is cancelled
// or the pool shuts down; either way the task never started and the error
// says why. The task's returned error feeds the pool counters; its terminal
// status is the scheduler's business.
func (b *Batch) Go(ctx context.Context, task func(ctx context.Context) error) error {
	p := b.pool

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		atomic.AddInt64(&p.metrics.Rejected, 1)
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
		// Slot acquired.
	case <-ctx.Done():
		atomic.AddInt64(&p.metrics.Rejected, 1)
		return ctx.Err()
	case <-p.done:
		atomic.AddInt64(&p.metrics.Rejected, 1)
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// The Add calls MUST be inside the lock so Shutdown's Wait cannot miss
	// an accepted task.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots // release slot
		atomic.AddInt64(&p.metrics.Rejected, 1)
		return ErrPoolShutdown
	}
	p.all.Add(1)
	b.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.slots // release slot
			b.wg.Done()
			p.all.Done()
		}()

		if err := task(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until every task accepted into this batch has settled. Tasks
// rejected by Go were never accepted and are not waited on.
func (b *Batch) Wait() {
	b.wg.Wait()
}

// Shutdown refuses further submissions and waits for every running task,
// across all batches, to settle.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.all.Wait()
}

// Metrics returns a snapshot of the current pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Rejected:  atomic.LoadInt64(&p.metrics.Rejected),
	}
}
