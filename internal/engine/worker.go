package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultPoolSize is the default number of steps that may execute at once.
const DefaultPoolSize = 10

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many units of work run at once.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// acquire takes a slot, respecting ctx and shutdown.
func (p *WorkerPool) acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()
	return nil
}

func (p *WorkerPool) release(err error, panicked bool) {
	switch {
	case panicked:
		atomic.AddInt64(&p.metrics.Panics, 1)
		atomic.AddInt64(&p.metrics.Failed, 1)
	case err != nil:
		atomic.AddInt64(&p.metrics.Failed, 1)
	default:
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
	atomic.AddInt64(&p.metrics.Active, -1)
	<-p.sem
	p.wg.Done()
}

// Do runs fn on the calling goroutine once a slot is free and releases the
// slot when fn returns. A panic in fn is recovered and returned as an error.
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
		p.release(err, panicked)
	}()
	return fn(ctx)
}

// Shutdown stops accepting work and waits for work in progress.
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

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
