package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolShutdownTimeout indicates the worker pool did not drain in time.
var ErrPoolShutdownTimeout = poolTimeoutError{}

type poolTimeoutError struct{}

func (poolTimeoutError) Error() string { return "worker pool shutdown timeout" }

// workerPool runs async subscriber invocations on a fixed set of goroutines
// behind a bounded queue. Submission blocks when the queue is full, so
// backpressure reaches the emitter instead of concurrency growing without
// bound.
type workerPool struct {
	tasks     chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	submitted atomic.Uint64
	completed atomic.Uint64
}

// newWorkerPool starts workers goroutines consuming a queue of queueSize.
func newWorkerPool(ctx context.Context, workers, queueSize int) *workerPool {
	if workers < 1 {
		workers = 8
	}
	if queueSize < 1 {
		queueSize = 1024
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &workerPool{
		tasks:  make(chan func(), queueSize),
		ctx:    poolCtx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit queues a task, blocking while the queue is full. Once shutdown has
// begun the task runs inline on the caller's goroutine so no delivery is
// silently dropped.
func (p *workerPool) Submit(task func()) {
	if p.closed.Load() {
		task()
		return
	}

	p.submitted.Add(1)
	select {
	case p.tasks <- task:
	case <-p.ctx.Done():
		task()
		p.completed.Add(1)
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			// Drain remaining tasks before exiting
			for {
				select {
				case task := <-p.tasks:
					task()
					p.completed.Add(1)
				default:
					return
				}
			}
		case task := <-p.tasks:
			task()
			p.completed.Add(1)
		}
	}
}

// Close stops the pool, waiting up to timeout for queued tasks to finish.
func (p *workerPool) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrPoolShutdownTimeout
	}
}
