package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/banquet/pkg/observability"
)

// ErrPoolShutdown is returned by Submit once the pool stopped accepting work
var ErrPoolShutdown = errors.New("worker pool shut down")

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Example:
//
//	SafeGo(ctx, 10*time.Minute, "startup reminder sweep", logger, func(ctx context.Context) error {
//	    _, err := dispatcher.RunSweep(ctx, time.Now())
//	    return err
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// WorkerPool manages a pool of workers that process tasks from a channel.
// Task errors are retained until read with Errors.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	closeOnce    sync.Once

	mu        sync.Mutex
	errs      []error
	completed int
	skipped   int
}

// NewWorkerPool creates a new worker pool.
//
// Example:
//
//	pool := NewWorkerPool(ctx, 8, "overdue marking", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return engine.MarkOverdue(ctx, invoiceID, now)
//	})
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.worker()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the worker pool.
// Blocks while the queue is full; returns an error once the pool context ends.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	select {
	case <-p.doneCh:
		return ErrPoolShutdown
	default:
	}

	defer func() {
		// the work channel was closed between the check above and the send below
		if r := recover(); r != nil {
			err = ErrPoolShutdown
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-p.doneCh:
		return ErrPoolShutdown
	}
}

func (p *WorkerPool) closeWork() {
	p.closeOnce.Do(func() { close(p.workCh) })
}

// Wait stops accepting work and blocks until every queued task ran or was skipped
func (p *WorkerPool) Wait() {
	p.closeWork()
	<-p.doneCh
}

// Shutdown gracefully shuts down the worker pool.
// Waits up to timeout for workers to finish current tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.closeWork()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool %q shutdown timed out after %v", p.taskName, timeout)
		}
	})

	return shutdownErr
}

// Errors returns a snapshot of every task error recorded so far
func (p *WorkerPool) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

func (p *WorkerPool) record(err error, skipped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case skipped:
		p.skipped++
	case err != nil:
		p.errs = append(p.errs, err)
	default:
		p.completed++
	}
}

func (p *WorkerPool) worker() {
	for fn := range p.workCh {
		// queued work left after the pool context ended is drained without running
		if p.ctx.Err() != nil {
			p.record(nil, true)
			continue
		}
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	}
	defer cancel()

	var err error
	defer func() {
		if perr := observability.AsPanicError(recover()); perr != nil {
			err = fmt.Errorf("%s: %w", p.taskName, perr)
		}
		p.record(err, false)
	}()

	err = fn(ctx)
}

// BatchResult summarizes one Batch call
type BatchResult struct {
	Completed int
	Skipped   int
	Errors    []error
}

// Batch processes a slice of items concurrently using a worker pool.
// Each item gets its own timeout. Items not yet started when ctx ends are
// counted as skipped and left for the next run.
//
// Example:
//
//	res := Batch(ctx, invoices, 8, "overdue marking", 30*time.Second, func(ctx context.Context, inv *billing.Invoice) error {
//	    return markOverdue(ctx, inv)
//	})
//	for _, err := range res.Errors {
//	    logger.WithError(err).Warn("invoice not marked overdue")
//	}
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) BatchResult {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	submitted := 0
	for _, item := range items {
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			break
		}
		submitted++
	}

	pool.Wait()
	pool.cancel()

	pool.mu.Lock()
	defer pool.mu.Unlock()
	return BatchResult{
		Completed: pool.completed,
		Skipped:   pool.skipped + len(items) - submitted,
		Errors:    append([]error(nil), pool.errs...),
	}
}
