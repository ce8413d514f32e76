// Package invoker provides the named, bounded worker pools that back a
// location's three I/O lanes (meta-read, data-read, write) plus the
// node-wide control lane. Each pool runs tasks from a FIFO queue so that
// a backlog of slow tasks on one lane never blocks another lane.
package invoker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"datanode/internal/logging"
)

var ErrPoolClosed = errors.New("invoker pool closed")

// Pool runs submitted tasks on a bounded number of goroutines, in FIFO
// submission order per worker. Suspension on I/O inside a task yields
// only that worker, not the whole pool, matching the cooperative
// scheduling model of §5: many tasks can be in flight, each suspended on
// its own file operation.
type Pool struct {
	name    string
	tasks   chan task
	closeCh chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

type task struct {
	ctx context.Context
	fn  func(context.Context) error
	res chan error
}

// New creates a pool with the given name and number of worker goroutines.
// queueDepth bounds how many tasks may be queued before Submit blocks.
func New(name string, workers, queueDepth int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = workers
	}
	p := &Pool{
		name:    name,
		tasks:   make(chan task, queueDepth),
		closeCh: make(chan struct{}),
		logger:  logging.Default(logger).With("component", "invoker", "lane", name),
	}
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			t.res <- t.fn(t.ctx)
		case <-p.closeCh:
			return
		}
	}
}

// Submit enqueues fn and blocks until it has run and returned, or ctx is
// cancelled, or the pool is closed. This is the synchronous form used by
// callers that model suspension points as ordinary blocking calls (§5).
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	res := make(chan error, 1)
	t := task{ctx: ctx, fn: fn, res: res}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return ErrPoolClosed
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		select {
		case err := <-res:
			return err
		default:
			return ErrPoolClosed
		}
	}
}

// Close stops accepting new tasks and waits for in-flight tasks to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Debug("invoker pool closed")
}

// Name returns the lane name, for diagnostics.
func (p *Pool) Name() string { return p.name }
