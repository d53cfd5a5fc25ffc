package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrQueueFull  = errors.New("worker pool queue is full")
)

// Task is a unit of work run by the pool
type Task func(ctx context.Context) error

// WorkerPool runs submitted tasks on a fixed set of goroutines
type WorkerPool struct {
	name    string
	timeout time.Duration
	logger  *logrus.Logger

	work   chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines reading from a queue of the given size
func NewWorkerPool(workers, queue int, name string, timeout time.Duration, logger *logrus.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:    name,
		timeout: timeout,
		logger:  logger,
		work:    make(chan Task, queue),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// TrySubmit queues fn without blocking
func (p *WorkerPool) TrySubmit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.work <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to drain.
// Tasks still running when ctx is done are cancelled.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.work)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("%s pool: %w", p.name, ctx.Err())
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for fn := range p.work {
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"pool":  p.name,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("PANIC recovered in worker")
		}
	}()

	if err := fn(ctx); err != nil {
		p.logger.WithError(err).WithField("pool", p.name).Warn("Background task failed")
	}
}

// Go runs fn in its own goroutine. A panic or error is logged rather than
// taking the process down.
func Go(ctx context.Context, logger *logrus.Logger, name string, fn Task) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"task":  name,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("PANIC recovered in background task")
			}
		}()
		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", name).Error("Background task stopped")
		}
	}()
}
