package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/bastion/pkg/observability"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrQueueFull is returned by TrySubmit when every queue slot is taken.
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is one unit of deferred work.
type Task func(ctx context.Context) error

// SafeGo runs fn in a goroutine bounded by timeout. Panics and errors are
// logged, never propagated.
func SafeGo(parent context.Context, timeout time.Duration, name string, logger *observability.Logger, fn Task) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		if err := run(ctx, fn); err != nil {
			logger.WithField("task", name).WithError(err).Warn("background task failed")
		}
	}()
}

// run executes fn, converting a panic into an error.
func run(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Name        string
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// WorkerPool processes tasks on a fixed set of workers with graceful shutdown.
type WorkerPool struct {
	cfg    PoolConfig
	logger *observability.Logger

	mu     sync.RWMutex
	closed bool
	workCh chan Task
	doneCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// OnError, if set before the first task runs, receives every task failure.
	OnError func(error)
}

// NewWorkerPool starts cfg.Workers workers. Task contexts derive from ctx.
func NewWorkerPool(ctx context.Context, cfg PoolConfig, logger *observability.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		cfg:    cfg,
		logger: logger.WithField("pool", cfg.Name),
		workCh: make(chan Task, cfg.QueueSize),
		doneCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(p.doneCh)
	}()
	return p
}

// Submit queues fn, blocking while the queue is full.
func (p *WorkerPool) Submit(ctx context.Context, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues fn without blocking.
func (p *WorkerPool) TrySubmit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits up to timeout for queued ones to drain.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
	p.mu.Unlock()

	defer p.cancel()
	select {
	case <-p.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.cfg.Name, timeout)
	}
}

func (p *WorkerPool) worker() {
	for fn := range p.workCh {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
		err := run(ctx, fn)
		cancel()
		if err == nil {
			continue
		}
		p.logger.WithError(err).Warn("task failed")
		if p.OnError != nil {
			p.OnError(err)
		}
	}
}
