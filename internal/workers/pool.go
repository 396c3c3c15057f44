// Package workers provides the bounded worker pool the scheduler runs
// tuning passes on.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. The context carries the per-task deadline.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("worker queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Config sizes the pool.
type Config struct {
	Name            string
	Workers         int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timedOut"`
	Panics    int64 `json:"panics"`
	Queued    int   `json:"queued"`
}

// Pool runs submitted tasks on a fixed set of goroutines. Each task gets
// its own timeout context and panic containment, so one stuck or crashing
// tuning pass cannot take a worker down with it.
type Pool struct {
	logger *zap.Logger
	cfg    Config

	queue  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a stopped pool; call Start before submitting.
func NewPool(logger *zap.Logger, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", cfg.Name)),
		cfg:    cfg,
		queue:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
		zap.Duration("task_timeout", p.cfg.TaskTimeout),
	)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Submit enqueues a task without blocking. A full queue is the caller's
// signal to shed load, not to wait.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc submits a function as a task.
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop shuts the workers down, waiting at most ShutdownTimeout for
// in-flight tasks.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.Int64("completed", p.completed.Load()))
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		TimedOut:  p.timedOut.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.queue),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			p.execute(logger, task)
		}
	}
}

// execute runs one task under its timeout. The task body runs in a child
// goroutine so the worker can abandon it at the deadline; the body's
// context is cancelled at the same moment, so a cooperative task also
// stops its own work.
func (p *Pool) execute(logger *zap.Logger, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				logger.Error("task panicked", zap.Any("panic", r))
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- task.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			p.failed.Add(1)
			logger.Warn("task failed", zap.Error(err))
			return
		}
		p.completed.Add(1)
	case <-ctx.Done():
		p.timedOut.Add(1)
		logger.Warn("task timed out", zap.Duration("timeout", p.cfg.TaskTimeout))
	}
}
