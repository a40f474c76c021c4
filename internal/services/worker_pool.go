package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit after Drain has started.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is one unit of background work.
type Task func(ctx context.Context) error

// PoolStats counts what the pool has done.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// WorkerPool runs tasks on a fixed number of goroutines. Submit blocks when
// every worker is busy and the queue is full. Drain waits for everything
// already submitted.
type WorkerPool struct {
	name   string
	logger *logrus.Logger
	tasks  chan Task
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool starts size workers. A non-positive size uses
// DefaultPoolSize. Tasks run with a context detached from Submit's caller
// so an abandoned batch still finishes its writes.
func NewWorkerPool(name string, size int, logger *logrus.Logger) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize()
	}
	if logger == nil {
		logger = logrus.New()
	}
	p := &WorkerPool{
		name:   name,
		logger: logger,
		tasks:  make(chan Task, size*2),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.WithFields(logrus.Fields{"pool": name, "workers": size}).Debug("Worker pool started")
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *WorkerPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.WithFields(logrus.Fields{"pool": p.name, "worker": id, "panic": r}).
				Error("Worker task panicked")
		}
	}()
	if err := task(context.Background()); err != nil {
		p.failed.Add(1)
		p.logger.WithFields(logrus.Fields{"pool": p.name, "worker": id}).
			WithError(err).Error("Worker task failed")
		return
	}
	p.completed.Add(1)
}

// Submit queues a task. It returns ctx.Err() if ctx ends while waiting for
// queue space, or ErrPoolClosed after Drain.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting tasks and waits until every queued task ran or ctx
// ends. It is safe to call more than once.
func (p *WorkerPool) Drain(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := p.Stats()
		p.logger.WithFields(logrus.Fields{
			"pool":      p.name,
			"completed": stats.Completed,
			"failed":    stats.Failed,
		}).Debug("Worker pool drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
