package admission

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SessionFunc runs one connection to completion. It owns pc and must close it.
type SessionFunc func(ctx context.Context, worker int, pc PendingConnection)

// Pool is a fixed set of workers draining a Queue.
type Pool struct {
	size   int
	queue  *Queue
	run    SessionFunc
	logger *zap.Logger

	busy atomic.Int32
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewPool creates a pool of size workers (minimum 1).
func NewPool(size int, queue *Queue, run SessionFunc, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, queue: queue, run: run, logger: logger}
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called. Calling Start twice is a no-op. Start and Stop are safe to call
// concurrently.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(p.size)
	for i := 1; i <= p.size; i++ {
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.size), zap.Int("queue_capacity", p.queue.Cap()))
}

// Stop signals every worker to exit once its current session ends. It does
// not wait; use Wait for that.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the fixed number of workers.
func (p *Pool) Size() int { return p.size }

// Busy returns the number of workers currently running a session.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))
	for {
		pc, ok := p.queue.Dequeue(ctx)
		if !ok {
			log.Debug("worker stopping")
			return
		}
		log.Debug("connection dequeued",
			zap.String("remote", pc.Remote),
			zap.Duration("queued_for", timeSince(pc)))
		p.runSession(ctx, id, pc, log)
	}
}

// runSession keeps a panicking session from killing the worker. Closing the
// socket stays the session's job.
func (p *Pool) runSession(ctx context.Context, id int, pc PendingConnection, log *zap.Logger) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("session panicked", zap.Any("panic", r), zap.String("remote", pc.Remote))
		}
	}()
	p.run(ctx, id, pc)
}
