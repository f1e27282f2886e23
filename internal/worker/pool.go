package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/observability"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Task is one unit of background work. The context is cancelled when the pool stops.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu      sync.RWMutex
	stopped bool
}

func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

func (p *Pool) Start() {
	p.logger.Info("starting worker pool", "workers", p.workers, "queue", cap(p.tasks))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop drains queued tasks and waits for the workers. Tasks still queued see a
// cancelled context.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// TrySubmit enqueues t without blocking.
func (p *Pool) TrySubmit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- t:
		observability.WorkerQueueDepth.Set(float64(len(p.tasks)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) QueueLength() int { return len(p.tasks) }

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		observability.WorkerQueueDepth.Set(float64(len(p.tasks)))
		p.exec(id, t)
	}
}

func (p *Pool) exec(id int, t Task) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("worker task panicked", "worker_id", id, "error", rec)
		}
	}()
	t(p.ctx)
}
