package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/propertypay/internal/config"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("worker",
	fx.Provide(NewPool),
	fx.Invoke(runPool),
)

func runPool(lc fx.Lifecycle, p *Pool) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return p.Stop(ctx)
		},
	})
}

// Task is one unit of fire-and-forget work. Run receives a context detached
// from the request that queued it.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Pool is a bounded queue drained by a fixed number of goroutines. Submit never
// blocks; a full queue rejects the task and the caller falls back to the
// scheduler's recovery jobs.
type Pool struct {
	log         *zap.Logger
	concurrency int

	mu      sync.Mutex
	queue   chan Task
	started bool
	closed  bool
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

const defaultTaskTimeout = 30 * time.Second

func NewPool(cfg config.Config, log *zap.Logger) *Pool {
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	size := cfg.Worker.QueueSize
	if size <= 0 {
		size = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:         log.Named("worker"),
		concurrency: concurrency,
		queue:       make(chan Task, size),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		workers := pool.New().WithMaxGoroutines(p.concurrency)
		for task := range p.queue {
			workers.Go(func() {
				p.run(task)
			})
		}
		workers.Wait()
	}()
}

// Submit enqueues task and reports whether it was accepted.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.Warn("task rejected, pool stopped", zap.String("task", task.Name))
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		p.log.Warn("task rejected, queue full", zap.String("task", task.Name))
		return false
	}
}

// Stop closes the queue and waits for queued tasks to finish or ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *Pool) run(task Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.String("task", task.Name), zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := task.Run(ctx); err != nil {
		p.log.Warn("task failed", zap.String("task", task.Name), zap.Error(err))
	}
}
