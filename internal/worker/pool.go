package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue/memory"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrPoolFull is returned by Submit when the pool queue is at capacity.
	ErrPoolFull = errors.New("worker pool queue full")
)

// Executor runs and cancels tasks. *Worker implements it.
type Executor interface {
	Execute(ctx context.Context, task crawler.Task) Outcome
	Cancel(ctx context.Context, task crawler.Task)
}

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Concurrency int
	QueueDepth  int
}

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	kind   crawler.PoolKind
	cfg    PoolConfig
	queue  *memory.Queue
	exec   Executor
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	active   atomic.Int64
	closed   atomic.Bool
	started  atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewPool constructs a Pool. Call Start to begin consuming tasks.
func NewPool(kind crawler.PoolKind, cfg PoolConfig, exec Executor, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		kind:     kind,
		cfg:      cfg,
		queue:    memory.NewQueue(cfg.QueueDepth),
		exec:     exec,
		logger:   logger.Named("pool").With(zap.String("pool", string(kind))),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Kind returns the pool kind.
func (p *Pool) Kind() crawler.PoolKind { return p.kind }

// Start launches the pool goroutines. Tasks run under contexts derived from
// ctx. Calling Start more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.baseCtx, p.baseCancel = context.WithCancel(ctx)
	for range p.cfg.Concurrency {
		p.wg.Add(1)
		go p.loop()
	}
	p.logger.Info("worker pool started", zap.Int("concurrency", p.cfg.Concurrency), zap.Int("queue_depth", p.cfg.QueueDepth))
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		task, err := p.queue.Dequeue(p.baseCtx)
		if err != nil {
			return
		}
		if p.closed.Load() {
			p.exec.Cancel(context.Background(), task)
			p.report()
			continue
		}
		p.run(task)
	}
}

func (p *Pool) run(task crawler.Task) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.mu.Lock()
	p.inflight[task.ID] = cancel
	p.mu.Unlock()
	p.active.Add(1)
	p.report()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, task.ID)
		p.mu.Unlock()
		cancel()
		p.active.Add(-1)
		p.report()
	}()
	p.exec.Execute(ctx, task)
}

// Submit enqueues task without blocking and returns its handle.
func (p *Pool) Submit(_ context.Context, task crawler.Task) (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}
	if err := p.queue.TryEnqueue(task); err != nil {
		if errors.Is(err, memory.ErrFull) {
			return "", ErrPoolFull
		}
		if errors.Is(err, memory.ErrClosed) {
			return "", ErrPoolClosed
		}
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	p.report()
	return task.ID, nil
}

// CancelAll cancels queued and in-flight tasks and returns how many were
// stopped. In-flight cancellation is best-effort: runners observe it through
// their context.
func (p *Pool) CancelAll() int {
	drained := p.queue.Drain()
	for _, task := range drained {
		p.exec.Cancel(context.Background(), task)
	}
	p.mu.Lock()
	inflight := len(p.inflight)
	for _, cancel := range p.inflight {
		cancel()
	}
	p.mu.Unlock()
	p.report()
	stopped := len(drained) + inflight
	p.logger.Info("worker pool tasks canceled", zap.Int("queued", len(drained)), zap.Int("inflight", inflight))
	return stopped
}

// Active returns the number of running tasks.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Queued returns the number of tasks waiting for a goroutine.
func (p *Pool) Queued() int { return p.queue.Len() }

func (p *Pool) report() {
	metrics.SetPoolLoad(string(p.kind), p.Active(), p.Queued())
}

// Close stops accepting tasks, releases queued ones and waits for running
// tasks until ctx ends, after which they are canceled.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.queue.Close()
	if !p.started.Load() {
		for _, task := range p.queue.Drain() {
			p.exec.Cancel(context.Background(), task)
		}
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.baseCancel()
		return nil
	case <-ctx.Done():
		p.baseCancel()
		<-done
		return fmt.Errorf("close pool %s: %w", p.kind, ctx.Err())
	}
}
