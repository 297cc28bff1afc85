package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Config tunes the Hub. Zero values fall back to the defaults below.
type Config struct {
	// BufferSize bounds the number of events queued ahead of the batcher.
	BufferSize int
	// MaxBatchEvents flushes a batch once it reaches this size.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after the first event has waited this long.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// TerminalWait is how long Emit holds a terminal event when the buffer is
	// full before dropping it. Lifecycle start events are dropped immediately.
	TerminalWait time.Duration
	BaseContext  context.Context
	Logger       *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultTerminalWait   = 100 * time.Millisecond
	dropWarnInterval      = 5 * time.Second
)

// Hub batches unit lifecycle events and fans each batch out to its sinks in
// registration order. Emit is safe for concurrent use.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context

	dropMu     sync.Mutex
	drops      map[Stage]int64
	unreported int64
	lastWarn   time.Time
}

// NewHub starts the batching goroutine and returns a ready Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.TerminalWait <= 0 {
		cfg.TerminalWait = defaultTerminalWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
		drops:  make(map[Stage]int64),
	}
	go h.run()
	return h
}

// Emit queues evt for the next batch. Invalid events and events emitted after
// Close are discarded. A full buffer drops SUBMIT and START events at once and
// holds terminal events for up to TerminalWait, since the outcome log depends
// on them.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Stage.Terminal() {
		wait := time.NewTimer(h.cfg.TerminalWait)
		defer wait.Stop()
		select {
		case h.events <- evt:
			return
		case <-wait.C:
		case <-h.stopCh:
		}
	}
	h.recordDrop(evt.Stage)
}

// Dropped returns the number of events dropped per stage since the Hub started.
func (h *Hub) Dropped() map[Stage]int64 {
	if h == nil {
		return nil
	}
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	out := make(map[Stage]int64, len(h.drops))
	for stage, n := range h.drops {
		out[stage] = n
	}
	return out
}

func (h *Hub) recordDrop(stage Stage) {
	metrics.ObserveProgressDrop(string(stage))
	now := time.Now()
	h.dropMu.Lock()
	h.drops[stage]++
	h.unreported++
	if now.Sub(h.lastWarn) < dropWarnInterval {
		h.dropMu.Unlock()
		return
	}
	n := h.unreported
	h.unreported = 0
	h.lastWarn = now
	h.dropMu.Unlock()
	h.logger.Warn("progress events dropped, hub buffer full",
		zap.Int64("dropped", n),
		zap.String("stage", string(stage)),
	)
}

// Close stops intake, drains queued events into a final flush, then closes the
// sinks. Repeated calls wait on the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closeCtx = ctx
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timeout = nil, nil
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
				disarm()
			} else if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				timeout = timer.C
			}
		case <-timeout:
			timer, timeout = nil, nil
			h.flush(batch)
			batch = batch[:0]
		case <-h.stopCh:
			disarm()
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, out)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(out)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err),
			)
		}
	}
}
