package progress

import "context"

// Sink receives flushed batches. The Hub calls Consume from a single goroutine
// with a per-call deadline and calls Close once after the final flush.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error {
	return nil
}

// Emitter is the write side of a Hub as seen by the dispatcher and workers.
type Emitter interface {
	Emit(evt Event)
}

var _ Emitter = (*Hub)(nil)
