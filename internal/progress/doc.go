// Package progress carries unit lifecycle events from the dispatcher and
// workers to sinks. A Hub batches events off the caller's goroutine; when its
// buffer fills, SUBMIT and START events are dropped first and terminal events
// get a short grace period, because the run history and keyword aggregation
// are fed from terminal events.
package progress
