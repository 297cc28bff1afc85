// Package sinks holds the progress.Sink implementations wired by the server:
// Prometheus unit counters, the run history store, and a zap log sink.
package sinks
