// Package sinks implements concrete progress consumers: structured logging
// with periodic run summaries, Prometheus collectors, and an outcome
// publisher. Each sink satisfies progress.Sink.
package sinks
