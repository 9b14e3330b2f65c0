// Package progress provides the event primitives, non-blocking hub and emitter
// interface the orchestrator uses to report fetch progress. Events are batched
// on a background goroutine and fanned out to sinks such as structured logs,
// Prometheus collectors or an outcome publisher.
package progress
