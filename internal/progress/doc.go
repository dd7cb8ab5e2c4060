// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the pipeline runner uses to report crawl progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such
// as Prometheus metrics, structured logs, or live SSE subscribers.
package progress
