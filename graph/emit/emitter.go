// Package emit provides event emission and observability for graph execution.
package emit

import "context"

// Emitter receives observability events from the superstep runner: one
// per step start/commit and one per task start/end/failure/interrupt
// (see event.go's StreamMode for how these are tagged), plus a values/
// updates pair per committed step so an Emitter sees the same data a
// Stream consumer does even if nothing is subscribed to the stream.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog (LogEmitter).
//   - Distributed tracing: OpenTelemetry (OTelEmitter).
//   - In-memory history for tests and debug tooling (BufferedEmitter).
//
// Implementations must not block the superstep they are called from for
// long and must not panic; Emit is called synchronously on the runner's
// goroutine for the step/task in question.
type Emitter interface {
	// Emit sends an observability event to the configured backend. It
	// must not panic; a failing backend should log internally and
	// return rather than propagate into the graph run.
	Emit(event Event)
}

// Flusher is implemented by Emitters that may have something buffered
// worth draining at the end of a run — OTelEmitter's underlying span
// exporter in particular. The runner type-asserts for this at the end
// of every Invoke/Stream call and flushes opportunistically; it is not
// part of the core Emitter contract because most Emitters (BufferedEmitter,
// NullEmitter) have nothing to flush.
type Flusher interface {
	Flush(ctx context.Context) error
}
