package emit

// StreamMode tags which of a compiled graph's streaming views an Event
// belongs to, per spec.md §4.7. A caller subscribes to one or more modes;
// the runner stamps every Event it emits with the mode it was produced for
// rather than leaving mode selection to a separate filtering pass.
type StreamMode string

const (
	// ModeValues carries the full channel view once per superstep, after
	// that step's checkpoint has committed.
	ModeValues StreamMode = "values"
	// ModeUpdates carries one node's writes, emitted once per writing node
	// per step, after that step's checkpoint has committed.
	ModeUpdates StreamMode = "updates"
	// ModeDebug carries scheduling events: step start and commit, and task
	// start, end, failure and interrupt.
	ModeDebug StreamMode = "debug"
	// ModeCustom carries values a node emits itself via its Runtime,
	// independent of channel writes.
	ModeCustom StreamMode = "custom"
	// ModeMessages carries token-level message chunks for nodes that
	// stream incremental output rather than a single returned value.
	ModeMessages StreamMode = "messages"
	// ModeEvents carries the flattened superstep/task event log with
	// names and tags, the shape the otel bridge feeds from.
	ModeEvents StreamMode = "events"
)

// Event represents an observability event emitted during graph execution.
//
// Events provide detailed insight into run behavior:
//   - Node execution start/complete
//   - Channel writes and state transitions
//   - Errors and warnings
//   - Performance metrics
//   - Checkpoint operations
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// RunID identifies the run (thread) that emitted this event.
	RunID string

	// Step is the sequential superstep number (0-indexed; -1 for the
	// initial input checkpoint). Zero for run-level events (start,
	// complete, error) that are not tied to a specific step.
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for run-level events.
	NodeID string

	// Msg is a human-readable description of the event.
	Msg string

	// Mode is the StreamMode this event belongs to; the zero value
	// indicates an internal/unmodal event (e.g. Flush bookkeeping).
	Mode StreamMode

	// Namespace is the checkpoint_ns this event's run was scoped to,
	// pipe-delimited for nested subgraphs. Empty for the root graph.
	Namespace string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "checkpoint_id": Checkpoint identifier
	//   - "retryable": Whether an error can be retried
	Meta map[string]interface{}
}
