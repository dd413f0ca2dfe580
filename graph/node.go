package graph

import "context"

// NodeFunc is the user-supplied body of a compiled node. It receives the
// projected input for the channels it declared (§4.4's "read-projection"),
// and a Runtime carrying everything else a node might need: identity,
// the ability to push Send packets, the interrupt/resume scratchpad, and
// the optional cross-thread store.
//
// A node communicates outward only through its returned Command (or an
// error, which becomes a NodeFailure after retries are exhausted) — it
// never touches a channel object directly.
type NodeFunc func(ctx context.Context, input map[string]any, rt *Runtime) (Command, error)

// Runtime is the per-task handle passed to a NodeFunc. It is constructed
// fresh for every task attempt; nothing on it is shared across tasks.
type Runtime struct {
	ThreadID     string
	CheckpointNS string
	TaskID       string
	Node         string

	// SendArgs holds the argument a checkpoint.Send packet carried, for a
	// task produced by a Runtime.Send call rather than by a channel
	// trigger. Nil for triggered tasks.
	SendArgs any

	// Store is the optional cross-thread key/value store configured on
	// the compiled graph; nil if none was supplied.
	Store Store

	send   func(node string, args any)
	pad    *scratchpad
	resume map[int]any
}

// Send queues a task to run the named node next step with the given
// argument, independent of any channel trigger. Multiple calls within one
// node invocation are preserved in call order (spec.md §4.4 point 3).
func (rt *Runtime) Send(node string, args any) {
	rt.send(node, args)
}

// scratchpad tracks one task attempt's interrupt calls so that a
// resumed task deterministically replays the same sequence of interrupt
// indices and matches each to its resume value, per spec.md §9's
// "interruptCounter / resume queue / usedNullResume" design note.
type scratchpad struct {
	interruptCounter int
	usedNullResume   bool
}

// Interrupt raises a resumable pause at the current call site within the
// node. If a resume value was supplied for this call's index (via a prior
// Command{Resume: ...}), Interrupt returns it immediately without pausing.
// Otherwise it returns a *GraphInterrupt carrying value; the runner catches
// this, records the interrupt instead of committing the task's writes, and
// surfaces it to the caller.
//
// Interrupt is idempotent on resume per call site: calling it a second time
// at the same index (e.g. because the task is replayed from the start
// after a crash) returns the same resume value instead of interrupting
// again, provided the caller supplied one.
func (rt *Runtime) Interrupt(value any) (any, error) {
	idx := rt.pad.interruptCounter
	rt.pad.interruptCounter++

	if rt.resume != nil {
		if v, ok := rt.resume[idx]; ok {
			return v, nil
		}
		if v, ok := rt.resume[-1]; ok && !rt.pad.usedNullResume {
			rt.pad.usedNullResume = true
			return v, nil
		}
	}

	return nil, &GraphInterrupt{
		Values: []any{value},
		Descriptors: []InterruptDescriptor{{
			Namespace: rt.CheckpointNS,
			TaskID:    rt.TaskID,
			Index:     idx,
			Resumable: true,
		}},
	}
}
