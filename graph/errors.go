// Package graph provides the core graph execution engine: compiling a
// StateGraph into a Pregel runner that drives nodes through channels in
// bulk-synchronous supersteps, checkpointing progress after each one.
package graph

import (
	"errors"
	"fmt"

	"github.com/rjdoyle/pregel-go/graph/channel"
)

// EmptyChannelError and InvalidUpdateError are the channel package's own
// error types, re-exported here so callers of the compiled graph never need
// to import graph/channel just to use errors.As against them.
type EmptyChannelError = channel.EmptyChannelError
type InvalidUpdateError = channel.InvalidUpdateError

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for a
// malformed policy (MaxAttempts < 1, or MaxDelay below BaseDelay).
var ErrInvalidRetryPolicy = errors.New("graph: invalid retry policy")

// GraphRecursionError is returned when a run reaches its configured
// recursion limit with tasks still pending.
type GraphRecursionError struct {
	Step  int
	Limit int
}

func (e *GraphRecursionError) Error() string {
	return fmt.Sprintf("graph: recursion limit %d exceeded at step %d", e.Limit, e.Step)
}

// GraphValidationError reports a structural problem found at Compile time:
// a dangling edge, a reserved node name, a missing entry point, or similar.
// Compile does not check whether every node is reachable from START.
type GraphValidationError struct {
	Reason string
}

func (e *GraphValidationError) Error() string {
	return "graph: validation failed: " + e.Reason
}

// InterruptDescriptor identifies one interrupt raised during a run: which
// namespace and task raised it, which call within that task (a task may
// call Interrupt more than once), and whether a resume value has already
// been supplied for it.
type InterruptDescriptor struct {
	Namespace string
	TaskID    string
	Index     int
	Resumable bool
}

// GraphInterrupt is the resumable fault surfaced to the caller when one or
// more tasks in a step called Interrupt without a matching resume value
// already queued. invoke/stream both raise it; Command{Resume: ...} on the
// next call supplies the missing values.
type GraphInterrupt struct {
	Values      []any
	Descriptors []InterruptDescriptor
}

func (e *GraphInterrupt) Error() string {
	return fmt.Sprintf("graph: interrupted (%d pending)", len(e.Descriptors))
}

// NodeFailure wraps an unhandled error from a node's user function after
// its retry policy (if any) has been exhausted. It is surfaced to the
// caller; the runner records no __error__ pending write for the failed
// task.
type NodeFailure struct {
	Node  string
	Cause error
}

func (e *NodeFailure) Error() string {
	return fmt.Sprintf("graph: node %q failed: %v", e.Node, e.Cause)
}

func (e *NodeFailure) Unwrap() error { return e.Cause }
