package graph

import "github.com/rjdoyle/pregel-go/graph/checkpoint"

// GraphTarget redirects a Command's writes to a different namespace than
// the emitting node's own. The only value defined today is Parent.
type GraphTarget string

// Parent reroutes a Command's Update/Goto/Resume to the enclosing graph's
// namespace instead of the current (sub)graph's. A node that returns it in
// a graph with no parent fails the run with InvalidUpdateError.
const Parent GraphTarget = "PARENT"

// Command is the control-flow record a NodeFunc returns to drive what
// happens next: which channels to write (Update), which node(s) to route
// to explicitly (Goto), which pending interrupts to resume (Resume), and
// whether to redirect all of the above to the parent graph (Graph).
//
// Goto entries are either a plain string (routed as a
// branch:to:<node> channel write) or a checkpoint.Send (pushed as a
// pending send, carrying its own argument independent of any channel).
type Command struct {
	Update map[string]any
	Goto   []any
	// Resume supplies values for pending interrupts: either a single
	// value (applied to the next unresolved interrupt index) or a
	// map[int]any keyed by interrupt index for a task that interrupted
	// more than once.
	Resume any
	Graph  GraphTarget
}

// sends extracts the checkpoint.Send packets from Goto, in order.
func (c Command) sends() []checkpoint.Send {
	var out []checkpoint.Send
	for _, g := range c.Goto {
		if s, ok := g.(checkpoint.Send); ok {
			out = append(out, s)
		}
	}
	return out
}

// branchTargets extracts the plain string node names from Goto, in order.
func (c Command) branchTargets() []string {
	var out []string
	for _, g := range c.Goto {
		if s, ok := g.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// resumeMap normalizes Resume into a map[int]any keyed by interrupt index;
// a plain (non-map) value is keyed under -1, meaning "the next unresolved
// interrupt this task raises, regardless of its index" (scratchpad's
// usedNullResume flag enforces this applies at most once per task).
func resumeMap(resume any) map[int]any {
	if resume == nil {
		return nil
	}
	if m, ok := resume.(map[int]any); ok {
		return m
	}
	return map[int]any{-1: resume}
}
