// Package planner computes, once per superstep, the set of tasks that
// should run next. It replaces the teacher's runtime Frontier/workHeap
// scheduler (graph/scheduler.go) — here the task set for a step is bounded
// and fully known before any task executes, so there is no need for a live
// priority queue; the heap's job shrinks to a one-shot deterministic sort.
package planner

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/rjdoyle/pregel-go/graph/channel"
	"github.com/rjdoyle/pregel-go/graph/checkpoint"
)

// ErrRecursionLimit is returned when planning would start a step beyond
// the run's configured recursion limit, guarding against graphs whose
// conditional routing never reaches a terminal state.
var ErrRecursionLimit = errors.New("planner: recursion limit exceeded")

// NodeSpec is the planner's view of a compiled node: which channels
// trigger it, and the full set of channels it reads once triggered
// (a superset of Triggers when a node also reads context channels that
// do not by themselves cause it to run).
type NodeSpec struct {
	Name     string
	Triggers []string
	Channels []string
	// Index is the node's position in the graph's declaration order, used
	// only to break order-key ties deterministically.
	Index int
}

// Task is one unit of work the runner will execute this step.
type Task struct {
	// ID deterministically identifies this task within its step: two
	// calls to Plan over identical inputs produce identical IDs, which is
	// what lets PutWrites key buffered writes by task and have a retried
	// task's writes replace rather than duplicate its previous attempt.
	ID string
	// Node is the node name to execute.
	Node string
	// TriggerChannel is the channel whose version bump triggered this
	// task; empty if the task was produced by a pending Send instead.
	TriggerChannel string
	// Send is non-nil when this task was produced by a pending Send
	// packet rather than by channel triggering.
	Send *checkpoint.Send
	// Input holds the current value of every channel the node declared
	// it reads, keyed by channel name. Absent keys mean the channel was
	// empty; callers should treat a missing key as "no input available"
	// rather than panic.
	Input map[string]any
	// OrderKey is the deterministic sort key this task was placed by; it
	// is exposed mainly for tests and debug streaming.
	OrderKey uint64
}

// Input bundles everything Plan needs to compute one step's task set.
type Input struct {
	Step            int
	Nodes           []NodeSpec
	Channels        map[string]channel.Channel
	ChannelVersions map[string]int64
	VersionsSeen    map[string]map[string]int64
	PendingSends    []checkpoint.Send
	RecursionLimit  int
}

// computeOrderKey is the planner's adaptation of the teacher's
// scheduler.computeOrderKey: a SHA-256 hash of the node name and its
// declared index, truncated to a uint64. Where the teacher hashed a
// (parentNodeID, edgeIndex) pair to order dynamically spawned work items
// in a live queue, this hashes a (nodeName, index) pair to order a
// statically known task set — the same "deterministic total order from a
// cheap hash" trick, applied one level up.
func computeOrderKey(nodeName string, index int) uint64 {
	h := sha256.New()
	h.Write([]byte(nodeName))
	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], uint32(index))
	h.Write(idxBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func taskID(step int, node string, trigger string, sendIndex int) string {
	h := sha256.New()
	var stepBytes [8]byte
	binary.BigEndian.PutUint64(stepBytes[:], uint64(step))
	h.Write(stepBytes[:])
	h.Write([]byte(node))
	h.Write([]byte(trigger))
	var sendBytes [8]byte
	binary.BigEndian.PutUint64(sendBytes[:], uint64(sendIndex))
	h.Write(sendBytes[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Plan computes the deterministic task list for the given step. Send
// packets become tasks first, in the order they were queued; triggered
// nodes follow, sorted by a hash of (node name, declaration index) so that
// two planning passes over identical channel state always agree, even
// across process restarts or different machines.
//
// A node is triggered when any channel in its Triggers list carries a
// version newer than what VersionsSeen records for that node and that
// channel IsAvailable(); the other triggers need not be available. Reading
// from an unavailable non-triggering channel in Channels is allowed; the
// task's Input simply omits that entry.
func Plan(in Input) ([]Task, error) {
	if in.RecursionLimit > 0 && in.Step > in.RecursionLimit {
		return nil, fmt.Errorf("%w: step %d exceeds limit %d", ErrRecursionLimit, in.Step, in.RecursionLimit)
	}

	var tasks []Task

	for i, send := range in.PendingSends {
		tasks = append(tasks, Task{
			ID:   taskID(in.Step, send.Node, "", i),
			Node: send.Node,
			Send: &checkpoint.Send{Node: send.Node, Args: send.Args},
		})
	}

	type candidate struct {
		spec     NodeSpec
		trigger  string
		orderKey uint64
	}
	var candidates []candidate

	for _, spec := range in.Nodes {
		triggerChannel, ok := firstTriggering(spec, in)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			spec:     spec,
			trigger:  triggerChannel,
			orderKey: computeOrderKey(spec.Name, spec.Index),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].orderKey != candidates[j].orderKey {
			return candidates[i].orderKey < candidates[j].orderKey
		}
		return candidates[i].spec.Index < candidates[j].spec.Index
	})

	for _, c := range candidates {
		input := map[string]any{}
		for _, ch := range c.spec.Channels {
			ci, ok := in.Channels[ch]
			if !ok || !ci.IsAvailable() {
				continue
			}
			v, err := ci.Get()
			if err != nil {
				continue
			}
			input[ch] = v
		}
		tasks = append(tasks, Task{
			ID:             taskID(in.Step, c.spec.Name, c.trigger, 0),
			Node:           c.spec.Name,
			TriggerChannel: c.trigger,
			Input:          input,
			OrderKey:       c.orderKey,
		})
	}

	return tasks, nil
}

// firstTriggering reports whether spec should run this step, and if so the
// (lexically first, for determinism) trigger channel responsible. A node
// with no declared Triggers never fires on its own — it is reached only
// via Send or as the run's start node.
func firstTriggering(spec NodeSpec, in Input) (string, bool) {
	var best string
	found := false
	for _, name := range spec.Triggers {
		ch, ok := in.Channels[name]
		if !ok || !ch.IsAvailable() {
			continue
		}
		version := in.ChannelVersions[name]
		seen := in.VersionsSeen[spec.Name][name]
		if version <= seen {
			continue
		}
		if !found || name < best {
			best = name
			found = true
		}
	}
	return best, found
}
