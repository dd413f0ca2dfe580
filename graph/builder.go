package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rjdoyle/pregel-go/graph/channel"
	"github.com/rjdoyle/pregel-go/graph/checkpoint"
)

// START and END are pseudo-node names used only in AddEdge/
// AddConditionalEdge calls: START marks the run's entry edge(s), END marks
// a terminal transition that writes nothing. Neither may be passed to
// AddNode.
const (
	START = "__start__"
	END   = "__end__"
)

// reservedNames lists every channel/node name the runtime reserves for its
// own bookkeeping (spec.md §3's invariants). AddNode and AddChannel both
// reject these.
var reservedNames = map[string]bool{
	"__pregel_tasks":   true,
	"__interrupt__":    true,
	"__resume__":       true,
	"__start__":        true,
	"__end__":          true,
	"__error__":        true,
	"__scheduled__":    true,
	"__pregel_push__":  true,
	"__pregel_send__":  true,
}

// Router decides, after its owning node has run, which declared node (or
// END) the graph should transition to next. update is the Command.Update
// the node just produced, letting the router branch on what was written
// without re-reading channel state directly.
type Router func(ctx context.Context, update map[string]any) (string, error)

type nodeDef struct {
	name     string
	fn       NodeFunc
	triggers []string
	channels []string
	policy   *NodePolicy
}

type edgeDef struct {
	from, to string
}

type condEdgeDef struct {
	from    string
	router  Router
	pathMap map[string]string
}

// NodeOption configures a single AddNode call.
type NodeOption func(*nodeDef)

// WithReadChannels adds channel names to a node's read-projection beyond
// whatever channel triggered it. The planner includes their current value
// in the node's Input when available, without those channels causing the
// node to re-fire on their own.
func WithReadChannels(names ...string) NodeOption {
	return func(n *nodeDef) {
		n.channels = append(n.channels, names...)
	}
}

// WithTriggers adds channel names that, in addition to the node's incoming
// edges, make the node eligible to run whenever their version advances.
func WithTriggers(names ...string) NodeOption {
	return func(n *nodeDef) {
		n.triggers = append(n.triggers, names...)
	}
}

// WithNodePolicy attaches a retry/timeout policy to a single node,
// overriding the compiled graph's defaults for it.
func WithNodePolicy(p *NodePolicy) NodeOption {
	return func(n *nodeDef) {
		n.policy = p
	}
}

// StateGraph is the declarative builder a caller assembles before calling
// Compile. It mirrors the teacher's Engine[S] builder (graph/engine.go):
// Add/AddEdge/AddConditionalEdge accumulate into unexported slices/maps,
// validated only once, at Compile.
type StateGraph struct {
	channels    map[string]channel.Factory
	channelOrder []string
	nodeOrder   []string
	nodes       map[string]*nodeDef
	edges       []edgeDef
	condEdges   []condEdgeDef

	interruptBefore []string
	interruptAfter  []string

	inputChannels  []string
	outputChannels []string

	subgraphs map[string]*Pregel

	err error
}

// NewStateGraph returns an empty builder.
func NewStateGraph() *StateGraph {
	return &StateGraph{
		channels:  map[string]channel.Factory{},
		nodes:     map[string]*nodeDef{},
		subgraphs: map[string]*Pregel{},
	}
}

func (g *StateGraph) fail(err error) *StateGraph {
	if g.err == nil {
		g.err = err
	}
	return g
}

// AddChannel declares a named channel and the variant that backs it. Every
// channel a node reads, writes, or triggers on must be declared before
// Compile.
func (g *StateGraph) AddChannel(name string, factory channel.Factory) *StateGraph {
	if g.err != nil {
		return g
	}
	if reservedNames[name] {
		return g.fail(&GraphValidationError{Reason: fmt.Sprintf("channel name %q is reserved", name)})
	}
	if _, exists := g.channels[name]; exists {
		return g.fail(&GraphValidationError{Reason: fmt.Sprintf("channel %q already declared", name)})
	}
	g.channels[name] = factory
	g.channelOrder = append(g.channelOrder, name)
	return g
}

// SetInputChannels marks which declared channels accept the initial
// invoke/stream input, seeded at the run's step -1 checkpoint.
func (g *StateGraph) SetInputChannels(names ...string) *StateGraph {
	g.inputChannels = append(g.inputChannels, names...)
	return g
}

// SetOutputChannels marks which declared channels Invoke returns. If never
// called, Compile defaults it to every declared channel.
func (g *StateGraph) SetOutputChannels(names ...string) *StateGraph {
	g.outputChannels = append(g.outputChannels, names...)
	return g
}

// AddNode declares a node. name must not collide with a reserved token,
// START, or END.
func (g *StateGraph) AddNode(name string, fn NodeFunc, opts ...NodeOption) *StateGraph {
	if g.err != nil {
		return g
	}
	if name == START || name == END || reservedNames[name] {
		return g.fail(&GraphValidationError{Reason: fmt.Sprintf("node name %q is reserved", name)})
	}
	if _, exists := g.nodes[name]; exists {
		return g.fail(&GraphValidationError{Reason: fmt.Sprintf("node %q already declared", name)})
	}
	n := &nodeDef{name: name, fn: fn}
	for _, opt := range opts {
		opt(n)
	}
	g.nodes[name] = n
	g.nodeOrder = append(g.nodeOrder, name)
	return g
}

// AddEdge declares an unconditional transition: whenever from finishes
// running (successfully, without interrupting), the compiled graph
// triggers to on its next superstep regardless of what from's Command
// wrote. from may be START, in which case to becomes an entry point,
// triggered once at the run's first superstep. to may not be END for a
// plain edge with no data to carry — use AddConditionalEdge routing to END
// if a node should sometimes terminate the run.
func (g *StateGraph) AddEdge(from, to string) *StateGraph {
	if g.err != nil {
		return g
	}
	g.edges = append(g.edges, edgeDef{from: from, to: to})
	return g
}

// SetEntryPoint is shorthand for AddEdge(START, name).
func (g *StateGraph) SetEntryPoint(name string) *StateGraph {
	return g.AddEdge(START, name)
}

// AddConditionalEdge declares a data-dependent transition: after from
// finishes, router is called with its Command.Update, and the returned key
// is looked up in pathMap to find the next node (or END). If pathMap is
// nil, the router's return value is used directly as the next node's name.
func (g *StateGraph) AddConditionalEdge(from string, router Router, pathMap map[string]string) *StateGraph {
	if g.err != nil {
		return g
	}
	g.condEdges = append(g.condEdges, condEdgeDef{from: from, router: router, pathMap: pathMap})
	return g
}

// SetInterruptBefore lists nodes the runner pauses before executing,
// surfacing a GraphInterrupt so a caller can inspect state before the node
// runs (e.g. a human-in-the-loop approval gate).
func (g *StateGraph) SetInterruptBefore(names ...string) *StateGraph {
	g.interruptBefore = append(g.interruptBefore, names...)
	return g
}

// SetInterruptAfter lists nodes the runner pauses after executing, before
// the channel writes they produced are committed to the next checkpoint.
func (g *StateGraph) SetInterruptAfter(names ...string) *StateGraph {
	g.interruptAfter = append(g.interruptAfter, names...)
	return g
}

// AddSubgraph declares a node whose body delegates to an already-compiled
// subgraph, per spec.md §9's "subgraph embedding" design note: the
// subgraph gets its own checkpoint namespace, built by appending this
// node's name and declaration index to the parent's checkpoint_ns, so the
// parent's pending_sends/writes are never confused with the subgraph's.
// The subgraph runs to completion (or raises its own GraphInterrupt, which
// propagates through unchanged) using whatever Checkpointer it was
// compiled with; its final channel values become this node's Command.Update.
func (g *StateGraph) AddSubgraph(name string, sub *Pregel, opts ...NodeOption) *StateGraph {
	if g.err != nil {
		return g
	}
	if sub == nil {
		return g.fail(&GraphValidationError{Reason: fmt.Sprintf("subgraph node %q: nil subgraph", name)})
	}
	idx := len(g.nodeOrder)
	label := fmt.Sprintf("%s:%d", name, idx)
	fn := func(ctx context.Context, input map[string]any, rt *Runtime) (Command, error) {
		childNS := label
		if rt.CheckpointNS != "" {
			childNS = rt.CheckpointNS + "|" + label
		}
		childCfg := checkpoint.Config{
			ThreadID:     rt.ThreadID,
			CheckpointNS: childNS,
		}

		// A descendant node inside sub may return Command{Graph: Parent}
		// to write directly into this graph's channels instead of its own
		// subgraph's. Collect those writes here and fold them into this
		// node's own Update, so they land one level up exactly as spec.md
		// §4.6 describes, without this graph needing to know sub's
		// internal structure.
		var mu sync.Mutex
		escaped := map[string]any{}
		childCtx := context.WithValue(ctx, parentWriterKey{}, parentWriter(func(ch string, v any) {
			mu.Lock()
			defer mu.Unlock()
			escaped[ch] = v
		}))

		values, err := sub.Invoke(childCtx, input, childCfg)
		if err != nil {
			return Command{}, err
		}
		update := make(map[string]any, len(values)+len(escaped))
		for k, v := range values {
			update[k] = v
		}
		for k, v := range escaped {
			update[k] = v
		}
		return Command{Update: update}, nil
	}
	g.AddNode(name, fn, opts...)
	if g.err == nil {
		g.subgraphs[name] = sub
	}
	return g
}

func branchChannel(to string) string { return "branch:to:" + to }

// Compile validates the accumulated graph and produces an immutable Pregel
// ready for Invoke/Stream. Validation follows spec.md §4.3: no reserved
// node names, every edge endpoint declared (or START/END), input channels
// subscribed by at least one node, interrupt lists naming declared nodes,
// and conditional mappings naming declared nodes or END.
func (g *StateGraph) Compile(opts ...Option) (*Pregel, error) {
	if g.err != nil {
		return nil, g.err
	}

	cfg := &engineConfig{opts: Options{RecursionLimit: 25}}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.opts.Checkpointer == nil {
		cfg.opts.Checkpointer = defaultCheckpointer()
	}
	if cfg.opts.Emitter == nil {
		cfg.opts.Emitter = defaultEmitter()
	}

	if len(g.nodeOrder) == 0 {
		return nil, &GraphValidationError{Reason: "graph has no nodes"}
	}

	for _, name := range g.interruptBefore {
		if _, ok := g.nodes[name]; !ok {
			return nil, &GraphValidationError{Reason: fmt.Sprintf("interrupt_before names undeclared node %q", name)}
		}
	}
	for _, name := range g.interruptAfter {
		if _, ok := g.nodes[name]; !ok {
			return nil, &GraphValidationError{Reason: fmt.Sprintf("interrupt_after names undeclared node %q", name)}
		}
	}

	validTarget := func(name string) bool {
		if name == END {
			return true
		}
		_, ok := g.nodes[name]
		return ok
	}

	hasEntry := false
	for _, e := range g.edges {
		if e.from != START && !validTarget(e.from) {
			return nil, &GraphValidationError{Reason: fmt.Sprintf("edge from undeclared node %q", e.from)}
		}
		if e.to == END || !validTarget(e.to) {
			return nil, &GraphValidationError{Reason: fmt.Sprintf("edge to undeclared node %q (or END, which plain edges cannot target)", e.to)}
		}
		if e.from == START {
			hasEntry = true
		}
	}
	for _, ce := range g.condEdges {
		if !validTarget(ce.from) {
			return nil, &GraphValidationError{Reason: fmt.Sprintf("conditional edge from undeclared node %q", ce.from)}
		}
		for key, target := range ce.pathMap {
			if !validTarget(target) {
				return nil, &GraphValidationError{Reason: fmt.Sprintf("conditional edge path %q targets undeclared node %q", key, target)}
			}
		}
	}
	if !hasEntry {
		return nil, &GraphValidationError{Reason: "graph has no entry point (call SetEntryPoint/AddEdge(START, ...))"}
	}

	// Materialize implicit channels: "__start__" (an AnyValue every entry
	// node triggers on) and one AnyValue "branch:to:<node>" per distinct
	// edge/conditional-edge target, per spec.md §4.3's "auto_subscribe
	// edges materialize as branch:to:<node> channels" rule.
	channels := map[string]channel.Factory{}
	for name, f := range g.channels {
		channels[name] = f
	}
	channels["__start__"] = channel.NewAnyValue()

	targets := map[string]bool{}
	for _, e := range g.edges {
		if e.to != END {
			targets[e.to] = true
		}
	}
	for _, ce := range g.condEdges {
		for _, target := range ce.pathMap {
			if target != END {
				targets[target] = true
			}
		}
		if ce.pathMap == nil {
			// Router's return value is used directly; every declared node
			// is a potential target.
			for name := range g.nodes {
				targets[name] = true
			}
		}
	}
	for name := range targets {
		bc := branchChannel(name)
		if _, exists := channels[bc]; !exists {
			channels[bc] = channel.NewAnyValue()
		}
	}

	// Build each node's triggers/channels: entry nodes trigger on
	// "__start__" and read the declared input channels; every other node
	// triggers on its incoming branch:to:<name> channel plus whatever
	// WithTriggers added, and reads that trigger set plus whatever
	// WithReadChannels added.
	incoming := map[string][]string{}
	for _, e := range g.edges {
		if e.from == START {
			incoming[e.to] = append(incoming[e.to], "__start__")
			continue
		}
		incoming[e.to] = append(incoming[e.to], branchChannel(e.to))
	}
	for name := range targets {
		incoming[name] = append(incoming[name], branchChannel(name))
	}

	pnodes := make(map[string]*PregelNode, len(g.nodes))
	for i, name := range g.nodeOrder {
		n := g.nodes[name]
		triggers := append([]string{}, incoming[name]...)
		triggers = append(triggers, n.triggers...)
		triggers = dedupStrings(triggers)

		chset := append([]string{}, triggers...)
		if isEntry(name, incoming) {
			chset = append(chset, g.inputChannels...)
		}
		chset = append(chset, n.channels...)
		chset = dedupStrings(chset)

		for _, c := range triggers {
			if _, ok := channels[c]; !ok {
				return nil, &GraphValidationError{Reason: fmt.Sprintf("node %q triggers on undeclared channel %q", name, c)}
			}
		}
		for _, c := range chset {
			if _, ok := channels[c]; !ok {
				return nil, &GraphValidationError{Reason: fmt.Sprintf("node %q reads undeclared channel %q", name, c)}
			}
		}

		pnodes[name] = &PregelNode{
			Name:     name,
			Fn:       n.fn,
			Triggers: triggers,
			Channels: chset,
			Policy:   n.policy,
			Index:    i,
		}
	}

	for _, name := range g.inputChannels {
		if _, ok := channels[name]; !ok {
			return nil, &GraphValidationError{Reason: fmt.Sprintf("input channel %q not declared", name)}
		}
		subscribed := false
		for _, pn := range pnodes {
			if containsString(pn.Channels, name) {
				subscribed = true
				break
			}
		}
		if !subscribed {
			return nil, &GraphValidationError{Reason: fmt.Sprintf("input channel %q is not read by any node", name)}
		}
	}

	outputChannels := g.outputChannels
	if len(outputChannels) == 0 {
		outputChannels = append([]string{}, g.channelOrder...)
	}

	edgesByFrom := map[string][]string{}
	for _, e := range g.edges {
		if e.from == START {
			continue
		}
		edgesByFrom[e.from] = append(edgesByFrom[e.from], e.to)
	}
	condEdgesByFrom := map[string][]condEdgeDef{}
	for _, ce := range g.condEdges {
		condEdgesByFrom[ce.from] = append(condEdgesByFrom[ce.from], ce)
	}

	p := &Pregel{
		nodes:            pnodes,
		nodeOrder:        append([]string{}, g.nodeOrder...),
		channelFactories: channels,
		channelOrder:     append([]string{}, g.channelOrder...),
		inputChannels:    append([]string{}, g.inputChannels...),
		outputChannels:   outputChannels,
		edgesByFrom:      edgesByFrom,
		condEdgesByFrom:  condEdgesByFrom,
		interruptBefore:  toSet(g.interruptBefore),
		interruptAfter:   toSet(g.interruptAfter),
		opts:             cfg.opts,
		subgraphs:        g.subgraphs,
	}
	return p, nil
}

func isEntry(name string, incoming map[string][]string) bool {
	for _, t := range incoming[name] {
		if t == "__start__" {
			return true
		}
	}
	return false
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func containsString(in []string, s string) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}

func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

// PregelNode is a compiled node: its function, the channels that trigger
// it, the channels it reads once triggered, its declaration order (used
// only to break the planner's deterministic tie-break), and its retry
// policy.
type PregelNode struct {
	Name     string
	Fn       NodeFunc
	Triggers []string
	Channels []string
	Policy   *NodePolicy
	Index    int
}
