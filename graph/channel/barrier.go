package channel

import "sort"

// BarrierWrite is the value a node writes to a barrier channel. Unlike the
// other variants, barrier channels need to know which node a write came
// from in order to track membership, so the runner wraps every write to a
// barrier-typed channel in a BarrierWrite rather than passing the raw value.
type BarrierWrite struct {
	Name  string
	Value any
}

// WaitForNames primes a DynamicBarrierValue with the set of node names it
// should wait on. It is itself written to the channel like any other value,
// ahead of the BarrierWrite values it gates.
type WaitForNames struct {
	Names []string
}

// NamedBarrierValue becomes available only once every node named in its
// membership set has written to it during the run's lifetime; Consume
// clears the bookkeeping so the same barrier can gate a later round. This
// is the channel fan-in with is used to join parallel branches: a join node
// triggers on it, and the planner will not schedule that node until all of
// the branch nodes have reported in.
type NamedBarrierValue struct {
	names  map[string]struct{}
	seen   map[string]struct{}
	values map[string]any
}

// NewNamedBarrierValue returns a Factory for NamedBarrierValue channels that
// wait on exactly the given node names.
func NewNamedBarrierValue(names ...string) Factory {
	return func() Channel {
		return newNamedBarrier(names)
	}
}

func newNamedBarrier(names []string) *NamedBarrierValue {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &NamedBarrierValue{
		names:  set,
		seen:   map[string]struct{}{},
		values: map[string]any{},
	}
}

type barrierCheckpoint struct {
	Names    []string         `json:"names"`
	Seen     []string         `json:"seen"`
	Values   map[string]any   `json:"values"`
	Finished bool             `json:"finished,omitempty"`
}

func (c *NamedBarrierValue) namesSlice() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *NamedBarrierValue) Update(values []any) (bool, error) {
	changed := false
	for _, raw := range values {
		w, ok := raw.(BarrierWrite)
		if !ok {
			return changed, &InvalidUpdateError{Reason: "barrier channels require a BarrierWrite naming the source node"}
		}
		if _, member := c.names[w.Name]; !member {
			return changed, &InvalidUpdateError{Reason: "node " + w.Name + " is not a member of this barrier"}
		}
		c.seen[w.Name] = struct{}{}
		c.values[w.Name] = w.Value
		changed = true
	}
	return changed, nil
}

func (c *NamedBarrierValue) IsAvailable() bool {
	if len(c.names) == 0 {
		return false
	}
	return len(c.seen) == len(c.names)
}

func (c *NamedBarrierValue) Get() (any, error) {
	if !c.IsAvailable() {
		return nil, ErrEmptyChannel
	}
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, nil
}

func (c *NamedBarrierValue) Checkpoint() (any, error) {
	return barrierCheckpoint{
		Names:  c.namesSlice(),
		Seen:   setToSlice(c.seen),
		Values: c.values,
	}, nil
}

func (c *NamedBarrierValue) FromCheckpoint(ck any) (Channel, error) {
	out := newNamedBarrier(c.namesSlice())
	if ck == nil {
		return out, nil
	}
	v, err := decodeCheckpoint[barrierCheckpoint](ck)
	if err != nil {
		return nil, &InvalidUpdateError{Reason: "checkpoint is not a barrierCheckpoint"}
	}
	out.names = sliceToSet(v.Names)
	out.seen = sliceToSet(v.Seen)
	out.values = map[string]any{}
	for k, val := range v.Values {
		out.values[k] = val
	}
	return out, nil
}

// Consume clears the seen set once the triggered node has read it,
// re-arming the barrier for a subsequent round of writes.
func (c *NamedBarrierValue) Consume() bool {
	if len(c.seen) == 0 {
		return false
	}
	c.seen = map[string]struct{}{}
	c.values = map[string]any{}
	return true
}

func (c *NamedBarrierValue) Finish() bool { return false }

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sliceToSet(s []string) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for _, v := range s {
		out[v] = struct{}{}
	}
	return out
}

// NamedBarrierValueAfterFinish behaves like NamedBarrierValue but also
// requires an explicit Finish() before it will ever report available, even
// if every named node has already written. This models a join that must
// not fire until the graph has also signaled "no more branches will be
// added", which a plain NamedBarrierValue cannot express when the branch
// set is itself dynamic.
//
// The runner never calls Finish() on the superstep loop's own behalf —
// there is no generic "no more branches" signal it could derive without
// knowing the graph's intent. A node must call it explicitly through a
// channel write (e.g. a sentinel value a node's Command.Update targets at
// this channel, interpreted by a wrapper that calls Finish() before
// delegating the real update). That makes this channel usable today only
// by a caller who wires such a wrapper; it is kept as a library primitive
// for that case rather than bolted to automatic runner behavior it can't
// generically infer.
type NamedBarrierValueAfterFinish struct {
	NamedBarrierValue
	finished bool
}

// NewNamedBarrierValueAfterFinish returns a Factory for
// NamedBarrierValueAfterFinish channels.
func NewNamedBarrierValueAfterFinish(names ...string) Factory {
	return func() Channel {
		return &NamedBarrierValueAfterFinish{NamedBarrierValue: *newNamedBarrier(names)}
	}
}

func (c *NamedBarrierValueAfterFinish) IsAvailable() bool {
	return c.finished && c.NamedBarrierValue.IsAvailable()
}

func (c *NamedBarrierValueAfterFinish) Finish() bool {
	if c.finished {
		return false
	}
	c.finished = true
	return true
}

func (c *NamedBarrierValueAfterFinish) Checkpoint() (any, error) {
	ck, err := c.NamedBarrierValue.Checkpoint()
	if err != nil {
		return nil, err
	}
	bc := ck.(barrierCheckpoint)
	bc.Finished = c.finished
	return bc, nil
}

func (c *NamedBarrierValueAfterFinish) FromCheckpoint(ck any) (Channel, error) {
	base, err := c.NamedBarrierValue.FromCheckpoint(ck)
	if err != nil {
		return nil, err
	}
	out := &NamedBarrierValueAfterFinish{NamedBarrierValue: *(base.(*NamedBarrierValue))}
	if ck != nil {
		if bc, err := decodeCheckpoint[barrierCheckpoint](ck); err == nil {
			out.finished = bc.Finished
		}
	}
	return out, nil
}
