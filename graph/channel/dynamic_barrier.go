package channel

// DynamicBarrierValue is a NamedBarrierValue whose membership is not known
// until runtime: it starts unprimed, accepts exactly one WaitForNames write
// to fix its membership, and only then accepts BarrierWrite values. This
// grounds fan-in over a Send-produced set of branches, where the branch
// count depends on the input rather than the graph's static shape.
type DynamicBarrierValue struct {
	primed bool
	names  map[string]struct{}
	seen   map[string]struct{}
	values map[string]any
}

// NewDynamicBarrierValue returns a Factory for DynamicBarrierValue channels.
func NewDynamicBarrierValue() Factory {
	return func() Channel {
		return &DynamicBarrierValue{
			names:  map[string]struct{}{},
			seen:   map[string]struct{}{},
			values: map[string]any{},
		}
	}
}

type dynamicBarrierCheckpoint struct {
	Primed bool           `json:"primed"`
	Names  []string       `json:"names"`
	Seen   []string       `json:"seen"`
	Values map[string]any `json:"values"`
}

func (c *DynamicBarrierValue) Update(values []any) (bool, error) {
	changed := false
	for _, raw := range values {
		if wfn, ok := raw.(WaitForNames); ok {
			if c.primed {
				return changed, &InvalidUpdateError{Reason: "dynamic barrier is already primed"}
			}
			c.names = sliceToSet(wfn.Names)
			c.primed = true
			changed = true
			continue
		}
		w, ok := raw.(BarrierWrite)
		if !ok {
			return changed, &InvalidUpdateError{Reason: "dynamic barrier accepts only WaitForNames or BarrierWrite"}
		}
		if !c.primed {
			return changed, &InvalidUpdateError{Reason: "dynamic barrier must be primed with WaitForNames before values"}
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

func (c *DynamicBarrierValue) IsAvailable() bool {
	if !c.primed || len(c.names) == 0 {
		return false
	}
	return len(c.seen) == len(c.names)
}

func (c *DynamicBarrierValue) Get() (any, error) {
	if !c.IsAvailable() {
		return nil, ErrEmptyChannel
	}
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, nil
}

func (c *DynamicBarrierValue) Checkpoint() (any, error) {
	return dynamicBarrierCheckpoint{
		Primed: c.primed,
		Names:  setToSlice(c.names),
		Seen:   setToSlice(c.seen),
		Values: c.values,
	}, nil
}

func (c *DynamicBarrierValue) FromCheckpoint(ck any) (Channel, error) {
	out := &DynamicBarrierValue{names: map[string]struct{}{}, seen: map[string]struct{}{}, values: map[string]any{}}
	if ck == nil {
		return out, nil
	}
	v, err := decodeCheckpoint[dynamicBarrierCheckpoint](ck)
	if err != nil {
		return nil, &InvalidUpdateError{Reason: "checkpoint is not a dynamicBarrierCheckpoint"}
	}
	out.primed = v.Primed
	out.names = sliceToSet(v.Names)
	out.seen = sliceToSet(v.Seen)
	for k, val := range v.Values {
		out.values[k] = val
	}
	return out, nil
}

// Consume re-arms the barrier for another round without losing its primed
// membership, since a dynamic barrier is normally reused across many Send
// rounds with the same fan-out shape.
func (c *DynamicBarrierValue) Consume() bool {
	if len(c.seen) == 0 {
		return false
	}
	c.seen = map[string]struct{}{}
	c.values = map[string]any{}
	return true
}

// Finish un-primes the barrier, requiring a fresh WaitForNames before it
// accepts values again. Graphs that re-fan-out with a different branch
// count each round call this between rounds.
func (c *DynamicBarrierValue) Finish() bool {
	if !c.primed {
		return false
	}
	c.primed = false
	c.names = map[string]struct{}{}
	c.seen = map[string]struct{}{}
	c.values = map[string]any{}
	return true
}
