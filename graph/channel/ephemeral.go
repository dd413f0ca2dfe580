package channel

// EphemeralValue is visible only during the step immediately after it was
// written; if nothing rewrites it the following step, it goes back to
// empty. This models a one-shot signal passed from a producing node to the
// specific consumer triggered in the next superstep, without lingering in
// every later checkpoint.
type EphemeralValue struct {
	value           any
	set             bool
	updatedThisStep bool
}

// NewEphemeralValue returns a Factory for EphemeralValue channels.
func NewEphemeralValue() Factory {
	return func() Channel { return &EphemeralValue{} }
}

func (c *EphemeralValue) Update(values []any) (bool, error) {
	values = flatten(values)
	if len(values) == 0 {
		return false, nil
	}
	if len(values) > 1 {
		return false, &InvalidUpdateError{Reason: "at most one write per step is allowed"}
	}
	c.value = values[0]
	c.set = true
	c.updatedThisStep = true
	return true, nil
}

func (c *EphemeralValue) Get() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *EphemeralValue) Checkpoint() (any, error) {
	if !c.updatedThisStep {
		// Not rewritten this step: the next reconstruction should see it
		// as empty, so the checkpointed state is cleared even though the
		// live value is still technically visible until the run restarts.
		return lastValueCheckpoint{}, nil
	}
	return lastValueCheckpoint{Set: true, Value: c.value}, nil
}

func (c *EphemeralValue) FromCheckpoint(ck any) (Channel, error) {
	out := &EphemeralValue{}
	if ck == nil {
		return out, nil
	}
	v, err := decodeCheckpoint[lastValueCheckpoint](ck)
	if err != nil {
		return nil, &InvalidUpdateError{Reason: "checkpoint is not a lastValueCheckpoint"}
	}
	out.set = v.Set
	out.value = v.Value
	// updatedThisStep starts false: the carried-over value is visible to
	// reads this step but will expire at the next Checkpoint unless
	// something writes to it again.
	return out, nil
}

func (c *EphemeralValue) Consume() bool    { return false }
func (c *EphemeralValue) Finish() bool     { return false }
func (c *EphemeralValue) IsAvailable() bool { return c.set }
