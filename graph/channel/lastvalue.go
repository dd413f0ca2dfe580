package channel

// LastValue stores the most recent write. It rejects more than one write
// per step, since two nodes racing to set the same scalar channel in one
// superstep is almost always a graph authoring mistake rather than an
// intentional last-writer-wins merge; use AnyValue when that race is
// actually wanted.
type LastValue struct {
	value any
	set   bool
}

// NewLastValue returns a Factory for LastValue channels.
func NewLastValue() Factory {
	return func() Channel { return &LastValue{} }
}

type lastValueCheckpoint struct {
	Set   bool `json:"set"`
	Value any  `json:"value"`
}

func (c *LastValue) Update(values []any) (bool, error) {
	values = flatten(values)
	if len(values) == 0 {
		return false, nil
	}
	if len(values) > 1 {
		return false, &InvalidUpdateError{Reason: "at most one write per step is allowed"}
	}
	c.value = values[0]
	c.set = true
	return true, nil
}

func (c *LastValue) Get() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *LastValue) Checkpoint() (any, error) {
	if !c.set {
		return lastValueCheckpoint{}, nil
	}
	return lastValueCheckpoint{Set: true, Value: c.value}, nil
}

func (c *LastValue) FromCheckpoint(ck any) (Channel, error) {
	out := &LastValue{}
	if ck == nil {
		return out, nil
	}
	v, err := decodeCheckpoint[lastValueCheckpoint](ck)
	if err != nil {
		return nil, &InvalidUpdateError{Reason: "checkpoint is not a lastValueCheckpoint"}
	}
	out.set = v.Set
	out.value = v.Value
	return out, nil
}

func (c *LastValue) Consume() bool    { return false }
func (c *LastValue) Finish() bool     { return false }
func (c *LastValue) IsAvailable() bool { return c.set }
