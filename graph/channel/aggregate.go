package channel

// BinaryOperator folds a new write into the channel's accumulated value. It
// must be associative enough that applying writes one at a time, in
// arrival order, gives the same result an implementation is allowed to rely
// on; the planner does not guarantee any particular interleaving of writes
// from different nodes beyond the deterministic task order of a step.
type BinaryOperator func(accumulated, next any) any

// BinaryOperatorAggregate folds every write through an operator instead of
// replacing the value, e.g. a running sum, a set union, or an error list
// that grows across the whole run. If no Init function is supplied, the
// first write observed across the channel's lifetime seeds the value.
type BinaryOperatorAggregate struct {
	op     BinaryOperator
	initFn func() any
	value  any
	set    bool
}

// NewBinaryOperatorAggregate returns a Factory for BinaryOperatorAggregate
// channels using op to fold writes. init may be nil, in which case the
// first write observed seeds the accumulator instead of being folded
// through op.
func NewBinaryOperatorAggregate(op BinaryOperator, init func() any) Factory {
	return func() Channel {
		return &BinaryOperatorAggregate{op: op, initFn: init}
	}
}

type aggregateCheckpoint struct {
	Set   bool `json:"set"`
	Value any  `json:"value"`
}

func (c *BinaryOperatorAggregate) Update(values []any) (bool, error) {
	values = flatten(values)
	if len(values) == 0 {
		return false, nil
	}
	start := 0
	if !c.set {
		if c.initFn != nil {
			c.value = c.initFn()
		} else {
			c.value = values[0]
			start = 1
		}
		c.set = true
	}
	for _, v := range values[start:] {
		c.value = c.op(c.value, v)
	}
	return true, nil
}

func (c *BinaryOperatorAggregate) Get() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *BinaryOperatorAggregate) Checkpoint() (any, error) {
	if !c.set {
		return aggregateCheckpoint{}, nil
	}
	return aggregateCheckpoint{Set: true, Value: c.value}, nil
}

func (c *BinaryOperatorAggregate) FromCheckpoint(ck any) (Channel, error) {
	out := &BinaryOperatorAggregate{op: c.op, initFn: c.initFn}
	if ck == nil {
		return out, nil
	}
	v, err := decodeCheckpoint[aggregateCheckpoint](ck)
	if err != nil {
		return nil, &InvalidUpdateError{Reason: "checkpoint is not an aggregateCheckpoint"}
	}
	out.set = v.Set
	out.value = v.Value
	return out, nil
}

func (c *BinaryOperatorAggregate) Consume() bool    { return false }
func (c *BinaryOperatorAggregate) Finish() bool     { return false }
func (c *BinaryOperatorAggregate) IsAvailable() bool { return c.set }
