package channel

import "encoding/json"

// Topic is a pub-sub list channel: every write appends to the visible list
// rather than replacing it. With Accumulate set, the list survives across
// steps (a running log); otherwise it is reset to just the current step's
// writes each time it is reconstructed from a checkpoint, which is the
// shape map-reduce fan-in over Send packets wants.
type Topic struct {
	unique     bool
	accumulate bool
	values     []any
	seenKeys   map[string]struct{}
}

// NewTopic returns a Factory for Topic channels. unique drops structurally
// duplicate writes within the channel's current window; accumulate keeps
// prior steps' values instead of resetting the window each step.
func NewTopic(unique, accumulate bool) Factory {
	return func() Channel {
		return &Topic{unique: unique, accumulate: accumulate}
	}
}

type topicCheckpoint struct {
	Values []any `json:"values"`
}

func structuralKey(v any) (string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (c *Topic) Update(values []any) (bool, error) {
	values = flatten(values)
	if len(values) == 0 {
		return false, nil
	}
	if !c.accumulate {
		c.values = nil
		c.seenKeys = nil
	}
	if c.unique && c.seenKeys == nil {
		c.seenKeys = make(map[string]struct{}, len(c.values))
		for _, v := range c.values {
			if k, ok := structuralKey(v); ok {
				c.seenKeys[k] = struct{}{}
			}
		}
	}
	changed := false
	for _, v := range values {
		if c.unique {
			k, ok := structuralKey(v)
			if ok {
				if _, dup := c.seenKeys[k]; dup {
					continue
				}
				c.seenKeys[k] = struct{}{}
			}
		}
		c.values = append(c.values, v)
		changed = true
	}
	return changed, nil
}

func (c *Topic) Get() (any, error) {
	if len(c.values) == 0 {
		return nil, ErrEmptyChannel
	}
	out := make([]any, len(c.values))
	copy(out, c.values)
	return out, nil
}

func (c *Topic) Checkpoint() (any, error) {
	if !c.accumulate {
		// Non-accumulating topics reset their window on every
		// reconstruction, so nothing survives into the next step.
		return topicCheckpoint{}, nil
	}
	return topicCheckpoint{Values: c.values}, nil
}

func (c *Topic) FromCheckpoint(ck any) (Channel, error) {
	out := &Topic{unique: c.unique, accumulate: c.accumulate}
	if ck == nil {
		return out, nil
	}
	v, err := decodeCheckpoint[topicCheckpoint](ck)
	if err != nil {
		return nil, &InvalidUpdateError{Reason: "checkpoint is not a topicCheckpoint"}
	}
	if c.accumulate {
		out.values = append([]any{}, v.Values...)
	}
	return out, nil
}

func (c *Topic) Consume() bool {
	if c.accumulate || len(c.values) == 0 {
		return false
	}
	c.values = nil
	c.seenKeys = nil
	return true
}

func (c *Topic) Finish() bool     { return false }
func (c *Topic) IsAvailable() bool { return len(c.values) > 0 }
