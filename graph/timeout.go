package graph

import (
	"context"
	"time"
)

// nodeTimeout determines the timeout for a node by precedence: its own
// NodePolicy.Timeout, else the engine-wide default, else unlimited (0).
func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return defaultTimeout
}

// runWithTimeout wraps a single node invocation with timeout enforcement,
// returning context.DeadlineExceeded (wrapped as a NodeFailure by the
// caller) if the node exceeds its allotted time.
func runWithTimeout(
	ctx context.Context,
	fn NodeFunc,
	input map[string]any,
	rt *Runtime,
	timeout time.Duration,
) (Command, error) {
	if timeout == 0 {
		return fn(ctx, input, rt)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := fn(timeoutCtx, input, rt)
	if err == nil && timeoutCtx.Err() == context.DeadlineExceeded {
		return cmd, context.DeadlineExceeded
	}
	return cmd, err
}
