package graph

import (
	"math/rand"
	"time"
)

// NodePolicy configures the execution behavior for a specific node: its
// timeout and retry strategy. If not specified, the engine's Options
// defaults apply.
type NodePolicy struct {
	// Timeout is the maximum execution time allowed for this node. If
	// zero, Options.DefaultNodeTimeout is used.
	Timeout time.Duration

	// RetryPolicy specifies automatic retry behavior for transient
	// failures. If nil, a NodeFailure is never retried.
	RetryPolicy *RetryPolicy
}

// RetryPolicy defines automatic retry configuration for transient node
// failures. Only NodeFailure is ever retried; GraphInterrupt and
// InvalidUpdateError never are (per spec.md §7's propagation policy).
// Exponential backoff with jitter is used to avoid thundering herd
// problems across sibling tasks retrying in the same step.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including
	// the initial attempt). Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between
	// retries. The actual delay is min(BaseDelay*2^attempt, MaxDelay) +
	// jitter(0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth of the backoff. Must be >=
	// BaseDelay if both are set; zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether a failure should be retried. If nil, no
	// error is considered retryable and the task fails on first attempt.
	Retryable func(error) bool
}

// computeBackoff returns the delay before the next retry attempt, using
// exponential backoff with jitter: delay = min(base*2^attempt, maxDelay) +
// jitter(0, base). attempt is zero-based (0 = delay before the first
// retry). rng may be nil, in which case math/rand's global source is used
// — acceptable here since retry timing is not itself part of any
// determinism guarantee the engine makes.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing jitter, not security-sensitive
		}
	}

	return exponentialDelay + jitter
}

// Validate reports whether the policy's constraints hold: MaxAttempts >= 1,
// and MaxDelay >= BaseDelay whenever both are set.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}
