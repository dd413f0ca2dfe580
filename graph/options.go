package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rjdoyle/pregel-go/graph/checkpoint"
	"github.com/rjdoyle/pregel-go/graph/emit"
)

// Option is a functional option for configuring a StateGraph at Compile
// time, following the teacher's chainable-option-over-a-struct pattern.
//
// Example:
//
//	g, err := builder.Compile(
//	    graph.WithRecursionLimit(50),
//	    graph.WithDefaultNodeTimeout(10*time.Second),
//	    graph.WithMaxConcurrentTasks(8),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to the compiled
// Pregel, mirroring the teacher's indirection so options can validate and
// compose before taking effect.
type engineConfig struct {
	opts Options
}

// Options holds every tunable of a compiled graph. Any field left zero
// falls back to the default noted on its Option.
type Options struct {
	// RecursionLimit caps the number of supersteps a single invoke/stream
	// call may run. Default: 25 (spec.md §6).
	RecursionLimit int

	// MaxConcurrentTasks bounds how many tasks within one step may run
	// at once via errgroup.SetLimit. Default: 0 (errgroup's "unlimited").
	MaxConcurrentTasks int

	// DefaultNodeTimeout applies to nodes without their own
	// NodePolicy.Timeout. Default: 0 (unlimited).
	DefaultNodeTimeout time.Duration

	// StepTimeout bounds one superstep's task group (spec.md §5: "a
	// per-step timeout fails the step"). It is independent of any
	// per-node timeout: a step can fail this way even if every
	// individual task is still within its own NodePolicy.Timeout,
	// because sibling tasks collectively ran too long. If no pending
	// writes were persisted before the deadline, the next resume
	// replans the step identically. Default: 0 (unlimited).
	StepTimeout time.Duration

	// RunWallClockBudget bounds the total duration of one invoke/stream
	// call. Default: 0 (unlimited).
	RunWallClockBudget time.Duration

	// Metrics, if set, receives Prometheus instrumentation for every
	// step and task. Default: nil (disabled).
	Metrics *PrometheusMetrics

	// Store, if set, is handed to every node through Runtime.Store.
	// Default: nil (no store).
	Store Store

	// Checkpointer persists checkpoints between supersteps. Default: a
	// fresh in-memory checkpointer (graph/checkpoint/memory), scoped to
	// the compiled graph and lost once it is garbage collected — pass
	// WithCheckpointer for anything that must survive a process restart.
	Checkpointer checkpoint.Checkpointer

	// Emitter receives streaming/debug events for every superstep and
	// task. Default: emit.NullEmitter (discarded).
	Emitter emit.Emitter
}

// WithCheckpointer sets the durable backend a compiled graph commits
// checkpoints to and resumes from. Without it, a compiled graph uses a
// private in-memory checkpointer that does not survive past the process.
func WithCheckpointer(cp checkpoint.Checkpointer) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Checkpointer = cp
		return nil
	}
}

// WithEmitter attaches an Emitter that receives values/updates/debug/events
// chunks for every invoke/stream call against the compiled graph.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithRecursionLimit sets the maximum number of supersteps before a run
// fails with GraphRecursionError.
func WithRecursionLimit(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RecursionLimit = n
		return nil
	}
}

// WithMaxConcurrentTasks bounds how many of a step's tasks may execute
// concurrently. Zero (the default) means no bound beyond the task set
// itself.
func WithMaxConcurrentTasks(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrentTasks = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the timeout applied to nodes that do not
// declare their own NodePolicy.Timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithStepTimeout bounds the wall-clock time of a single superstep's task
// group, independent of any per-node timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.StepTimeout = d
		return nil
	}
}

// WithRunWallClockBudget bounds the total execution time of one
// invoke/stream call, independent of the per-step and per-node timeouts.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RunWallClockBudget = d
		return nil
	}
}

// WithMetrics enables Prometheus instrumentation using metrics registered
// against registry.
func WithMetrics(registry prometheus.Registerer) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = NewPrometheusMetrics(registry)
		return nil
	}
}
