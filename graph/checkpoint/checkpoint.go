// Package checkpoint defines the durable snapshot format the engine commits
// at the end of every superstep, and the Checkpointer contract every
// storage backend implements against. A Checkpoint captures exactly enough
// state to resume a thread from the step after it was written: the channel
// values, each channel's version counter, which channel versions every node
// has already observed, and any Send packets still queued for the next
// planning pass.
package checkpoint

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrNotFound is returned when a requested thread, checkpoint, or pending
// write set does not exist in the backing store.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrIdempotencyConflict is returned by Put when the supplied checkpoint's
// ID collides with one already committed for this thread,
// meaning the superstep it represents has already been durably applied.
var ErrIdempotencyConflict = errors.New("checkpoint: idempotency key already committed")

// Source identifies what triggered a checkpoint: the very first input to a
// thread, ordinary superstep progress, an out-of-band state edit, or a
// fork created by replaying from an earlier checkpoint with different
// inputs.
type Source string

const (
	SourceInput  Source = "input"
	SourceLoop   Source = "loop"
	SourceUpdate Source = "update"
	SourceFork   Source = "fork"
)

// Send is a task packet produced mid-step, routed to an explicit node with
// its own argument rather than through a channel. Pending sends are
// replayed as extra tasks the next time the thread is planned.
type Send struct {
	Node string `json:"node"`
	Args any    `json:"args"`
}

// Write is a single channel write recorded against a checkpoint's metadata,
// used for debug streaming and for reconstructing what a given superstep
// actually did without having to diff channel snapshots.
type Write struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Checkpoint is the durable snapshot of a thread's channel state after one
// superstep has been committed.
type Checkpoint struct {
	// V is the checkpoint schema version, incremented if the wire format
	// changes in a way old readers cannot tolerate.
	V int `json:"v"`

	// ID is a version-6 UUID; see NewID for why it doubles as this
	// checkpoint's position in the thread's history.
	ID string `json:"id"`

	// Timestamp records when the checkpoint was produced.
	Timestamp time.Time `json:"ts"`

	// ChannelValues holds each channel's serialized Checkpoint() output,
	// keyed by channel name.
	ChannelValues map[string]any `json:"channel_values"`

	// ChannelVersions is the monotonic version counter bumped every time
	// a channel's Update changes its visible value.
	ChannelVersions map[string]int64 `json:"channel_versions"`

	// VersionsSeen records, per node, the channel versions that node has
	// already consumed. A node is triggered again only once a channel it
	// depends on carries a version newer than what is recorded here.
	VersionsSeen map[string]map[string]int64 `json:"versions_seen"`

	// PendingSends carries Send packets queued during the step that
	// produced this checkpoint but not yet turned into tasks.
	PendingSends []Send `json:"pending_sends"`
}

// Metadata describes why a checkpoint exists and what it did, independent
// of the channel state itself. It is stored alongside a Checkpoint but kept
// separate so callers can page through run history cheaply.
type Metadata struct {
	Source  Source             `json:"source"`
	Step    int                `json:"step"`
	Writes  map[string][]Write `json:"writes,omitempty"`
	Parents map[string]string  `json:"parents,omitempty"`
}

// PendingWrite is a channel write buffered against a checkpoint before the
// superstep that produced it has fully committed — written by PutWrites so
// that a crash between a task finishing and the step committing loses
// nothing: GetTuple returns pending writes alongside the last checkpoint,
// and the runner reuses a task's writes instead of running it again.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Config addresses a single point in a thread's history: thread_id selects
// the conversation/run, checkpoint_ns namespaces subgraph checkpoints under
// their parent graph's namespace, and checkpoint_id selects a specific
// checkpoint (empty means "the latest").
type Config struct {
	ThreadID     string `json:"thread_id"`
	CheckpointNS string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Tuple bundles a checkpoint with its metadata, the config that addresses
// it, its parent's config (nil for the first checkpoint in a thread), and
// any writes buffered against it that have not yet been folded into a
// later checkpoint.
type Tuple struct {
	Config        Config
	Checkpoint    Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// ListOptions filters and bounds a call to Checkpointer.List.
type ListOptions struct {
	// Limit caps the number of tuples returned; zero means unbounded.
	Limit int
	// Before, if set, only returns checkpoints strictly older than this
	// checkpoint ID (by the version-6 UUID's lexical/temporal order).
	Before string
	// Filter, if set, is applied to each candidate's Metadata; only
	// tuples for which it returns true are yielded.
	Filter func(Metadata) bool
}

// Checkpointer is the storage contract every backend implements. Put and
// PutWrites must be atomic with respect to each other for a given thread:
// a reader must never observe a Put without the PutWrites that preceded it
// in the same commit, or vice versa for two different supersteps.
type Checkpointer interface {
	// GetTuple returns the checkpoint addressed by cfg, or the latest
	// checkpoint for cfg.ThreadID if cfg.CheckpointID is empty. Returns
	// ErrNotFound if the thread has no checkpoints at all.
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)

	// List streams checkpoints for cfg.ThreadID, newest first.
	List(ctx context.Context, cfg Config, opts ListOptions) iter.Seq2[*Tuple, error]

	// Put persists a new checkpoint and its metadata, returning the
	// Config that addresses it (with CheckpointID populated). Returns
	// ErrIdempotencyConflict if this exact superstep was already
	// committed.
	Put(ctx context.Context, cfg Config, cp Checkpoint, md Metadata) (Config, error)

	// PutWrites buffers writes produced by tasks in the in-flight
	// superstep, before that step's checkpoint is committed. taskID
	// scopes the writes to the task that produced them, so a retried
	// task's writes can replace its own prior attempt without disturbing
	// writes from sibling tasks in the same step.
	PutWrites(ctx context.Context, cfg Config, writes []PendingWrite, taskID string) error

	// DeleteThread removes every checkpoint and pending write associated
	// with threadID.
	DeleteThread(ctx context.Context, threadID string) error
}
