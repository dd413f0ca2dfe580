// Package memory implements an in-process checkpoint.Checkpointer backed
// by a map, grounded on the teacher's graph/store/memory.go MemStore: the
// same mutex-guarded map-of-maps shape, generalized from a single mutable
// state blob per run to a full per-thread checkpoint history. Checkpoints
// are kept as Go values; nothing is marshaled to JSON.
package memory

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rjdoyle/pregel-go/graph/checkpoint"
)

type entry struct {
	cfg checkpoint.Config
	cp  checkpoint.Checkpoint
	md  checkpoint.Metadata
}

// Store is an in-memory checkpoint.Checkpointer. It is safe for concurrent
// use and intended for tests, examples, and single-process deployments
// that do not need durability across restarts.
type Store struct {
	mu sync.RWMutex
	// threads maps thread_id -> checkpoint_ns -> checkpoint history,
	// oldest first.
	threads map[string]map[string][]entry
	// pending maps thread_id -> checkpoint_ns -> task_id -> buffered
	// writes not yet folded into a committed checkpoint.
	pending map[string]map[string]map[string][]checkpoint.PendingWrite
}

// New returns an empty in-memory checkpointer.
func New() *Store {
	return &Store{
		threads: map[string]map[string][]entry{},
		pending: map[string]map[string]map[string][]checkpoint.PendingWrite{},
	}
}

func (s *Store) history(threadID, ns string) []entry {
	byNS, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	return byNS[ns]
}

func (s *Store) GetTuple(_ context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.history(cfg.ThreadID, cfg.CheckpointNS)
	if len(hist) == 0 {
		return nil, checkpoint.ErrNotFound
	}

	idx := len(hist) - 1
	if cfg.CheckpointID != "" {
		idx = -1
		for i, e := range hist {
			if e.cp.ID == cfg.CheckpointID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, checkpoint.ErrNotFound
		}
	}

	e := hist[idx]
	tuple := &checkpoint.Tuple{
		Config:     e.cfg,
		Checkpoint: e.cp,
		Metadata:   e.md,
	}
	if idx > 0 {
		parent := hist[idx-1].cfg
		tuple.ParentConfig = &parent
	}
	if byTask, ok := s.pending[cfg.ThreadID][cfg.CheckpointNS]; ok {
		for taskID, writes := range byTask {
			for _, w := range writes {
				tuple.PendingWrites = append(tuple.PendingWrites, checkpoint.PendingWrite{
					TaskID: taskID, Channel: w.Channel, Value: w.Value,
				})
			}
		}
	}
	return tuple, nil
}

func (s *Store) List(_ context.Context, cfg checkpoint.Config, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Tuple, error] {
	return func(yield func(*checkpoint.Tuple, error) bool) {
		s.mu.RLock()
		hist := append([]entry(nil), s.history(cfg.ThreadID, cfg.CheckpointNS)...)
		s.mu.RUnlock()

		// Newest first.
		sort.Slice(hist, func(i, j int) bool { return hist[i].cp.ID > hist[j].cp.ID })

		skipping := opts.Before != ""
		count := 0
		for i, e := range hist {
			if skipping {
				if e.cp.ID == opts.Before {
					skipping = false
				}
				continue
			}
			if opts.Filter != nil && !opts.Filter(e.md) {
				continue
			}
			var parent *checkpoint.Config
			// hist is newest-first; the parent is the next entry toward
			// the tail (older), which corresponds to index i+1 here.
			if i+1 < len(hist) {
				p := hist[i+1].cfg
				parent = &p
			}
			tuple := &checkpoint.Tuple{Config: e.cfg, Checkpoint: e.cp, Metadata: e.md, ParentConfig: parent}
			if !yield(tuple, nil) {
				return
			}
			count++
			if opts.Limit > 0 && count >= opts.Limit {
				return
			}
		}
	}
}

func (s *Store) Put(_ context.Context, cfg checkpoint.Config, cp checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	out := cfg
	out.CheckpointID = cp.ID

	byNS, ok := s.threads[cfg.ThreadID]
	if !ok {
		byNS = map[string][]entry{}
		s.threads[cfg.ThreadID] = byNS
	}
	for _, e := range byNS[cfg.CheckpointNS] {
		if e.cp.ID == cp.ID {
			return checkpoint.Config{}, checkpoint.ErrIdempotencyConflict
		}
	}
	byNS[cfg.CheckpointNS] = append(byNS[cfg.CheckpointNS], entry{cfg: out, cp: cp, md: md})

	// Committing a checkpoint folds in whatever was pending for this
	// step; clear the buffer so List/GetTuple don't double-report writes
	// that are now part of the checkpoint itself.
	if byTask, ok := s.pending[cfg.ThreadID][cfg.CheckpointNS]; ok {
		for k := range byTask {
			delete(byTask, k)
		}
	}

	return out, nil
}

func (s *Store) PutWrites(_ context.Context, cfg checkpoint.Config, writes []checkpoint.PendingWrite, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNS, ok := s.pending[cfg.ThreadID]
	if !ok {
		byNS = map[string]map[string][]checkpoint.PendingWrite{}
		s.pending[cfg.ThreadID] = byNS
	}
	byTask, ok := byNS[cfg.CheckpointNS]
	if !ok {
		byTask = map[string][]checkpoint.PendingWrite{}
		byNS[cfg.CheckpointNS] = byTask
	}
	// A retried task overwrites its own previous buffered writes rather
	// than appending to them.
	byTask[taskID] = append([]checkpoint.PendingWrite(nil), writes...)
	return nil
}

func (s *Store) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	delete(s.pending, threadID)
	return nil
}
