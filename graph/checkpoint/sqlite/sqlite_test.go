package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/rjdoyle/pregel-go/graph/checkpoint"
	"github.com/rjdoyle/pregel-go/graph/checkpoint/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutThenGetTupleRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := checkpoint.Config{ThreadID: "t1"}

	cp := checkpoint.Checkpoint{
		V:             1,
		ID:            checkpoint.NewID(time.Now(), 0),
		ChannelValues: map[string]any{"messages": "hello", "blob": []byte{1, 2, 3}},
	}
	md := checkpoint.Metadata{Source: checkpoint.SourceInput, Step: 0}

	out, err := s.Put(ctx, cfg, cp, md)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if out.CheckpointID != cp.ID {
		t.Fatalf("expected returned config to carry the checkpoint id")
	}

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("get tuple: %v", err)
	}
	if tuple.Checkpoint.ChannelValues["messages"] != "hello" {
		t.Fatalf("expected string channel value to survive the round trip, got %v", tuple.Checkpoint.ChannelValues["messages"])
	}
	blob, ok := tuple.Checkpoint.ChannelValues["blob"].([]byte)
	if !ok || len(blob) != 3 || blob[0] != 1 {
		t.Fatalf("expected []byte channel value to survive the round trip, got %v", tuple.Checkpoint.ChannelValues["blob"])
	}
}

func TestPutRejectsDuplicateCheckpointID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := checkpoint.Config{ThreadID: "t1"}
	cp := checkpoint.Checkpoint{ID: "fixed-id", ChannelValues: map[string]any{}}

	if _, err := s.Put(ctx, cfg, cp, checkpoint.Metadata{}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := s.Put(ctx, cfg, cp, checkpoint.Metadata{}); err != checkpoint.ErrIdempotencyConflict {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestPutWritesAreClearedOnNextCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := checkpoint.Config{ThreadID: "t1"}

	base := checkpoint.Checkpoint{ID: checkpoint.NewID(time.Now(), 0), ChannelValues: map[string]any{}}
	if _, err := s.Put(ctx, cfg, base, checkpoint.Metadata{Step: 0}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutWrites(ctx, cfg, []checkpoint.PendingWrite{{Channel: "out", Value: 1}}, "task-1"); err != nil {
		t.Fatalf("put writes: %v", err)
	}

	tuple, err := s.GetTuple(ctx, cfg)
	if err != nil {
		t.Fatalf("get tuple: %v", err)
	}
	if len(tuple.PendingWrites) != 1 {
		t.Fatalf("expected one pending write, got %v", tuple.PendingWrites)
	}

	next := checkpoint.Checkpoint{ID: checkpoint.NewID(time.Now(), 1), ChannelValues: map[string]any{}}
	if _, err := s.Put(ctx, cfg, next, checkpoint.Metadata{Step: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	tuple2, err := s.GetTuple(ctx, cfg)
	if err != nil {
		t.Fatalf("get tuple: %v", err)
	}
	if len(tuple2.PendingWrites) != 0 {
		t.Fatalf("expected pending writes cleared after next commit, got %v", tuple2.PendingWrites)
	}
	if tuple2.ParentConfig == nil || tuple2.ParentConfig.CheckpointID != base.ID {
		t.Fatalf("expected parent to be the prior checkpoint")
	}
}

func TestDeleteThreadRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := checkpoint.Config{ThreadID: "t1"}
	cp := checkpoint.Checkpoint{ID: checkpoint.NewID(time.Now(), 0), ChannelValues: map[string]any{}}
	if _, err := s.Put(ctx, cfg, cp, checkpoint.Metadata{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.DeleteThread(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTuple(ctx, cfg); err != checkpoint.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
