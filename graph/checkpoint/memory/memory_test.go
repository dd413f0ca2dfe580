package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/rjdoyle/pregel-go/graph/checkpoint"
	"github.com/rjdoyle/pregel-go/graph/checkpoint/memory"
)

func TestPutThenGetTupleRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cfg := checkpoint.Config{ThreadID: "t1"}

	cp := checkpoint.Checkpoint{
		V:             1,
		ID:            checkpoint.NewID(time.Now(), 0),
		ChannelValues: map[string]any{"messages": "hello"},
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
	if tuple.Checkpoint.ID != cp.ID {
		t.Fatalf("expected latest checkpoint, got %v", tuple.Checkpoint.ID)
	}
	if tuple.ParentConfig != nil {
		t.Fatalf("first checkpoint in a thread should have no parent")
	}
}

func TestGetTupleUnknownThreadReturnsNotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetTuple(context.Background(), checkpoint.Config{ThreadID: "missing"})
	if err != checkpoint.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsDuplicateCheckpointID(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cfg := checkpoint.Config{ThreadID: "t1"}
	cp := checkpoint.Checkpoint{ID: "fixed-id"}

	if _, err := s.Put(ctx, cfg, cp, checkpoint.Metadata{}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := s.Put(ctx, cfg, cp, checkpoint.Metadata{}); err != checkpoint.ErrIdempotencyConflict {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestPutWritesSurfaceAsPendingUntilCommitted(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cfg := checkpoint.Config{ThreadID: "t1"}

	base := checkpoint.Checkpoint{ID: checkpoint.NewID(time.Now(), 0)}
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
	if len(tuple.PendingWrites) != 1 || tuple.PendingWrites[0].Channel != "out" {
		t.Fatalf("expected one pending write, got %v", tuple.PendingWrites)
	}

	next := checkpoint.Checkpoint{ID: checkpoint.NewID(time.Now(), 1)}
	if _, err := s.Put(ctx, cfg, next, checkpoint.Metadata{Step: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	tuple2, err := s.GetTuple(ctx, cfg)
	if err != nil {
		t.Fatalf("get tuple: %v", err)
	}
	if len(tuple2.PendingWrites) != 0 {
		t.Fatalf("expected pending writes cleared after the next commit, got %v", tuple2.PendingWrites)
	}
	if tuple2.ParentConfig == nil {
		t.Fatalf("expected second checkpoint to carry a parent")
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cfg := checkpoint.Config{ThreadID: "t1"}

	for step := 0; step < 3; step++ {
		cp := checkpoint.Checkpoint{ID: checkpoint.NewID(time.Now(), step)}
		if _, err := s.Put(ctx, cfg, cp, checkpoint.Metadata{Step: step}); err != nil {
			t.Fatalf("put step %d: %v", step, err)
		}
	}

	var steps []int
	for tuple, err := range s.List(ctx, cfg, checkpoint.ListOptions{}) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		steps = append(steps, tuple.Metadata.Step)
	}
	if len(steps) != 3 || steps[0] != 2 || steps[2] != 0 {
		t.Fatalf("expected newest-first [2 1 0], got %v", steps)
	}
}

func TestDeleteThreadRemovesHistoryAndPending(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cfg := checkpoint.Config{ThreadID: "t1"}
	cp := checkpoint.Checkpoint{ID: checkpoint.NewID(time.Now(), 0)}
	if _, err := s.Put(ctx, cfg, cp, checkpoint.Metadata{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.DeleteThread(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTuple(ctx, cfg); err != checkpoint.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
