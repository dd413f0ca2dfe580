package checkpoint_test

import (
	"sort"
	"testing"
	"time"

	"github.com/rjdoyle/pregel-go/graph/checkpoint"
)

func TestNewIDSortsByStepWithinTheSameInstant(t *testing.T) {
	now := time.Now()
	var ids []string
	for step := 0; step < 5; step++ {
		ids = append(ids, checkpoint.NewID(now, step))
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("expected ids already in sorted order at the same instant, got %v want %v", ids, sorted)
		}
	}
}

func TestNewIDSortsByTimestampAcrossInstants(t *testing.T) {
	t1 := time.Now()
	t2 := t1.Add(time.Second)
	a := checkpoint.NewID(t1, 3)
	b := checkpoint.NewID(t2, 0)
	if !(a < b) {
		t.Fatalf("expected earlier timestamp to sort first regardless of step, got %q then %q", a, b)
	}
}

func TestMarshalUnmarshalCheckpointRoundTripsBytes(t *testing.T) {
	cp := checkpoint.Checkpoint{
		V:             1,
		ID:            checkpoint.NewID(time.Now(), 0),
		ChannelValues: map[string]any{"text": "hi", "raw": []byte("binary")},
	}
	serialized, err := checkpoint.MarshalCheckpoint(cp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(serialized.Tags) != 1 {
		t.Fatalf("expected exactly one tagged value, got %v", serialized.Tags)
	}

	restored, err := checkpoint.UnmarshalCheckpoint(serialized)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.ChannelValues["text"] != "hi" {
		t.Fatalf("expected plain string to survive untagged, got %v", restored.ChannelValues["text"])
	}
	raw, ok := restored.ChannelValues["raw"].([]byte)
	if !ok || string(raw) != "binary" {
		t.Fatalf("expected []byte to survive the round trip, got %v", restored.ChannelValues["raw"])
	}
}
