package channel_test

import (
	"errors"
	"testing"

	"github.com/rjdoyle/pregel-go/graph/channel"
)

func TestLastValueRejectsDoubleWrite(t *testing.T) {
	c := channel.NewLastValue()()
	if _, err := c.Get(); err == nil {
		t.Fatalf("expected empty channel error before any write")
	}
	changed, err := c.Update([]any{"a"})
	if err != nil || !changed {
		t.Fatalf("single write should succeed: changed=%v err=%v", changed, err)
	}
	if _, err := c.Update([]any{"b", "c"}); err == nil {
		t.Fatalf("expected error on two writes in one step")
	}
	got, err := c.Get()
	if err != nil || got != "a" {
		t.Fatalf("expected value to remain \"a\", got %v (err %v)", got, err)
	}
}

func TestLastValueRoundTripsThroughCheckpoint(t *testing.T) {
	c := channel.NewLastValue()()
	if _, err := c.Update([]any{42}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ck, err := c.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	restored, err := c.FromCheckpoint(ck)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}
	got, err := restored.Get()
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %v (err %v)", got, err)
	}
}

func TestAnyValueTakesLastWriteOfMany(t *testing.T) {
	c := channel.NewAnyValue()()
	changed, err := c.Update([]any{"a", "b", "c"})
	if err != nil || !changed {
		t.Fatalf("update: changed=%v err=%v", changed, err)
	}
	got, _ := c.Get()
	if got != "c" {
		t.Fatalf("expected last write \"c\", got %v", got)
	}
}

func TestEphemeralValueExpiresAfterOneStep(t *testing.T) {
	c := channel.NewEphemeralValue()()
	if _, err := c.Update([]any{"signal"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !c.IsAvailable() {
		t.Fatalf("expected available immediately after write")
	}

	// Checkpoint at the end of the writing step: still carries the value
	// forward one step.
	ck, _ := c.Checkpoint()
	next, err := c.FromCheckpoint(ck)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}
	got, err := next.Get()
	if err != nil || got != "signal" {
		t.Fatalf("expected carried-over value, got %v (err %v)", got, err)
	}

	// Nothing rewrites it this step, so the checkpoint at the end of the
	// second step should clear it.
	ck2, _ := next.Checkpoint()
	expired, err := next.FromCheckpoint(ck2)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}
	if expired.IsAvailable() {
		t.Fatalf("expected value to have expired after one unwritten step")
	}
}

func TestTopicAccumulateAndUnique(t *testing.T) {
	c := channel.NewTopic(true, true)()
	if _, err := c.Update([]any{"a", "b", "a"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := c.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	values := got.([]any)
	if len(values) != 2 {
		t.Fatalf("expected duplicates dropped, got %v", values)
	}

	ck, _ := c.Checkpoint()
	next, err := c.FromCheckpoint(ck)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}
	if _, err := next.Update([]any{"c"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := next.Get()
	if len(got2.([]any)) != 3 {
		t.Fatalf("expected accumulated values to survive the checkpoint round trip, got %v", got2)
	}
}

func TestTopicWithoutAccumulateResetsWindow(t *testing.T) {
	c := channel.NewTopic(false, false)()
	if _, err := c.Update([]any{"a", "b"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ck, _ := c.Checkpoint()
	next, err := c.FromCheckpoint(ck)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}
	if next.IsAvailable() {
		t.Fatalf("expected a non-accumulating topic to reset its window across a checkpoint boundary")
	}
}

func TestBinaryOperatorAggregateSumsWrites(t *testing.T) {
	sum := func(acc, next any) any { return acc.(int) + next.(int) }
	c := channel.NewBinaryOperatorAggregate(sum, func() any { return 0 })()
	if _, err := c.Update([]any{1, 2, 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := c.Get()
	if got != 6 {
		t.Fatalf("expected 6, got %v", got)
	}

	ck, _ := c.Checkpoint()
	next, err := c.FromCheckpoint(ck)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}
	if _, err := next.Update([]any{4}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := next.Get()
	if got2 != 10 {
		t.Fatalf("expected accumulation to survive the checkpoint round trip, got %v", got2)
	}
}

func TestBinaryOperatorAggregateSeedsFromFirstWriteWithoutInit(t *testing.T) {
	concat := func(acc, next any) any { return acc.(string) + next.(string) }
	c := channel.NewBinaryOperatorAggregate(concat, nil)()
	if _, err := c.Update([]any{"a", "b"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := c.Get()
	if got != "ab" {
		t.Fatalf("expected first write to seed the accumulator, got %v", got)
	}
}

func TestNamedBarrierValueFiresOnlyWhenAllNamesHaveWritten(t *testing.T) {
	c := channel.NewNamedBarrierValue("b", "c")()
	if c.IsAvailable() {
		t.Fatalf("should not be available before any writes")
	}
	if _, err := c.Update([]any{channel.BarrierWrite{Name: "b", Value: 1}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.IsAvailable() {
		t.Fatalf("should not be available until every member has written")
	}
	if _, err := c.Update([]any{channel.BarrierWrite{Name: "c", Value: 2}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !c.IsAvailable() {
		t.Fatalf("expected available once both members have written")
	}
	if !c.Consume() {
		t.Fatalf("expected consume to report it cleared state")
	}
	if c.IsAvailable() {
		t.Fatalf("expected consume to re-arm the barrier")
	}
}

func TestNamedBarrierValueRejectsNonMember(t *testing.T) {
	c := channel.NewNamedBarrierValue("b")()
	_, err := c.Update([]any{channel.BarrierWrite{Name: "not-a-member", Value: 1}})
	var invalid *channel.InvalidUpdateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidUpdateError, got %v", err)
	}
}

func TestNamedBarrierValueAfterFinishWaitsForExplicitFinish(t *testing.T) {
	c := channel.NewNamedBarrierValueAfterFinish("b")()
	if _, err := c.Update([]any{channel.BarrierWrite{Name: "b", Value: 1}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.IsAvailable() {
		t.Fatalf("should not be available before Finish, even with all members seen")
	}
	if !c.Finish() {
		t.Fatalf("expected Finish to report a state change")
	}
	if !c.IsAvailable() {
		t.Fatalf("expected available once finished and all members have written")
	}
}

func TestDynamicBarrierValuePrimeThenWrite(t *testing.T) {
	c := channel.NewDynamicBarrierValue()()
	if _, err := c.Update([]any{channel.BarrierWrite{Name: "x", Value: 1}}); err == nil {
		t.Fatalf("expected error writing before the barrier is primed")
	}
	if _, err := c.Update([]any{channel.WaitForNames{Names: []string{"x", "y"}}}); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if _, err := c.Update([]any{channel.WaitForNames{Names: []string{"z"}}}); err == nil {
		t.Fatalf("expected error re-priming an already-primed barrier")
	}
	if _, err := c.Update([]any{channel.BarrierWrite{Name: "x", Value: 1}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.IsAvailable() {
		t.Fatalf("should not be available until y has also written")
	}
	if _, err := c.Update([]any{channel.BarrierWrite{Name: "y", Value: 2}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !c.IsAvailable() {
		t.Fatalf("expected available once all primed names have written")
	}
	if !c.Finish() {
		t.Fatalf("expected finish to report a state change")
	}
	if c.IsAvailable() {
		t.Fatalf("expected finish to un-prime the barrier")
	}
}
