package planner_test

import (
	"testing"

	"github.com/rjdoyle/pregel-go/graph/channel"
	"github.com/rjdoyle/pregel-go/graph/checkpoint"
	"github.com/rjdoyle/pregel-go/graph/planner"
)

func newLastValue(t *testing.T, v any) channel.Channel {
	t.Helper()
	c := channel.NewLastValue()()
	if _, err := c.Update([]any{v}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	return c
}

func TestPlanSchedulesSendsBeforeTriggeredNodes(t *testing.T) {
	nodes := []planner.NodeSpec{
		{Name: "a", Triggers: []string{"in"}, Channels: []string{"in"}, Index: 0},
	}
	chans := map[string]channel.Channel{"in": newLastValue(t, "x")}

	tasks, err := planner.Plan(planner.Input{
		Step:            1,
		Nodes:           nodes,
		Channels:        chans,
		ChannelVersions: map[string]int64{"in": 1},
		VersionsSeen:    map[string]map[string]int64{},
		PendingSends:    []checkpoint.Send{{Node: "b", Args: 42}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Send == nil || tasks[0].Node != "b" {
		t.Fatalf("expected the Send task to come first, got %+v", tasks[0])
	}
	if tasks[1].Node != "a" {
		t.Fatalf("expected triggered node second, got %+v", tasks[1])
	}
}

func TestPlanSkipsNodeWhoseTriggerVersionAlreadySeen(t *testing.T) {
	nodes := []planner.NodeSpec{
		{Name: "a", Triggers: []string{"in"}, Channels: []string{"in"}, Index: 0},
	}
	chans := map[string]channel.Channel{"in": newLastValue(t, "x")}

	tasks, err := planner.Plan(planner.Input{
		Step:            1,
		Nodes:           nodes,
		Channels:        chans,
		ChannelVersions: map[string]int64{"in": 1},
		VersionsSeen:    map[string]map[string]int64{"a": {"in": 1}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks once the node has already seen this version, got %v", tasks)
	}
}

func TestPlanIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	nodes := []planner.NodeSpec{
		{Name: "b", Triggers: []string{"in"}, Channels: []string{"in"}, Index: 1},
		{Name: "a", Triggers: []string{"in"}, Channels: []string{"in"}, Index: 0},
		{Name: "c", Triggers: []string{"in"}, Channels: []string{"in"}, Index: 2},
	}

	var firstOrder []string
	for i := 0; i < 5; i++ {
		chans := map[string]channel.Channel{"in": newLastValue(t, "x")}
		tasks, err := planner.Plan(planner.Input{
			Step:            1,
			Nodes:           nodes,
			Channels:        chans,
			ChannelVersions: map[string]int64{"in": 1},
			VersionsSeen:    map[string]map[string]int64{},
		})
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		var order []string
		for _, task := range tasks {
			order = append(order, task.Node)
		}
		if i == 0 {
			firstOrder = order
			continue
		}
		if len(order) != len(firstOrder) {
			t.Fatalf("expected stable task count, got %v vs %v", order, firstOrder)
		}
		for j := range order {
			if order[j] != firstOrder[j] {
				t.Fatalf("expected deterministic order across calls, got %v vs %v", order, firstOrder)
			}
		}
	}
}

func TestPlanEnforcesRecursionLimit(t *testing.T) {
	_, err := planner.Plan(planner.Input{Step: 10, RecursionLimit: 5})
	if err == nil {
		t.Fatalf("expected an error once step exceeds the recursion limit")
	}
}

func TestPlanOmitsUnavailableNonTriggeringChannelFromInput(t *testing.T) {
	nodes := []planner.NodeSpec{
		{Name: "a", Triggers: []string{"in"}, Channels: []string{"in", "context"}, Index: 0},
	}
	chans := map[string]channel.Channel{
		"in":      newLastValue(t, "x"),
		"context": channel.NewLastValue()(), // never written
	}

	tasks, err := planner.Plan(planner.Input{
		Step:            1,
		Nodes:           nodes,
		Channels:        chans,
		ChannelVersions: map[string]int64{"in": 1},
		VersionsSeen:    map[string]map[string]int64{},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	if _, ok := tasks[0].Input["context"]; ok {
		t.Fatalf("expected unavailable context channel to be omitted from input")
	}
	if _, ok := tasks[0].Input["in"]; !ok {
		t.Fatalf("expected trigger channel to be present in input")
	}
}
