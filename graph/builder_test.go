package graph_test

import (
	"context"
	"testing"

	"github.com/rjdoyle/pregel-go/graph"
	"github.com/rjdoyle/pregel-go/graph/channel"
	"github.com/rjdoyle/pregel-go/graph/checkpoint"
)

func echoNode(out string) graph.NodeFunc {
	return func(ctx context.Context, input map[string]any, rt *graph.Runtime) (graph.Command, error) {
		return graph.Command{Update: map[string]any{out: input["in"]}}, nil
	}
}

func TestCompileRejectsGraphWithNoNodes(t *testing.T) {
	_, err := graph.NewStateGraph().Compile()
	if err == nil {
		t.Fatalf("expected error for empty graph")
	}
}

func TestCompileRejectsMissingEntryPoint(t *testing.T) {
	g := graph.NewStateGraph().
		AddChannel("in", channel.NewLastValue()).
		AddChannel("out", channel.NewLastValue()).
		AddNode("a", echoNode("out"))
	_, err := g.Compile()
	if err == nil {
		t.Fatalf("expected error for graph with no entry point")
	}
}

func TestCompileRejectsReservedNodeName(t *testing.T) {
	g := graph.NewStateGraph().AddNode("__start__", echoNode("out"))
	if _, err := g.Compile(); err == nil {
		t.Fatalf("expected error for reserved node name")
	}
}

func TestCompileRejectsDanglingEdge(t *testing.T) {
	g := graph.NewStateGraph().
		AddNode("a", echoNode("out")).
		SetEntryPoint("a").
		AddEdge("a", "ghost")
	if _, err := g.Compile(); err == nil {
		t.Fatalf("expected error for edge to undeclared node")
	}
}

func TestCompileRejectsUndeclaredInputChannel(t *testing.T) {
	g := graph.NewStateGraph().
		AddChannel("out", channel.NewLastValue()).
		AddNode("a", echoNode("out")).
		SetEntryPoint("a").
		SetInputChannels("never_declared")
	if _, err := g.Compile(); err == nil {
		t.Fatalf("expected error: input channel was never declared with AddChannel")
	}
}

func TestCompileRejectsDuplicateNodeName(t *testing.T) {
	g := graph.NewStateGraph().
		AddNode("a", echoNode("out")).
		AddNode("a", echoNode("out"))
	if _, err := g.Compile(); err == nil {
		t.Fatalf("expected error for duplicate node name")
	}
}

func TestCompileRejectsInterruptBeforeUndeclaredNode(t *testing.T) {
	g := graph.NewStateGraph().
		AddNode("a", echoNode("out")).
		SetEntryPoint("a").
		SetInterruptBefore("ghost")
	if _, err := g.Compile(); err == nil {
		t.Fatalf("expected error for interrupt_before naming an undeclared node")
	}
}

func TestCompileAcceptsLinearGraph(t *testing.T) {
	g := graph.NewStateGraph().
		AddChannel("in", channel.NewLastValue()).
		AddChannel("out", channel.NewLastValue()).
		AddNode("a", echoNode("out")).
		SetEntryPoint("a").
		SetInputChannels("in").
		SetOutputChannels("out")
	p, err := g.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p == nil {
		t.Fatalf("expected a compiled graph")
	}
}

func TestConditionalEdgeRoutesByPathMap(t *testing.T) {
	router := func(ctx context.Context, update map[string]any) (string, error) {
		if update["go_right"] == true {
			return "right", nil
		}
		return "left", nil
	}
	g := graph.NewStateGraph().
		AddChannel("in", channel.NewLastValue()).
		AddChannel("out", channel.NewLastValue()).
		AddChannel("go_right", channel.NewLastValue()).
		AddNode("start", func(ctx context.Context, input map[string]any, rt *graph.Runtime) (graph.Command, error) {
			return graph.Command{Update: map[string]any{"go_right": true}}, nil
		}).
		AddNode("left", echoNode("out")).
		AddNode("right", func(ctx context.Context, input map[string]any, rt *graph.Runtime) (graph.Command, error) {
			return graph.Command{Update: map[string]any{"out": "went right"}}, nil
		}).
		SetEntryPoint("start").
		AddConditionalEdge("start", router, map[string]string{"left": "left", "right": "right"}).
		SetOutputChannels("out")
	p, err := g.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := p.Invoke(context.Background(), map[string]any{}, checkpoint.Config{ThreadID: "thread-cond"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result["out"] != "went right" {
		t.Fatalf("expected router to pick the right branch, got %v", result["out"])
	}
}
