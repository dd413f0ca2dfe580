package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(otel.Tracer("test")), exporter
}

// TestOTelEmitterPairsStartAndEndIntoOneSpan verifies a "_start"/"_end"
// pair sharing run/step/node identity becomes a single closed span, not
// two independent instant spans.
func TestOTelEmitterPairsStartAndEndIntoOneSpan(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{RunID: "run-001", Step: 1, NodeID: "nodeA", Msg: "task_start", Meta: map[string]interface{}{"task_id": "t1"}})
	emitter.Emit(Event{RunID: "run-001", Step: 1, NodeID: "nodeA", Msg: "task_end", Meta: map[string]interface{}{"task_id": "t1", "write_count": 2}})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span for a matched start/end pair, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "task_start" {
		t.Errorf("span name = %q, want %q (named after the opening event)", span.Name, "task_start")
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
	attrs := attributeMap(span.Attributes)
	if got := attrs["pregel.run_id"]; got != "run-001" {
		t.Errorf("run_id = %v, want %q", got, "run-001")
	}
	if got := attrs["write_count"]; got != int64(2) {
		t.Errorf("write_count = %v, want 2", got)
	}
}

// TestOTelEmitterClosingEventWithoutMatchingStartStillProducesASpan
// covers an Emitter attached mid-run (no corresponding "_start" seen).
func TestOTelEmitterClosingEventWithoutMatchingStartStillProducesASpan(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{RunID: "run-001", Step: 1, NodeID: "nodeA", Msg: "task_failed", Meta: map[string]interface{}{"task_id": "t1", "error": "boom"}})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "boom" {
		t.Errorf("status description = %q, want %q", span.Status.Description, "boom")
	}
}

// TestOTelEmitterDistinctTasksDoNotShareASpan verifies the key includes
// task_id so two concurrent tasks in the same step/node slot (e.g. a
// retried task) don't close each other's spans.
func TestOTelEmitterDistinctTasksDoNotShareASpan(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{RunID: "run-001", Step: 1, NodeID: "worker", Msg: "task_start", Meta: map[string]interface{}{"task_id": "t1"}})
	emitter.Emit(Event{RunID: "run-001", Step: 1, NodeID: "worker", Msg: "task_start", Meta: map[string]interface{}{"task_id": "t2"}})
	emitter.Emit(Event{RunID: "run-001", Step: 1, NodeID: "worker", Msg: "task_end", Meta: map[string]interface{}{"task_id": "t1"}})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span (only t1 closed), got %d", len(spans))
	}

	emitter.mu.Lock()
	_, stillOpen := emitter.open[spanKey{runID: "run-001", step: 1, node: "worker", task: "t2"}]
	emitter.mu.Unlock()
	if !stillOpen {
		t.Error("t2's span should still be open")
	}
}

// TestOTelEmitterValuesMetaIsNotAttached verifies the bulky "values" meta
// key (full channel snapshots) never reaches span attributes.
func TestOTelEmitterValuesMetaIsNotAttached(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{RunID: "run-001", Step: 0, Msg: "values", Meta: map[string]interface{}{"values": map[string]any{"msg": "hi"}}})

	attrs := attributeMap(exporter.GetSpans()[0].Attributes)
	if _, ok := attrs["values"]; ok {
		t.Error("values meta key should not become a span attribute")
	}
}

// TestOTelEmitterMetadataTypes verifies each supported metadata type
// converts to the matching attribute kind.
func TestOTelEmitterMetadataTypes(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		RunID: "run-001",
		Step:  1,
		Msg:   "step_committed",
		Meta: map[string]interface{}{
			"string_val":   "hello",
			"int_val":      42,
			"int64_val":    int64(99),
			"float64_val":  3.14,
			"bool_val":     true,
			"duration_val": 250 * time.Millisecond,
		},
	})

	attrs := attributeMap(exporter.GetSpans()[0].Attributes)
	if got := attrs["string_val"]; got != "hello" {
		t.Errorf("string_val = %v, want %q", got, "hello")
	}
	if got := attrs["int_val"]; got != int64(42) {
		t.Errorf("int_val = %v, want 42", got)
	}
	if got := attrs["int64_val"]; got != int64(99) {
		t.Errorf("int64_val = %v, want 99", got)
	}
	if got := attrs["float64_val"]; got != 3.14 {
		t.Errorf("float64_val = %v, want 3.14", got)
	}
	if got := attrs["bool_val"]; got != true {
		t.Errorf("bool_val = %v, want true", got)
	}
	if got := attrs["duration_val"]; got != int64(250) {
		t.Errorf("duration_val = %v, want 250ms", got)
	}
}

// TestOTelEmitterFlushForcesExport verifies Flush drains a batching
// span processor.
func TestOTelEmitterFlushForcesExport(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(otel.Tracer("test"))
	emitter.Emit(Event{RunID: "run-001", Step: 1, Msg: "step_start"})
	emitter.Emit(Event{RunID: "run-001", Step: 1, Msg: "step_committed"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(exporter.GetSpans()) != 1 {
		t.Errorf("expected 1 span after flush, got %d", len(exporter.GetSpans()))
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
