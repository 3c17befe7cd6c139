package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestStartAndRunPhaseSuccess(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := Start(context.Background(), tracer, "scenario", Plan{Phases: []Phase{
		{ID: "join", Title: "joining cluster"},
		{ID: "claim", Title: "claiming role"},
	}}, attribute.Int("entries", 150))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := op.RunPhase(op.Context(), "join", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunPhase() error = %v", err)
	}
	op.SetAttributes(attribute.String("role", "listener"))
	op.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}

	root := findSpanByName(spans, "scenario")
	if root == nil {
		t.Fatal("missing root span")
	}
	if len(root.Events()) == 0 {
		t.Fatal("expected root plan event")
	}
	planEvent := root.Events()[0]
	if planEvent.Name != PlanEventName {
		t.Fatalf("plan event name = %q, want %q", planEvent.Name, PlanEventName)
	}
	if getAttr(planEvent.Attributes, PlanVersionKey) != PlanVersion {
		t.Fatalf("plan event version = %q, want %q", getAttr(planEvent.Attributes, PlanVersionKey), PlanVersion)
	}
	if getAttr(root.Attributes(), "role") != "listener" {
		t.Fatalf("root role attribute = %q, want listener", getAttr(root.Attributes(), "role"))
	}

	child := findSpanByName(spans, "join")
	if child == nil {
		t.Fatal("missing child phase span")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatalf("phase parent span id = %s, want %s", child.Parent().SpanID(), root.SpanContext().SpanID())
	}
}

func TestRunPhaseFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := Start(context.Background(), tracer, "scenario", Plan{Phases: []Phase{{ID: "write", Title: "writing"}}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	boom := errors.New("boom")
	err = op.RunPhase(op.Context(), "write", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunPhase() error = %v, want boom", err)
	}
	op.End(err)

	child := findSpanByName(recorder.Ended(), "write")
	if child == nil {
		t.Fatal("missing failed phase span")
	}
	if child.Status().Code != codes.Error {
		t.Fatalf("phase status code = %v, want %v", child.Status().Code, codes.Error)
	}
	if child.Status().Description != "boom" {
		t.Fatalf("phase status description = %q, want boom", child.Status().Description)
	}
}

func TestStartRejectsDuplicatePhases(t *testing.T) {
	t.Parallel()

	tracer, _ := newTestTracer()
	_, err := Start(context.Background(), tracer, "scenario", Plan{Phases: []Phase{
		{ID: "observe", Title: "observing"},
		{ID: "observe", Title: "duplicated"},
	}})
	if err == nil {
		t.Fatal("Start() error = nil, want duplicate id error")
	}
}

func TestNilOperationRunsPhase(t *testing.T) {
	t.Parallel()

	var op *Operation
	ran := false
	if err := op.RunPhase(context.Background(), "join", func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("RunPhase() error = %v", err)
	}
	if !ran {
		t.Fatal("phase function did not run")
	}
	op.End(nil)
}

func TestProviderRecordsThroughExtraProcessor(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	p, err := NewProvider(context.Background(), "", WithSpanProcessor(recorder))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	_, span := p.Tracer("test").Start(context.Background(), "probe")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := len(recorder.Ended()); got != 1 {
		t.Fatalf("ended span count = %d, want 1", got)
	}
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("telemetry-test"), recorder
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func getAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
