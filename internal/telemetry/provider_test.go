package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderWithoutEndpoint(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	p, err := NewProvider(context.Background(), "", WithSpanProcessor(recorder))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	op, err := Start(context.Background(), p.Tracer("test"), "scenario", Plan{Phases: []Phase{{ID: "join"}}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	failed := errors.New("no quorum")
	if err := op.RunPhase(op.Context(), "join", func(context.Context) error { return failed }); !errors.Is(err, failed) {
		t.Fatalf("RunPhase() error = %v, want %v", err, failed)
	}
	op.End(failed)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}
	for _, s := range spans {
		if s.Status().Code != codes.Error {
			t.Fatalf("span %q status = %v, want error", s.Name(), s.Status().Code)
		}
	}
	for _, kv := range spans[0].Resource().Attributes() {
		if kv.Key == "service.name" && kv.Value.AsString() != serviceName {
			t.Fatalf("service.name = %q, want %q", kv.Value.AsString(), serviceName)
		}
	}
}
