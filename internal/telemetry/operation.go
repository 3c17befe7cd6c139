// Package telemetry traces a scenario run as one operation span with a child
// span per phase.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanEventName      = "sowcheck.plan"
	PlanVersion        = "1"
	PlanVersionKey     = "sowcheck.plan.version"
	PlanJSONKey        = "sowcheck.plan.json"
	defaultOperationID = "scenario"
)

// Phase is one planned step of an operation.
type Phase struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Plan lists the phases an operation expects to run, in order.
type Plan struct {
	Phases []Phase `json:"phases"`
}

// Operation is a root span whose phases become child spans. A nil
// *Operation runs phases untraced.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Start opens the operation span and records plan as an event on it.
func Start(ctx context.Context, tracer trace.Tracer, operation string, plan Plan, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("start operation: tracer is required")
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("start operation: %w", err)
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultOperationID
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("start operation: marshal plan: %w", err)
	}

	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	span.AddEvent(PlanEventName, trace.WithAttributes(
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	))

	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// SetAttributes annotates the operation span.
func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

// RunPhase runs fn inside a child span named id. The span is marked failed
// when fn returns an error.
func (o *Operation) RunPhase(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}

	phaseID := strings.TrimSpace(id)
	if phaseID == "" {
		return fmt.Errorf("run phase: phase id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	phaseCtx, span := o.tracer.Start(ctx, phaseID)
	defer span.End()

	if err := fn(phaseCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Phases))
	for i, phase := range plan.Phases {
		id := strings.TrimSpace(phase.ID)
		if id == "" {
			return fmt.Errorf("phase %d has empty id", i)
		}
		if _, exists := seen[id]; exists {
			return fmt.Errorf("duplicate phase id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
