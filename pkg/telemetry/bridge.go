package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// EngineBridge adapts the supervisor's event stream to the telemetry
// EventPublisher. With a tracer attached it also keeps one span per
// started step, ending it when the step reaches a terminal state.
type EngineBridge struct {
	publisher *EventPublisher
	tracer    *Tracer
	plan      *engine.Plan

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewEngineBridge creates a bridge publishing the run events of plan.
func NewEngineBridge(publisher *EventPublisher, plan *engine.Plan) *EngineBridge {
	return &EngineBridge{
		publisher: publisher,
		plan:      plan,
		spans:     make(map[string]trace.Span),
	}
}

// WithTracer records a span per started step.
func (b *EngineBridge) WithTracer(t *Tracer) *EngineBridge {
	b.tracer = t
	return b
}

var engineEventTypes = map[engine.EventType]string{
	engine.EventTypeRunStarted:     EventTypeRunStarted,
	engine.EventTypeRunCompleted:   EventTypeRunCompleted,
	engine.EventTypeRunCancelled:   EventTypeRunCancelled,
	engine.EventTypeActionStarted:  EventTypeActionStarted,
	engine.EventTypeActionReady:    EventTypeActionReady,
	engine.EventTypeActionExited:   EventTypeActionExited,
	engine.EventTypeActionFailed:   EventTypeActionFailed,
	engine.EventTypeActionStopping: EventTypeActionStopping,
	engine.EventTypeActionKilled:   EventTypeActionKilled,
}

// Publish implements engine.EventPublisher.
func (b *EngineBridge) Publish(ctx context.Context, e *engine.Event) error {
	b.trace(ctx, e)

	eventType, ok := engineEventTypes[e.Type]
	if !ok {
		eventType = string(e.Type)
	}

	event := Event{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Type:      eventType,
		Source:    "supervisor",
		RunID:     e.RunID,
		StepID:    e.StepID,
		Message:   e.Message,
		Level:     e.Level,
		TraceID:   TraceID(ctx),
	}
	if b.plan != nil {
		event.PlanID = b.plan.ID
	}
	if e.State != "" {
		event.Data = map[string]interface{}{"state": string(e.State)}
	}
	return b.publisher.Publish(event)
}

// OpenSpans returns the number of step spans not yet ended.
func (b *EngineBridge) OpenSpans() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spans)
}

func (b *EngineBridge) trace(ctx context.Context, e *engine.Event) {
	if b.tracer == nil || b.plan == nil || e.StepID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Type {
	case engine.EventTypeActionStarted:
		step, ok := b.plan.Step(e.StepID)
		if !ok {
			return
		}
		_, span := b.tracer.StartActionSpan(ctx, *step)
		b.spans[e.StepID] = span

	case engine.EventTypeActionReady, engine.EventTypeActionStopping:
		if span, ok := b.spans[e.StepID]; ok {
			span.AddEvent(string(e.Type))
		}

	case engine.EventTypeActionExited, engine.EventTypeActionFailed, engine.EventTypeActionKilled:
		span, ok := b.spans[e.StepID]
		if !ok {
			return
		}
		span.SetAttributes(AttrActionState.String(string(e.State)))
		if e.Type != engine.EventTypeActionExited {
			span.SetStatus(codes.Error, e.Message)
		}
		span.End()
		delete(b.spans, e.StepID)
	}
}
