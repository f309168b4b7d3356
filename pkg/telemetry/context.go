package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	stopMetrics func(context.Context) error
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing
// logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// Shutdown stops it.
func (t *Telemetry) StartMetricsServer() error {
	stop, err := t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics").Zerolog())
	if err != nil {
		return err
	}
	t.stopMetrics = stop
	return nil
}

// Shutdown stops every telemetry component, delivering buffered events and
// flushing pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.stopMetrics != nil {
		if err := t.stopMetrics(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// InstrumentedContext carries the span, logger and timer of an operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing and
// timing. Without telemetry in ctx only the timer is active.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// BuildPlan runs build inside a plan.build span and records the outcome as
// metrics and events.
func BuildPlan(ctx context.Context, source string, build func(context.Context) (*engine.Plan, error)) (*engine.Plan, error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return build(ctx)
	}

	spanCtx, span := tel.Tracer.StartBuildSpan(ctx, source)
	defer span.End()
	timer := NewTimer()

	plan, err := build(spanCtx)
	if err != nil {
		RecordError(span, err)
		tel.Metrics.RecordPlanBuild(timer.Duration(), 0, err)
		recordLaunchError(tel, err)
		_ = tel.Events.PublishPlanFailed(source, err)
		return nil, err
	}

	span.SetAttributes(AttrPlanID.String(plan.ID), AttrStepCount.Int(len(plan.Steps)))
	RecordSuccess(span)
	tel.Metrics.RecordPlanBuild(timer.Duration(), len(plan.Steps), nil)
	_ = tel.Events.PublishPlanBuilt(plan, source)
	return plan, nil
}

// RecordPolicyViolation counts a policy violation and publishes it.
func RecordPolicyViolation(ctx context.Context, planID, policyName, stepID, severity, message string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordPolicyViolation(policyName, severity)
	_ = tel.Events.PublishPolicyViolation(planID, policyName, stepID, severity, message)
}

// runSpanKey is the context key for run spans.
type runSpanKey struct{}

// runTimerKey is the context key for run timers.
type runTimerKey struct{}

// WithRunContext starts the telemetry of a supervised run of plan.
func WithRunContext(ctx context.Context, plan *engine.Plan) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, plan)
	spanCtx = tel.Logger.WithPlanID(plan.ID).WithContext(spanCtx)

	tel.Metrics.RecordRunStarted()

	spanCtx = context.WithValue(spanCtx, runSpanKey{}, span)
	return context.WithValue(spanCtx, runTimerKey{}, NewTimer())
}

// EndRunContext completes the run telemetry started by WithRunContext.
// status may be nil when the run returned an error.
func EndRunContext(ctx context.Context, status *engine.ExitStatus, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if timer, ok := ctx.Value(runTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	label := "error"
	if status != nil {
		label = string(status.Status)
	}
	tel.Metrics.RecordRunCompleted(label, duration)
	if err != nil {
		recordLaunchError(tel, err)
	}

	span, ok := ctx.Value(runSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	if status != nil {
		span.SetAttributes(
			AttrRunID.String(status.RunID),
			AttrRunStatus.String(string(status.Status)),
			AttrExitCode.Int(status.Code),
		)
	}
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

func recordLaunchError(tel *Telemetry, err error) {
	var le *engine.LaunchError
	if errors.As(err, &le) {
		tel.Metrics.RecordError(string(le.Class), le.Code)
		return
	}
	tel.Metrics.RecordError("unknown", "")
}
