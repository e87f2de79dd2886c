package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging,
// tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
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

// Disabled returns a telemetry instance with every component off. Used by
// tests and tooling that runs engine components without observability.
func Disabled() *Telemetry {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	cfg.Logging.Level = "error"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	return tel
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// The metrics server keeps serving until the process exits so the last
	// scrape still succeeds.
	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Context Helpers for common instrumentation patterns

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
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
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// actionSpanKey is the context key for action spans.
type actionSpanKey struct{}

// actionTimerKey is the context key for action timers.
type actionTimerKey struct{}

// WithActionContext creates a context enriched with action-specific
// telemetry: a span, an action-scoped logger, and a started event.
func WithActionContext(ctx context.Context, actionID, operation, target string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartActionSpan(ctx, actionID, operation, target)

	logger := tel.Logger.
		WithActionID(actionID).
		WithField("operation", operation).
		WithField("target", target)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordActionStarted(operation)
	_ = tel.Events.PublishActionStarted(actionID, operation, target)

	spanCtx = context.WithValue(spanCtx, actionSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, actionTimerKey{}, NewTimer())

	return spanCtx
}

// EndActionContext completes the action context, recording metrics and events.
func EndActionContext(ctx context.Context, actionID, operation, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(actionSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrActionStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	timer, _ := ctx.Value(actionTimerKey{}).(*Timer)
	if timer == nil {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordActionCompleted(operation, status, duration)
	_ = tel.Events.PublishActionCompleted(actionID, operation, status, duration)
}

// RecordDriverOperation records a backend driver call with metrics and tracing.
func RecordDriverOperation(ctx context.Context, driverName, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartDriverSpan(ctx, driverName, operation)
		defer span.End()
	}
	_ = ctx

	timer := NewTimer()
	err := fn()

	if tel != nil {
		tel.Metrics.RecordDriverCall(driverName, operation, timer.Duration())
		if err != nil {
			tel.Metrics.RecordDriverError(driverName, operation)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
