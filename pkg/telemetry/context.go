package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
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

// WithContext adds the telemetry instance and its logger to the context.
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

// MetricsFromContext returns the metrics of the telemetry in ctx. The
// returned value may be nil; all Metrics methods accept a nil receiver.
func MetricsFromContext(ctx context.Context) *Metrics {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Metrics
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.StopMetricsServer(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext carries a span, logger and timer for one operation.
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

	logger := FromContext(ctx).WithField("operation", operation)
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

// scenarioSpanKey and scenarioTimerKey hold the scenario span and timer.
type scenarioSpanKey struct{}
type scenarioTimerKey struct{}

// WithScenarioContext creates a context enriched with scenario telemetry:
// a span, a scenario logger, a started metric and a started event.
func WithScenarioContext(ctx context.Context, runID, suite, scenario, device string) context.Context {
	logger := FromContext(ctx).WithRunID(runID).WithScenario(suite, scenario)

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartScenarioSpan(ctx, suite, scenario, device)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordScenarioStarted(suite)
	_ = tel.Events.PublishScenarioStarted(runID, suite, scenario)

	spanCtx = context.WithValue(spanCtx, scenarioSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, scenarioTimerKey{}, NewTimer())
	return spanCtx
}

// EndScenarioContext completes the scenario context and returns its duration.
func EndScenarioContext(ctx context.Context, runID, suite, scenario, status string, err error) time.Duration {
	var duration time.Duration
	if timer, ok := ctx.Value(scenarioTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return duration
	}

	if span, ok := ctx.Value(scenarioSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordScenarioCompleted(suite, status, duration)

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	_ = tel.Events.PublishScenarioCompleted(runID, suite, scenario, status, duration, reason)
	return duration
}

// RecordTransportCall runs fn as one transport call with a span, metrics
// and a debug log line.
func RecordTransportCall(ctx context.Context, transport, operation, target string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartSpan(ctx, transport+"."+operation,
			AttrTransport.String(transport),
			AttrOperation.String(operation),
			AttrTarget.String(target),
		)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)
	duration := timer.Duration()

	FromContext(ctx).Zerolog().Debug().
		Str("transport", transport).
		Str("operation", operation).
		Str("target", target).
		Dur("duration", duration).
		Err(err).
		Msg("transport call")

	if tel != nil {
		tel.Metrics.RecordTransportCall(transport, operation, duration, err)
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
