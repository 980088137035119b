// Package observability provides named timing spans around publish, consume
// and reply round-trips, backed by OpenTelemetry.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskbus/src/logger"
)

const instrumentationName = "taskbus"

// Span names.
const (
	SpanPublish    = "taskbus.publish"
	SpanConsume    = "taskbus.consume"
	SpanReplySend  = "taskbus.reply.send"
	SpanTaskWait   = "taskbus.task.wait"
	SpanTaskHandle = "taskbus.task.handle"
)

// Attribute keys.
var (
	AttrTopic     = attribute.Key("taskbus.topic")
	AttrTask      = attribute.Key("taskbus.task")
	AttrKey       = attribute.Key("taskbus.key")
	AttrPartition = attribute.Key("taskbus.partition")
	AttrOffset    = attribute.Key("taskbus.offset")
	AttrCount     = attribute.Key("taskbus.count")
)

// Tracer returns the tracer used for bus spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Profiler is a span with labelled steps. Each step is recorded as a span
// event and logged at debug level with the elapsed time since start.
type Profiler struct {
	label string
	span  trace.Span
	start time.Time
	log   logger.Logger
}

// StartProfiler starts a span named name. label identifies this particular
// run in debug logs (e.g. "ext-task-resize:123").
func StartProfiler(ctx context.Context, log logger.Logger, name, label string, attrs ...attribute.KeyValue) (context.Context, *Profiler) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Profiler{
		label: label,
		span:  span,
		start: time.Now(),
		log:   log,
	}
}

// Mark records a named step.
func (p *Profiler) Mark(step string) {
	elapsed := time.Since(p.start)
	p.span.AddEvent(step, trace.WithAttributes(attribute.Int64("elapsed_ms", elapsed.Milliseconds())))
	p.log.Debug("[%s] %s (+%s)", p.label, step, elapsed)
}

// Fail marks the span as failed.
func (p *Profiler) Fail(err error) {
	if err == nil {
		return
	}
	p.span.RecordError(err)
	p.span.SetStatus(codes.Error, err.Error())
}

// End finishes the span.
func (p *Profiler) End() {
	p.span.End()
}

// Elapsed returns the time since the profiler started.
func (p *Profiler) Elapsed() time.Duration {
	return time.Since(p.start)
}
