// Package telemetry defines the observability contracts consumed by the loop
// engine: structured logging, span tracing, and metrics. The interfaces are
// intentionally small so tests can provide lightweight stubs, and a no-op
// implementation is substitutable when telemetry is disabled so the engine
// never needs nil checks.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the engine.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and timer helpers for engine instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer abstracts span creation so engine code stays agnostic of the
	// underlying OpenTelemetry provider. OTEL option types are used directly
	// for type safety.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	//
	//	ctx, span := tracer.Start(ctx, "toolCall")
	//	defer span.End()
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetAttributes(attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Settings bundles the telemetry configuration accepted by the loop. The
	// zero value disables recording: constructors substitute no-op
	// implementations for nil fields.
	Settings struct {
		// Enabled turns span recording on. When false the loop uses no-op
		// telemetry regardless of the other fields.
		Enabled bool
		// Tracer creates spans for run, step, and tool boundaries. Nil means
		// no-op.
		Tracer Tracer
		// Logger receives engine diagnostics. Nil means no-op.
		Logger Logger
		// Metrics receives latency timers and error counters. Nil means no-op.
		Metrics Metrics
		// FunctionID identifies the calling function in span attributes.
		FunctionID string
		// Metadata is attached to every span started by the run.
		Metadata map[string]any
		// RecordInputs includes prompts and tool arguments in span attributes.
		RecordInputs bool
		// RecordOutputs includes generated text and tool results in span
		// attributes.
		RecordOutputs bool
	}
)

// Normalize fills nil collaborators with no-op implementations and clears all
// of them when telemetry is disabled.
func (s Settings) Normalize() Settings {
	if !s.Enabled {
		out := Settings{
			Tracer:  NewNoopTracer(),
			Logger:  s.Logger, // logging stays available even with tracing off
			Metrics: NewNoopMetrics(),
		}
		if out.Logger == nil {
			out.Logger = NewNoopLogger()
		}
		return out
	}
	out := s
	if out.Tracer == nil {
		out.Tracer = NewNoopTracer()
	}
	if out.Metrics == nil {
		out.Metrics = NewNoopMetrics()
	}
	if out.Logger == nil {
		out.Logger = NewNoopLogger()
	}
	return out
}
