// Package telemetry defines the logging, metrics, and tracing contracts the
// engine's components are constructed with. ctxmgr takes a Logger and
// Metrics through its Options, and mcpplugin's ManagerOptions and usage's
// HTTPSenderOptions take a Logger; no component takes a Tracer, and none of
// them reach for a global.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to clue/log but the interface stays
// small so tests can supply lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// ToolTelemetry captures observability metadata collected during a single
// tool dispatch: duration, token usage if the tool itself called a backend,
// and any tool-specific extras.
type ToolTelemetry struct {
	DurationMs int64
	TokensUsed int
	Model      string
	Extra      map[string]any
}
