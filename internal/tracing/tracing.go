// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer used by the lifecycle engine.
const InstrumentationName = "github.com/devghori1264/greenops"

// Setup installs a global tracer provider. When enabled, spans are written
// as JSON to w; otherwise a no-op provider is installed. The returned
// function flushes and stops the provider.
func Setup(enabled bool, w io.Writer) (func(context.Context) error, error) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// MachineAttr tags a span with a machine ID.
func MachineAttr(id string) attribute.KeyValue {
	return attribute.String("greenops.machine_id", id)
}

// CommandAttr tags a span with a command ID.
func CommandAttr(id string) attribute.KeyValue {
	return attribute.String("greenops.command_id", id)
}
