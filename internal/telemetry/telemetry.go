// Package telemetry installs the OpenTelemetry tracer provider. Finished
// spans are written to the structured log rather than shipped to a
// collector, so a run's timing is visible with nothing else deployed.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nugget/apiloop/internal/buildinfo"
	"github.com/nugget/apiloop/internal/config"
)

// Setup installs a global tracer provider when tracing is enabled and
// returns its shutdown function. When disabled the global no-op
// provider stays in place and shutdown does nothing.
func Setup(cfg config.TracingConfig, logger *slog.Logger) func(context.Context) error {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}

	tp := NewProvider(cfg.SampleRatio, NewLogExporter(logger))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// NewProvider builds a tracer provider that samples ratio of root spans
// and hands finished spans to exp synchronously.
func NewProvider(ratio float64, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", "apiloop"),
		attribute.String("service.version", buildinfo.Version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
}

// LogExporter writes each finished span as one debug log line.
type LogExporter struct {
	logger *slog.Logger
}

// NewLogExporter creates a span exporter backed by logger.
func NewLogExporter(logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger.With("component", "trace")}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		sc := s.SpanContext()
		fields := []any{
			"span", s.Name(),
			"trace_id", sc.TraceID().String(),
			"span_id", sc.SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
		}
		if p := s.Parent(); p.IsValid() {
			fields = append(fields, "parent_id", p.SpanID().String())
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, string(kv.Key), kv.Value.Emit())
		}
		if st := s.Status(); st.Code == codes.Error {
			fields = append(fields, "error", st.Description)
		}
		e.logger.DebugContext(ctx, "span finished", fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error { return nil }
