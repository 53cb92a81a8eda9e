//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
)

// bootTracer emits process-lifecycle spans so a deploy shows up on the
// trace timeline next to the dispatch spans.
var bootTracer trace.Tracer

// initTelemetry wires OTLP trace export per config and installs the global
// tracer provider. Returns the shutdown func, nil when telemetry is off or
// the exporter could not be built (the gateway runs fine without it).
func initTelemetry(ctx context.Context, cfg *config.Config) func(context.Context) error {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		return nil
	}

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Telemetry.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Telemetry.Endpoint)}
		if cfg.Telemetry.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	default:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Telemetry.Endpoint)}
		if cfg.Telemetry.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	}
	if err != nil {
		slog.Warn("otel exporter init failed", "error", err)
		return nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.Telemetry.ServiceName),
		attribute.String("service.version", Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	bootTracer = tp.Tracer("qqclaw")
	_, span := bootTracer.Start(ctx, "gateway.boot")
	span.End()

	dispatchObserver = func(route, dispatchID, outcome string, start, end time.Time) {
		_, sp := bootTracer.Start(context.Background(), "qqclaw.dispatch",
			trace.WithTimestamp(start),
			trace.WithAttributes(
				attribute.String("qq.route", route),
				attribute.String("qq.dispatch_id", dispatchID),
				attribute.String("qq.outcome", outcome),
			))
		sp.End(trace.WithTimestamp(end))
	}

	slog.Info("otel trace export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
		"service", cfg.Telemetry.ServiceName)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}
}
