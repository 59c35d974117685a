package otelcol

import (
	"context"
	"time"

	"marketplace-settlement/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otel",
	fx.Provide(
		ProvideTracerProvider,
		ProvideMeterProvider,
	),
)

// NewExporter dials the collector at OTEL.ADDR over http (default) or grpc.
func NewExporter(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Otel.Protocol == "grpc" {
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithCompressor("gzip"),
		))
	}

	return otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Otel.Addr),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	))
}

// ProvideTracerProvider installs a batching SDK provider when a collector is
// configured and falls back to the global no-op provider otherwise.
func ProvideTracerProvider(lc fx.Lifecycle, cfg *config.Config) trace.TracerProvider {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider()
	}

	exporter, err := NewExporter(cfg)
	if err != nil {
		zap.L().Error("failed to create otlp exporter, tracing disabled", zap.Error(err))
		return otel.GetTracerProvider()
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp
}

func ProvideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}
