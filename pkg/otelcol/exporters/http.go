package exporters

import (
	"context"
	"time"

	"castplane/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/trace"
)

func ProvideHttp(cfg *config.Config) (trace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if cfg.Otel.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Otel.Endpoint))
	}

	client := otlptracehttp.NewClient(opts...)
	return otlptrace.New(ctx, client)
}
