package otelcol

import (
	"context"

	"castplane/pkg/config"
	"castplane/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"
)

var Module = fx.Module("otelcol",
	fx.Provide(exporters.ProvideHttp, ProvideTrace),
	fx.Invoke(Register),
)

func ProvideTrace(cfg *config.Config, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.AppName),
			semconv.ServiceVersion(cfg.AppVersion),
		),
	)
	if err != nil {
		res = sdkresource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
}

func Register(lc fx.Lifecycle, cfg *config.Config, tp *sdktrace.TracerProvider) {
	if !cfg.Otel.Enable {
		return
	}

	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
}
