// Package observability wires OpenTelemetry tracing and metrics export
// for the client core. Everything is gated by OTEL_ENABLED; without it
// the providers are noops.
package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/dataelement/bisheng-sub006/internal/config"
)

// Shutdown releases telemetry resources.
type Shutdown func(ctx context.Context) error

// Setup installs the global tracer and meter providers.
func Setup(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Shutdown, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp, mp, err := buildProviders(ctx, cfg, res, log)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		mErr := mp.Shutdown(ctx)
		tErr := tp.Shutdown(ctx)
		if mErr != nil {
			log.Error().Err(mErr).Msg("shutdown meter provider")
			return mErr
		}
		if tErr != nil {
			log.Error().Err(tErr).Msg("shutdown tracer provider")
		}
		return tErr
	}, nil
}

func buildProviders(ctx context.Context, cfg *config.Config, res *resource.Resource, log zerolog.Logger) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	if !cfg.EnableTracing || cfg.OTLPEndpoint == "" {
		log.Info().Msg("tracing disabled, using noop providers")
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
			sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)),
			nil
	}

	endpoint, insecure := normalizeEndpoint(cfg.OTLPEndpoint)

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	meterExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, err
	}

	log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("tracing and metrics export enabled")
	return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		),
		sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter, sdkmetric.WithInterval(30*time.Second))),
		),
		nil
}

func normalizeEndpoint(raw string) (endpoint string, insecure bool) {
	if strings.HasPrefix(raw, "https://") {
		return strings.TrimPrefix(raw, "https://"), false
	}
	return strings.TrimPrefix(raw, "http://"), true
}
