// Package obsv wires metrics and tracing for the scheduler, a trimmed
// and re-themed adaptation of the teacher's internal/observability
// package: same Config/Providers/Init shape, same Prometheus-registry-
// backed otel meter reader, same otlptracehttp exporter option, same
// otelhttp handler wrap — but reporting scheduler-shaped numbers
// (batch size, tier promotions, busy supervisors, outcome counts)
// instead of crawl-job metrics.
package obsv

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/swarmtest/resilient-runner/internal/protocol"
)

// Config controls observability initialisation.
type Config struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Providers exposes the configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
}

var (
	initOnce sync.Once

	batchSizeGauge        metric.Int64Gauge
	tierPromotionsCounter metric.Int64Counter
	supervisorsBusyGauge  metric.Int64Gauge
	outcomeCounter        metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is
// false, Init is a no-op returning a nil *Providers, so callers can
// unconditionally defer prov.Shutdown after a nil check.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "resilient-runner"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obsv: build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{getOTLPEndpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			fmt.Printf("WARN: obsv: failed to create OTLP trace exporter (traces disabled): %v\n", err)
		} else {
			spanExporter = exp
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("obsv: create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	var initErr error
	initOnce.Do(func() {
		initErr = initInstruments(meterProvider)
	})
	if initErr != nil {
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("obsv: init instruments: %w", initErr)
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = fmt.Errorf("metric provider shutdown: %w", err)
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			if allErr != nil {
				allErr = fmt.Errorf("%w; trace provider shutdown: %v", allErr, err)
			} else {
				allErr = fmt.Errorf("trace provider shutdown: %w", err)
			}
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to handler when
// prov is active, skipping /healthz to keep liveness checks out of
// trace noise.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("resilient-runner/scheduler")

	var err error
	batchSizeGauge, err = meter.Int64Gauge(
		"batch_size_current",
		metric.WithDescription("Current batch size produced by the Batch-Size Controller"),
	)
	if err != nil {
		return err
	}

	tierPromotionsCounter, err = meter.Int64Counter(
		"tier_promotions_total",
		metric.WithDescription("Number of times the Tier Promotion Monitor moved Suspicious back to Pending"),
	)
	if err != nil {
		return err
	}

	supervisorsBusyGauge, err = meter.Int64Gauge(
		"supervisors_busy",
		metric.WithDescription("Number of supervisors currently executing a batch"),
	)
	if err != nil {
		return err
	}

	outcomeCounter, err = meter.Int64Counter(
		"outcomes_total",
		metric.WithDescription("Test outcomes recorded by the Outcome Sink, by status"),
	)
	return err
}

// RecordBatchSize records the batch-size controller's current value.
func RecordBatchSize(ctx context.Context, size int) {
	if batchSizeGauge != nil {
		batchSizeGauge.Record(ctx, int64(size))
	}
}

// RecordTierPromotion records one Tier Promotion Monitor pass that
// moved count tests out of Suspicious.
func RecordTierPromotion(ctx context.Context, count int) {
	if tierPromotionsCounter != nil && count > 0 {
		tierPromotionsCounter.Add(ctx, 1)
	}
}

// RecordSupervisorsBusy records how many supervisors currently hold an
// assigned batch.
func RecordSupervisorsBusy(ctx context.Context, count int) {
	if supervisorsBusyGauge != nil {
		supervisorsBusyGauge.Record(ctx, int64(count))
	}
}

// RecordOutcome increments the per-status outcome counter.
func RecordOutcome(ctx context.Context, status protocol.OutcomeKind) {
	if outcomeCounter != nil {
		outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}
