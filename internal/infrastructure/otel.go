package infrastructure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// ServiceName identifies the core in exported telemetry.
	ServiceName = "entcore"
	// MeterName is the instrumentation scope for all core metrics.
	MeterName = "entcore"
)

// MetricsProviders holds the metrics pipeline: an OTel meter backed by a
// Prometheus registry the consuming application can scrape.
type MetricsProviders struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	Registry       *prometheus.Registry
	PrometheusHTTP http.Handler
}

// InitializeMetrics builds the OTel metrics pipeline with a Prometheus
// exporter. Tracing is deliberately absent: request tracing belongs to the
// surrounding application's transport layer, not this core.
func InitializeMetrics(version string) (*MetricsProviders, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	return &MetricsProviders{
		MeterProvider:  provider,
		Meter:          provider.Meter(MeterName),
		Registry:       registry,
		PrometheusHTTP: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Shutdown flushes and stops the metrics pipeline.
func (p *MetricsProviders) Shutdown() error {
	if p.MeterProvider == nil {
		return nil
	}
	return p.MeterProvider.Shutdown(context.Background())
}
