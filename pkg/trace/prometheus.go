package trace

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsExporter bridges the OpenTelemetry instruments to a Prometheus
// registry that can be scraped over HTTP.
type MetricsExporter struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// NewMetricsExporter creates a meter provider backed by its own Prometheus
// registry. It does not touch the global provider.
func NewMetricsExporter(cfg *Config) (*MetricsExporter, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	exp, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	return &MetricsExporter{
		provider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		),
		registry: registry,
	}, nil
}

// InitMetrics creates a MetricsExporter and installs it as the global meter
// provider, so DefaultMetrics reports through it.
func InitMetrics(cfg *Config) (*MetricsExporter, error) {
	m, err := NewMetricsExporter(cfg)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// MeterProvider returns the provider feeding the registry.
func (m *MetricsExporter) MeterProvider() metric.MeterProvider {
	return m.provider
}

// Handler serves the registry in the Prometheus exposition format.
func (m *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsExporter) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
