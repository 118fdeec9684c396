// Package telemetry wires up the OpenTelemetry meter provider and the
// Prometheus exposition endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
)

const meterName = "sinkhole"

// Telemetry holds the meter provider and the metrics HTTP server.
type Telemetry struct {
	cfg           *config.TelemetryConfig
	meterProvider metric.MeterProvider
	exporter      *prometheus.Exporter
	server        *http.Server
	logger        *logging.Logger
}

// Metrics holds the application instruments. When telemetry is disabled
// these are noop instruments, so callers record unconditionally.
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	RefusedQueries   metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	BannedDomains    metric.Int64UpDownCounter
	OverlayRecords   metric.Int64UpDownCounter
	StorageDropped   metric.Int64Counter
}

// New creates the telemetry instance. When disabled it returns noop
// providers so instrument calls stay valid everywhere.
func New(ctx context.Context, cfg *config.TelemetryConfig, version string, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", meterName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	t := &Telemetry{
		cfg:           cfg,
		meterProvider: provider,
		exporter:      exporter,
		logger:        logger,
	}
	t.startServer()

	logger.Info("telemetry initialized", "listen", cfg.Listen)
	return t, nil
}

func (t *Telemetry) startServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.server = &http.Server{
		Addr:              t.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// InitMetrics creates the application instruments on the active provider.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(meterName)

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("DNS queries received, by decision and query type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	refusedQueries, err := meter.Int64Counter(
		"dns.queries.refused",
		metric.WithDescription("Queries refused before resolution, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refused queries counter: %w", err)
	}

	upstreamFailures, err := meter.Int64Counter(
		"dns.upstream.failures",
		metric.WithDescription("Forwarded queries that failed upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream failures counter: %w", err)
	}

	bannedDomains, err := meter.Int64UpDownCounter(
		"policy.banned.domains",
		metric.WithDescription("Entries in the banned domain set"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create banned domains gauge: %w", err)
	}

	overlayRecords, err := meter.Int64UpDownCounter(
		"policy.overlay.records",
		metric.WithDescription("Static overlay records loaded from configuration"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay records gauge: %w", err)
	}

	storageDropped, err := meter.Int64Counter(
		"storage.queries.dropped",
		metric.WithDescription("Query log entries dropped due to a full buffer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage dropped counter: %w", err)
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		QueryDuration:    queryDuration,
		RefusedQueries:   refusedQueries,
		UpstreamFailures: upstreamFailures,
		BannedDomains:    bannedDomains,
		OverlayRecords:   overlayRecords,
		StorageDropped:   storageDropped,
	}, nil
}

// MeterProvider returns the active meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// AddDroppedQuery lets the storage layer count dropped log entries without
// importing this package's concrete types.
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageDropped != nil {
		m.StorageDropped.Add(ctx, count)
	}
}

// Shutdown stops the metrics server and flushes the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
