// Package telemetry wires up the Prometheus + OpenTelemetry exporters
// used across the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"sixgate/pkg/config"
	"sixgate/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query pipeline metrics
	QueriesTotal       metric.Int64Counter
	QueryDuration      metric.Float64Histogram
	RuleMatches        metric.Int64Counter
	AnswersSuppressed  metric.Int64Counter
	UpstreamFailures   metric.Int64Counter
	ProbesTotal        metric.Int64Counter
	HostsOverrideHits  metric.Int64Counter
	StorageLogsDropped metric.Int64Counter
}

// New creates a new telemetry instance. When disabled, noop providers
// are installed so instrumented code paths need no nil checks.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:            cfg,
		tracerProvider: tracenoop.NewTracerProvider(),
		logger:         logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// startPrometheusServer starts the metrics scrape endpoint
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server error", "error", err)
		}
	}()

	return nil
}

// InitMetrics creates all application metric instruments
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sixgate")

	m := &Metrics{}
	var err error

	if m.QueriesTotal, err = meter.Int64Counter("dns_queries_total",
		metric.WithDescription("Total DNS queries handled")); err != nil {
		return nil, err
	}
	if m.QueryDuration, err = meter.Float64Histogram("dns_query_duration_seconds",
		metric.WithDescription("End-to-end query handling duration")); err != nil {
		return nil, err
	}
	if m.RuleMatches, err = meter.Int64Counter("policy_rule_matches_total",
		metric.WithDescription("Queries matched by a resolution rule")); err != nil {
		return nil, err
	}
	if m.AnswersSuppressed, err = meter.Int64Counter("answers_suppressed_total",
		metric.WithDescription("Answer records withheld by filtering")); err != nil {
		return nil, err
	}
	if m.UpstreamFailures, err = meter.Int64Counter("upstream_failures_total",
		metric.WithDescription("Queries where every upstream failed")); err != nil {
		return nil, err
	}
	if m.ProbesTotal, err = meter.Int64Counter("reachability_probes_total",
		metric.WithDescription("Reachability probes issued")); err != nil {
		return nil, err
	}
	if m.HostsOverrideHits, err = meter.Int64Counter("hosts_override_hits_total",
		metric.WithDescription("Queries answered from static hosts")); err != nil {
		return nil, err
	}
	if m.StorageLogsDropped, err = meter.Int64Counter("storage_logs_dropped_total",
		metric.WithDescription("Query log entries dropped due to a full buffer")); err != nil {
		return nil, err
	}

	if err := t.registerProcessGauges(meter); err != nil {
		return nil, err
	}

	return m, nil
}

// registerProcessGauges exposes process CPU and RSS via gopsutil
func (t *Telemetry) registerProcessGauges(meter metric.Meter) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Not fatal; some platforms restrict proc inspection
		t.logger.Warn("Process metrics unavailable", "error", err)
		return nil
	}

	cpuGauge, err := meter.Float64ObservableGauge("process_cpu_percent",
		metric.WithDescription("Process CPU usage percent"))
	if err != nil {
		return err
	}
	rssGauge, err := meter.Int64ObservableGauge("process_memory_rss_bytes",
		metric.WithDescription("Process resident memory"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if cpu, err := proc.CPUPercent(); err == nil {
			o.ObserveFloat64(cpuGauge, cpu)
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			o.ObserveInt64(rssGauge, int64(mem.RSS))
		}
		return nil
	}, cpuGauge, rssGauge)
	return err
}

// NoopMetrics returns metrics backed by the noop meter, for tests and
// callers that do not wire telemetry.
func NoopMetrics() *Metrics {
	meter := noop.NewMeterProvider().Meter("sixgate")
	m := &Metrics{}
	m.QueriesTotal, _ = meter.Int64Counter("dns_queries_total")
	m.QueryDuration, _ = meter.Float64Histogram("dns_query_duration_seconds")
	m.RuleMatches, _ = meter.Int64Counter("policy_rule_matches_total")
	m.AnswersSuppressed, _ = meter.Int64Counter("answers_suppressed_total")
	m.UpstreamFailures, _ = meter.Int64Counter("upstream_failures_total")
	m.ProbesTotal, _ = meter.Int64Counter("reachability_probes_total")
	m.HostsOverrideHits, _ = meter.Int64Counter("hosts_override_hits_total")
	m.StorageLogsDropped, _ = meter.Int64Counter("storage_logs_dropped_total")
	return m
}

// AddDroppedLog implements the storage metrics recorder
func (m *Metrics) AddDroppedLog(ctx context.Context, count int64) {
	if m == nil {
		return
	}
	m.StorageLogsDropped.Add(ctx, count)
}

// Shutdown stops the telemetry providers and scrape endpoint
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown prometheus server: %w", err)
		}
	}
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}
