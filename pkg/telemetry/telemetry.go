// Package telemetry builds one logger, one tracer, and one metrics
// registry per Client instance: `go.uber.org/zap` logging throughout,
// `go.opentelemetry.io/otel` tracing, and `prometheus.Registry`
// metrics. Deliberately no global singleton: a process hosting more
// than one cachebay Client (e.g. two tenants in one server) must not
// have their metrics collide on one shared registry, so Telemetry is
// constructed fresh per New call and each instance gets its own
// prometheus.Registry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Metrics holds the named Prometheus collectors a cache instance
// reports.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	FlushDuration   prometheus.Histogram
	FamilyInFlight  prometheus.Gauge
	FamilyDedup     prometheus.Counter
	NotifyFailures  prometheus.Counter
}

func newMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Reads served from the cache without a network fetch.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Reads that required a network fetch or failed cache-only.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flush_duration_seconds",
			Help:    "Time spent dispatching one graph.Store.Flush pass to watchers.",
			Buckets: prometheus.DefBuckets,
		}),
		FamilyInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "family_inflight",
			Help: "Number of operation families with a network call currently in flight.",
		}),
		FamilyDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "family_dedup_total",
			Help: "Requests that joined an in-flight leader instead of starting a new network call.",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_failures_total",
			Help: "Watcher callbacks that panicked or errored, isolated per watcher.",
		}),
	}
	registry.MustRegister(
		m.CacheHits, m.CacheMisses, m.FlushDuration,
		m.FamilyInFlight, m.FamilyDedup, m.NotifyFailures,
	)
	return m
}

// Telemetry bundles the observability surface for one Client instance.
type Telemetry struct {
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Registry *prometheus.Registry
	Metrics  *Metrics

	tracerProvider *sdktrace.TracerProvider
}

// Config controls how a Telemetry instance is built.
type Config struct {
	ServiceName string
	Environment string

	// OTLPEndpoint, when non-empty, enables span export over OTLP/gRPC
	// via the otlptracegrpc exporter. Left empty, Tracer is a no-op
	// tracer.
	OTLPEndpoint string

	Logger *zap.Logger
}

// New builds a fresh Telemetry instance: its own logger (or the one
// supplied), its own prometheus.Registry, and its own trace.Tracer —
// never a shared package-level instance.
func New(cfg Config) (*Telemetry, error) {
	logger := cfg.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building default logger: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := newMetrics(registry)

	t := &Telemetry{
		Logger:   logger,
		Registry: registry,
		Metrics:  metrics,
	}

	if cfg.OTLPEndpoint == "" {
		t.Tracer = trace.NewNoopTracerProvider().Tracer(cfg.ServiceName)
		return t, nil
	}

	provider, err := newTracerProvider(cfg)
	if err != nil {
		return nil, err
	}
	t.tracerProvider = provider
	t.Tracer = provider.Tracer(cfg.ServiceName)
	return t, nil
}

func newTracerProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background())
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// Shutdown flushes and releases the tracer provider, if one was
// created. Safe to call on a no-op Telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// RecordFlush observes the duration of one scheduler dispatch pass.
func (t *Telemetry) RecordFlush(d time.Duration) {
	t.Metrics.FlushDuration.Observe(d.Seconds())
}
