// Package telemetry wires the OpenTelemetry SDK for the dispatch daemon.
//
// Metrics are always exposed in Prometheus text format on a local /metrics
// listener. When an OTLP collector endpoint is configured, metrics, traces
// and logs are additionally shipped to it over gRPC, and an slog handler
// bridging into the collector is made available for the system logger.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/shaharia-lab/notiq/internal/build"
)

const (
	serviceName = "notiq"

	// otlpExportInterval is how often the periodic reader pushes metrics
	// to the collector.
	otlpExportInterval = 15 * time.Second

	readHeaderTimeout = 5 * time.Second
)

// Config controls which telemetry backends are active.
type Config struct {
	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the listener.
	MetricsAddr string

	// OTLPEndpoint is the host:port of an OTLP gRPC collector. Empty
	// disables OTLP export entirely.
	OTLPEndpoint string

	// Logger receives telemetry lifecycle events. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Telemetry holds the active providers and shuts them down in reverse
// start order.
type Telemetry struct {
	// LogHandler bridges slog records into the OTLP collector. Nil unless
	// an OTLP endpoint is configured.
	LogHandler slog.Handler

	logger      *slog.Logger
	metricsAddr string
	server      *http.Server
	shutdowns   []func(context.Context) error
}

// Setup installs the global OpenTelemetry meter, tracer and logger
// providers per cfg. It must run before any package creates instruments
// through the otel globals.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Telemetry{logger: cfg.Logger}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", build.Version),
	)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(exporter))

		if err := t.serveMetrics(cfg.MetricsAddr, registry); err != nil {
			return nil, err
		}
	}

	if cfg.OTLPEndpoint != "" {
		if err := t.setupOTLP(ctx, cfg.OTLPEndpoint, res, &metricOpts); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}

	meterProvider := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(meterProvider)
	t.shutdowns = append(t.shutdowns, meterProvider.Shutdown)

	return t, nil
}

// MetricsAddr returns the address the /metrics listener is bound to, or ""
// when the listener is disabled. Useful when the configured address has
// port 0.
func (t *Telemetry) MetricsAddr() string {
	return t.metricsAddr
}

// Shutdown flushes and stops every active provider and the metrics
// listener. Providers shut down in reverse start order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serveMetrics binds the /metrics listener eagerly so that an unusable
// address fails startup instead of surfacing later as a silent loss of
// metrics.
func (t *Telemetry) serveMetrics(addr string, registry *prometheus.Registry) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding metrics listener on %q: %w", addr, err)
	}
	t.metricsAddr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("metrics listener failed", "addr", t.metricsAddr, "error", err)
		}
	}()
	t.logger.Info("serving prometheus metrics", "addr", t.metricsAddr)
	return nil
}

func (t *Telemetry) setupOTLP(ctx context.Context, endpoint string, res *resource.Resource, metricOpts *[]sdkmetric.Option) error {
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	*metricOpts = append(*metricOpts, sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(otlpExportInterval)),
	))

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	t.shutdowns = append(t.shutdowns, tracerProvider.Shutdown)

	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(loggerProvider)
	t.shutdowns = append(t.shutdowns, loggerProvider.Shutdown)
	t.LogHandler = otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(loggerProvider))

	t.logger.Info("exporting telemetry over OTLP", "endpoint", endpoint)
	return nil
}
