package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "edgeguard"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/edgeguard/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// Prometheus backs the meter provider with a Prometheus registry and
	// exposes it through PrometheusHandler. Ignored when Enabled is false.
	Prometheus bool

	// LogClientIPs controls whether client IP addresses are included in traces.
	// Client IPs may be personal data in some jurisdictions.
	LogClientIPs bool

	// Resource allows custom resource attributes
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	promHandler    http.Handler

	metrics *Metrics

	// Registered during New only.
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

func (i *Instrumentation) initializeProviders() error {
	var readers []sdkmetric.Option
	if i.config.Prometheus {
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(exporter))
		i.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	mp := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(i.resource))...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	return nil
}

// Shutdown flushes and stops the providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// ("http", "server", "storage", "security", "keystore").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// PrometheusHandler serves the Prometheus registry, or nil when the
// Prometheus exporter is not enabled.
func (i *Instrumentation) PrometheusHandler() http.Handler {
	return i.promHandler
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// GaugeCallback returns the current value of an observable gauge
type GaugeCallback func() int64

// RegisterStorageSizeCallbacks reports client and token counts.
func (i *Instrumentation) RegisterStorageSizeCallbacks(clientsCount, tokensCount, activeTokensCount GaugeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if tokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, tokensCount())
			}
			if activeTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageActiveTokensCount, activeTokensCount())
			}
			return nil
		},
		i.metrics.StorageClientsCount,
		i.metrics.StorageTokensCount,
		i.metrics.StorageActiveTokensCount,
	)
	return err
}

// RegisterGatewayCallbacks reports the risk score, circuit state (0 closed,
// 1 open) and anti-replay entry count.
func (i *Instrumentation) RegisterGatewayCallbacks(risk, circuitOpen, replayEntries GaugeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.Meter("security").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if risk != nil {
				observer.ObserveInt64(i.metrics.RiskScore, risk())
			}
			if circuitOpen != nil {
				observer.ObserveInt64(i.metrics.CircuitOpen, circuitOpen())
			}
			if replayEntries != nil {
				observer.ObserveInt64(i.metrics.ReplayEntries, replayEntries())
			}
			return nil
		},
		i.metrics.RiskScore,
		i.metrics.CircuitOpen,
		i.metrics.ReplayEntries,
	)
	return err
}
