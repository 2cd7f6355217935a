// Package metrics exports service metrics over OTLP and carries the
// instrument set the realtime channels report into.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricExporter owns the OTLP pipeline and hands out meters.
type MetricExporter struct {
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	resource         *resource.Resource
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

type Option func(*MetricExporter)

func WithServiceName(name string) Option {
	return func(mc *MetricExporter) {
		mc.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(mc *MetricExporter) {
		mc.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(mc *MetricExporter) {
		mc.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint
func WithOTLPEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpGRPCEndpoint = endpoint
	}
}

// WithEnvironment sets the deployment environment
func WithEnvironment(env string) Option {
	return func(mc *MetricExporter) {
		mc.environment = env
	}
}

func defaultConfig() *MetricExporter {
	return &MetricExporter{
		serviceName:      "realtime",
		serviceNamespace: "opsboard",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		otlpGRPCEndpoint: "",
		environment:      "development",
		counters:         make(map[string]metric.Int64Counter),
		histograms:       make(map[string]metric.Float64Histogram),
	}
}

// NewMetricExporter builds the OTLP pipeline, sets the global meter provider
// and returns a shutdown func.
func NewMetricExporter(opts ...Option) (*MetricExporter, func(), error) {
	mc := defaultConfig()

	for _, opt := range opts {
		opt(mc)
	}

	if mc.otlpGRPCEndpoint == "" && mc.otlpEndpoint == "" {
		return nil, nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(mc.serviceName),
			semconv.ServiceNamespace(mc.serviceNamespace),
			semconv.ServiceVersion(mc.serviceVersion),
			semconv.DeploymentEnvironment(mc.environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	if mc.otlpGRPCEndpoint != "" {
		exporter, err = otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(mc.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use TLS in production
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(mc.otlpEndpoint),
			otlpmetrichttp.WithInsecure(), // Use TLS in production
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
	)

	otel.SetMeterProvider(meterProvider)

	mc.meterProvider = meterProvider
	mc.meter = meterProvider.Meter(mc.serviceName)
	mc.resource = res

	return mc, func() {
		mc.meterProvider.Shutdown(context.Background())
	}, nil
}

// Close gracefully shuts down the metric exporter
func (mc *MetricExporter) Close(ctx context.Context) error {
	return mc.meterProvider.Shutdown(ctx)
}

func (mc *MetricExporter) Meter() metric.Meter {
	return mc.meter
}

// RecordCounter adds value to the named counter. Instruments are created
// once and cached.
func (mc *MetricExporter) RecordCounter(ctx context.Context, name, description, unit string, value int64, attributes map[string]string) error {
	mc.mu.Lock()
	counter, ok := mc.counters[name]
	if !ok {
		var err error
		counter, err = mc.meter.Int64Counter(name,
			metric.WithDescription(description),
			metric.WithUnit(unit),
		)
		if err != nil {
			mc.mu.Unlock()
			return fmt.Errorf("failed to create counter: %w", err)
		}
		mc.counters[name] = counter
	}
	mc.mu.Unlock()

	counter.Add(ctx, value, metric.WithAttributes(toAttrs(attributes)...))
	return nil
}

// RecordHistogram records value into the named histogram.
func (mc *MetricExporter) RecordHistogram(ctx context.Context, name, description, unit string, value float64, attributes map[string]string) error {
	mc.mu.Lock()
	histogram, ok := mc.histograms[name]
	if !ok {
		var err error
		histogram, err = mc.meter.Float64Histogram(name,
			metric.WithDescription(description),
			metric.WithUnit(unit),
		)
		if err != nil {
			mc.mu.Unlock()
			return fmt.Errorf("failed to create histogram: %w", err)
		}
		mc.histograms[name] = histogram
	}
	mc.mu.Unlock()

	histogram.Record(ctx, value, metric.WithAttributes(toAttrs(attributes)...))
	return nil
}

func toAttrs(attributes map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
