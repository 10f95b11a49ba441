package observability

import (
	"context"
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

// OTelMetricsConfig contains configuration for the OTLP metric push.
type OTelMetricsConfig struct {
	Enabled        bool
	Endpoint       string
	ExporterType   ExporterType
	ServiceName    string
	Insecure       bool
	Headers        map[string]string
	ExportInterval time.Duration
}

// DefaultOTelMetricsConfig returns sensible defaults.
func DefaultOTelMetricsConfig() OTelMetricsConfig {
	return OTelMetricsConfig{
		Enabled:        false,
		ExporterType:   ExporterGRPC,
		ServiceName:    "zgate",
		Insecure:       true,
		Headers:        make(map[string]string),
		ExportInterval: 60 * time.Second,
	}
}

// OutcomeMetrics describes one completed client request for export.
type OutcomeMetrics struct {
	Model        string
	Tier         string
	Outcome      string
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Retries      int
}

// PoolGauges is a point-in-time reading of credential pool state.
type PoolGauges struct {
	Closed   int
	Open     int
	HalfOpen int
}

// OTelMetricsProvider wraps the OpenTelemetry meter provider.
type OTelMetricsProvider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	operationDuration metric.Float64Histogram
	tokenUsage        metric.Int64Counter
	requestCost       metric.Float64Counter
	requestCount      metric.Int64Counter
	retryCount        metric.Int64Counter
}

// InitOTelMetrics initializes the OTLP metric push. Returns nil when disabled.
func InitOTelMetrics(ctx context.Context, cfg OTelMetricsConfig) (*OTelMetricsProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval)),
		),
	)

	otel.SetMeterProvider(provider)

	omp := &OTelMetricsProvider{
		provider: provider,
		meter:    provider.Meter(TracerName),
	}
	if err := omp.initMetrics(); err != nil {
		return nil, err
	}
	return omp, nil
}

func (o *OTelMetricsProvider) initMetrics() error {
	var err error

	o.operationDuration, err = o.meter.Float64Histogram(
		"gen_ai.client.operation.duration",
		metric.WithDescription("Duration of proxied requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.tokenUsage, err = o.meter.Int64Counter(
		"gen_ai.client.token.usage",
		metric.WithDescription("Number of tokens used"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return err
	}

	o.requestCost, err = o.meter.Float64Counter(
		"zgate.request.cost",
		metric.WithDescription("Cost of proxied requests in USD"),
		metric.WithUnit("{currency}"),
	)
	if err != nil {
		return err
	}

	o.requestCount, err = o.meter.Int64Counter(
		"zgate.request.count",
		metric.WithDescription("Number of proxied requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	o.retryCount, err = o.meter.Int64Counter(
		"zgate.retry.count",
		metric.WithDescription("Number of upstream retries"),
		metric.WithUnit("{retry}"),
	)
	return err
}

// RecordOutcome records metrics for one completed client request.
func (o *OTelMetricsProvider) RecordOutcome(ctx context.Context, m OutcomeMetrics) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.request.model", m.Model),
		attribute.String("zgate.tier", m.Tier),
		attribute.String("zgate.outcome", m.Outcome),
	}

	o.operationDuration.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))
	o.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Retries > 0 {
		o.retryCount.Add(ctx, int64(m.Retries), metric.WithAttributes(attrs...))
	}
	if m.CostUSD > 0 {
		o.requestCost.Add(ctx, m.CostUSD, metric.WithAttributes(attrs...))
	}

	if m.InputTokens > 0 {
		inputAttrs := append([]attribute.KeyValue{attribute.String("gen_ai.token.type", "input")}, attrs...)
		o.tokenUsage.Add(ctx, int64(m.InputTokens), metric.WithAttributes(inputAttrs...))
	}
	if m.OutputTokens > 0 {
		outputAttrs := append([]attribute.KeyValue{attribute.String("gen_ai.token.type", "output")}, attrs...)
		o.tokenUsage.Add(ctx, int64(m.OutputTokens), metric.WithAttributes(outputAttrs...))
	}
}

// RegisterPoolObserver registers a callback sampling credential pool state at
// each export.
func (o *OTelMetricsProvider) RegisterPoolObserver(fn func() PoolGauges) error {
	if o == nil {
		return nil
	}

	gauge, err := o.meter.Int64ObservableGauge(
		"zgate.pool.keys",
		metric.WithDescription("Credential pool keys by circuit state"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return err
	}

	_, err = o.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		g := fn()
		obs.ObserveInt64(gauge, int64(g.Closed), metric.WithAttributes(attribute.String("state", "closed")))
		obs.ObserveInt64(gauge, int64(g.Open), metric.WithAttributes(attribute.String("state", "open")))
		obs.ObserveInt64(gauge, int64(g.HalfOpen), metric.WithAttributes(attribute.String("state", "half_open")))
		return nil
	}, gauge)
	return err
}

// Shutdown gracefully shuts down the metrics provider.
func (o *OTelMetricsProvider) Shutdown(ctx context.Context) error {
	if o == nil || o.provider == nil {
		return nil
	}
	return o.provider.Shutdown(ctx)
}

func newMetricExporter(ctx context.Context, cfg OTelMetricsConfig) (sdkmetric.Exporter, error) {
	if cfg.ExporterType == ExporterHTTP {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}
