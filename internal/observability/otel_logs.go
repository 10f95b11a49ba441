package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelLogsConfig contains configuration for the OTLP log bridge.
type OTelLogsConfig struct {
	Enabled      bool
	Endpoint     string
	ExporterType ExporterType
	ServiceName  string
	Insecure     bool
	Headers      map[string]string
}

// DefaultOTelLogsConfig returns sensible defaults.
func DefaultOTelLogsConfig() OTelLogsConfig {
	return OTelLogsConfig{
		Enabled:      false,
		ExporterType: ExporterGRPC,
		ServiceName:  "zgate",
		Insecure:     true,
		Headers:      make(map[string]string),
	}
}

// OTelLogsProvider wraps the OpenTelemetry logger provider.
type OTelLogsProvider struct {
	provider *sdklog.LoggerProvider
	logger   log.Logger
}

// InitOTelLogs initializes the OTLP log exporter. Returns nil when disabled.
func InitOTelLogs(ctx context.Context, cfg OTelLogsConfig) (*OTelLogsProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := newLogExporter(ctx, cfg)
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

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	global.SetLoggerProvider(provider)

	return &OTelLogsProvider{
		provider: provider,
		logger:   provider.Logger(TracerName),
	}, nil
}

// Logger returns the logger instance.
func (o *OTelLogsProvider) Logger() log.Logger {
	return o.logger
}

// Shutdown gracefully shuts down the logger provider.
func (o *OTelLogsProvider) Shutdown(ctx context.Context) error {
	if o == nil || o.provider == nil {
		return nil
	}
	return o.provider.Shutdown(ctx)
}

func newLogExporter(ctx context.Context, cfg OTelLogsConfig) (sdklog.Exporter, error) {
	if cfg.ExporterType == ExporterHTTP {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
	}
	return otlploggrpc.New(ctx, opts...)
}

// OTelLogHandler is a slog.Handler that bridges records to the OTLP
// exporter. It is meant to sit behind a MultiHandler next to the console
// handler, so local logging keeps working when the collector is down.
type OTelLogHandler struct {
	provider *OTelLogsProvider
	level    slog.Level
	attrs    []slog.Attr
}

// NewOTelLogHandler creates a bridge handler over an initialized provider.
func NewOTelLogHandler(provider *OTelLogsProvider, level slog.Level) *OTelLogHandler {
	return &OTelLogHandler{provider: provider, level: level}
}

// Enabled implements slog.Handler.
func (h *OTelLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.provider != nil && level >= h.level
}

// Handle implements slog.Handler.
func (h *OTelLogHandler) Handle(ctx context.Context, record slog.Record) error {
	var out log.Record
	out.SetTimestamp(record.Time)
	out.SetSeverity(severityFromLevel(record.Level))
	out.SetBody(log.StringValue(record.Message))

	for _, a := range h.attrs {
		out.AddAttributes(logKeyValue(a))
	}
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttributes(logKeyValue(a))
		return true
	})

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		out.AddAttributes(
			log.String("trace_id", span.SpanContext().TraceID().String()),
			log.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	h.provider.Logger().Emit(ctx, out)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *OTelLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler. Groups are flattened.
func (h *OTelLogHandler) WithGroup(string) slog.Handler {
	return h
}

func severityFromLevel(level slog.Level) log.Severity {
	switch {
	case level >= slog.LevelError:
		return log.SeverityError
	case level >= slog.LevelWarn:
		return log.SeverityWarn
	case level >= slog.LevelInfo:
		return log.SeverityInfo
	default:
		return log.SeverityDebug
	}
}

func logKeyValue(a slog.Attr) log.KeyValue {
	switch a.Value.Kind() {
	case slog.KindBool:
		return log.Bool(a.Key, a.Value.Bool())
	case slog.KindInt64:
		return log.Int64(a.Key, a.Value.Int64())
	case slog.KindUint64:
		return log.Int64(a.Key, int64(a.Value.Uint64()))
	case slog.KindFloat64:
		return log.Float64(a.Key, a.Value.Float64())
	default:
		return log.String(a.Key, a.Value.String())
	}
}
