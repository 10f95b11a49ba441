package observability

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the root logger handed to every subsystem. Records pass through
// credential redaction before they reach any sink.
type Logger struct {
	*slog.Logger
}

// LoggerConfig contains configuration for the logger. Level accepts a
// *slog.LevelVar so the active level can follow config reloads.
type LoggerConfig struct {
	Level      slog.Leveler
	Output     io.Writer // defaults to os.Stdout
	AddSource  bool
	JSONFormat bool

	// Optional rotating file sink.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Optional ring capturing recent records for the /logs endpoint.
	Ring *RingHandler
}

// NewLogger builds the process logger. When FilePath is set, records are
// duplicated to a size-rotated file; when Ring is set, they are also retained
// in memory. A non-nil redactor masks credentials in every record before any
// sink sees it.
func NewLogger(cfg LoggerConfig, redactor *Redactor) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.FilePath != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(out, opts)
	}
	if cfg.Ring != nil {
		handler = NewMultiHandler(handler, cfg.Ring)
	}

	return &Logger{Logger: slog.New(newRedactHandler(handler, redactor))}
}

// NewLoggerWithHandler wraps an existing handler, for OTLP bridging and tests.
// The redactor, when non-nil, applies in front of the handler.
func NewLoggerWithHandler(handler slog.Handler, redactor *Redactor) *Logger {
	return &Logger{Logger: slog.New(newRedactHandler(handler, redactor))}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}

// redactHandler masks credentials in record messages and attribute values
// before delegating. It sits at the top of the chain so the file, ring, and
// OTLP sinks all receive the same cleaned record.
type redactHandler struct {
	next     slog.Handler
	redactor *Redactor
}

func newRedactHandler(next slog.Handler, redactor *Redactor) slog.Handler {
	if redactor == nil {
		return next
	}
	return &redactHandler{next: next, redactor: redactor}
}

// Enabled implements slog.Handler.
func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler. Attrs are redacted once, here, rather
// than on every record.
func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redactAttr(a)
	}
	return &redactHandler{next: h.next.WithAttrs(clean), redactor: h.redactor}
}

// WithGroup implements slog.Handler.
func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name), redactor: h.redactor}
}

func (h *redactHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.redactor.Redact(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(h.redactor.Redact(err.Error()))
		}
	case slog.KindGroup:
		group := a.Value.Group()
		clean := make([]slog.Attr, len(group))
		for i, ga := range group {
			clean[i] = h.redactAttr(ga)
		}
		a.Value = slog.GroupValue(clean...)
	}
	return a
}
