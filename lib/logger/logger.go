// Package logger provides structured slog loggers with per-subsystem
// attribution and context propagation, optionally fanned out to an OTel
// log handler.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Subsystem identifies the component a log line originates from.
type Subsystem string

const (
	SubsystemAPI      Subsystem = "api"
	SubsystemBakes    Subsystem = "bakes"
	SubsystemPipeline Subsystem = "pipeline"
	SubsystemImages   Subsystem = "images"
	SubsystemRegistry Subsystem = "registry"
)

// Config controls log output.
type Config struct {
	Level slog.Level
}

// NewConfig reads LOG_LEVEL from the environment (debug, info, warn, error).
func NewConfig() Config {
	cfg := Config{Level: slog.LevelInfo}
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}
	return cfg
}

// New creates the root JSON logger.
func New(cfg Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level,
	}))
}

// NewSubsystemLogger creates a logger tagged with the subsystem name. When
// otelHandler is non-nil, records are duplicated to it so they reach the
// OTLP collector with trace correlation.
func NewSubsystemLogger(sub Subsystem, cfg Config, otelHandler slog.Handler) *slog.Logger {
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level})
	var h slog.Handler = stdout
	if otelHandler != nil {
		h = fanoutHandler{handlers: []slog.Handler{stdout, otelHandler}}
	}
	return slog.New(h).With("subsystem", string(sub))
}

type contextKey struct{}

// AddToContext stores the logger in the context.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in the context, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}

// fanoutHandler duplicates records to multiple handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}
