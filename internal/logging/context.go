// Package logging carries run correlation ids through contexts and into
// slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepIDKey
	graphKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepID returns a context with the step ID set. Inside loop bodies the
// id is the namespaced result key.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithGraph returns a context with the graph name set.
func WithGraph(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, graphKey, name)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// Graph extracts the graph name from the context, or "" if absent.
func Graph(ctx context.Context) string {
	v, _ := ctx.Value(graphKey).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, slog.String("run_id", v))
	}
	if v := StepID(ctx); v != "" {
		attrs = append(attrs, slog.String("step_id", v))
	}
	if v := Graph(ctx); v != "" {
		attrs = append(attrs, slog.String("graph", v))
	}
	return attrs
}

// LogWith returns a logger enriched with the correlation IDs in ctx.
// Only non-empty values are added.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the correlation IDs
// found in the record's context, so callers only need the *Context
// logging methods.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a correlation-aware logger writing text or JSON to w.
func New(w io.Writer, level, format string) *slog.Logger {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	return NewLeveled(w, lv, format)
}

// NewLeveled is New with a level that can be changed while the logger is
// in use.
func NewLeveled(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
