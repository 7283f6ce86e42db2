package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", Graph(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithStepID(ctx, "login")
	ctx = WithGraph(ctx, "checkout")

	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "login", StepID(ctx))
	assert.Equal(t, "checkout", Graph(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStepID(WithRunID(context.Background(), "run-abc"), "each.iter_1.fetch")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "step_id=each.iter_1.fetch")
	assert.NotContains(t, output, "graph=")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "step_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithGraph(WithStepID(WithRunID(context.Background(), "run-auto"), "step-auto"), "g")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-auto"`)
	assert.Contains(t, output, `"step_id":"step-auto"`)
	assert.Contains(t, output, `"graph":"g"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "step_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithRunID(context.Background(), "run-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithGroup("engine"))

	logger.InfoContext(WithRunID(context.Background(), "run-grp"), "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "run-grp")
	assert.Contains(t, output, "grouped")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	ctx := WithRunID(context.Background(), "run-1")
	logger.InfoContext(ctx, "dropped")
	logger.WarnContext(ctx, "kept")

	output := buf.String()
	assert.NotContains(t, output, "dropped")
	assert.Contains(t, output, `"msg":"kept"`)
	assert.Contains(t, output, `"run_id":"run-1"`)
}

func TestNewLeveled(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelError)
	logger := NewLeveled(&buf, lv, "text")

	logger.Info("before")
	lv.Set(slog.LevelDebug)
	logger.Debug("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "msg=after")
}
