package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StepID(ctx))
	assert.Empty(t, Worker(ctx))

	ctx = WithRunID(ctx, "r1")
	ctx = WithStepID(ctx, "s1")
	ctx = WithWorker(ctx, "dev")
	assert.Equal(t, "r1", RunID(ctx))
	assert.Equal(t, "s1", StepID(ctx))
	assert.Equal(t, "dev", Worker(ctx))
}

func TestLogWith_AddsCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithWorker(WithRunID(context.Background(), "r1"), "dev")
	LogWith(ctx, logger).Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"r1"`)
	assert.Contains(t, out, `"worker":"dev"`)
	assert.NotContains(t, out, "step_id")
}

func TestCorrelationHandler_InjectsFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStepID(WithRunID(context.Background(), "r1"), "s1")
	logger.InfoContext(ctx, "step claimed")

	out := buf.String()
	require.Contains(t, out, `"run_id":"r1"`)
	require.Contains(t, out, `"step_id":"s1"`)

	// A plain background context adds nothing.
	buf.Reset()
	logger.InfoContext(context.Background(), "no ids")
	assert.NotContains(t, buf.String(), "run_id")
}
