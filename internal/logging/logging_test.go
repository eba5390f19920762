package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info("test message", "key", "value")

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "test message", logEntry["msg"])
	assert.Equal(t, "value", logEntry["key"])
	assert.Equal(t, "INFO", logEntry["level"])
}

func TestSetup_TextFormatIsDefault(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{
		Level:  "info",
		Output: &buf,
	})

	logger.Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestSetup_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "warn", Format: "json", Output: &buf})

	logger.DebugContext(context.Background(), "hidden")
	logger.InfoContext(context.Background(), "hidden too")
	assert.Empty(t, buf.String())

	logger.WarnContext(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.name))
		})
	}
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithRunID(ctx, "run-1")
	ctx = WithWorkerID(ctx, "worker-2")
	ctx = WithSessionID(ctx, "3735928559")

	assert.Equal(t, "run-1", ctx.Value(RunIDKey))
	assert.Equal(t, "worker-2", ctx.Value(WorkerIDKey))
	assert.Equal(t, "3735928559", ctx.Value(SessionIDKey))
}

func TestAudit(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithRunID(context.Background(), "run-9")
	Audit(ctx, "result_store_write", "path", "out/benchmark.json")

	output := buf.String()
	assert.Contains(t, output, "AUDIT")
	assert.Contains(t, output, "result_store_write")
	assert.Contains(t, output, "out/benchmark.json")
	assert.Contains(t, output, "run-9")
}

func TestContextHandler_AddsContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-42")
	logger.With("component", "session").InfoContext(ctx, "tick")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &logEntry))

	assert.Equal(t, "tick", logEntry["msg"])
	assert.Equal(t, "sess-42", logEntry["session_id"])
	assert.Equal(t, "session", logEntry["component"])
}
