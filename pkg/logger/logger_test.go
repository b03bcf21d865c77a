package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	prev := Get()
	Set(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { Set(prev) })
	return &buf
}

func TestStructuredFields(t *testing.T) {
	buf := captureLogs(t)

	Infow("token issued", "client_id", "https://app.example.com/")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "token issued", entry["msg"])
	assert.Equal(t, "https://app.example.com/", entry["client_id"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestFormattedMessages(t *testing.T) {
	buf := captureLogs(t)

	Warnf("discovery failed for %s", "https://jane.example.com/")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "discovery failed for https://jane.example.com/", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestDebugLevelRespected(t *testing.T) {
	var buf bytes.Buffer
	prev := Get()
	Set(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { Set(prev) })

	Debugw("should be suppressed")
	assert.Empty(t, buf.String())
}
