package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johnayoung/go-kline-fetcher/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestComponentLoggerCarriesRunContext(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLoggerManagerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx, runID := NewRunContext(context.Background())
	ctx = WithBaseCurrency(ctx, "BTC")
	ctx = WithSymbol(ctx, "ETH")
	ctx = WithBatch(ctx, 2)

	lm.GetComponentLogger("scheduler").InfoWithContext(ctx, "Batch completed", "symbols", 3)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, runID, entry["run_id"])
	assert.Equal(t, "BTC", entry["base_currency"])
	assert.Equal(t, "ETH", entry["symbol"])
	assert.Equal(t, float64(2), entry["batch"])
	assert.Equal(t, float64(3), entry["symbols"])
	assert.Equal(t, runID, GetRunID(ctx))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLoggerManagerWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	log := lm.GetComponentLogger("fetcher")
	log.Info("hidden")
	log.ErrorWithContext(context.Background(), "Fetch failed", errors.New("boom"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0]["level"])
	assert.Equal(t, "boom", entries[0]["error"])
}

func TestCreateWriter(t *testing.T) {
	t.Run("file output requires a path", func(t *testing.T) {
		_, err := NewLoggerManager(config.LoggingConfig{Output: "file"})
		require.Error(t, err)
	})

	t.Run("file output rotates through lumberjack", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "fetcher.log")
		lm, err := NewLoggerManager(config.LoggingConfig{Output: "file", FilePath: path, Level: "info", Format: "text", MaxSize: 1})
		require.NoError(t, err)
		lm.GetLogger().Info("hello")
		assert.NoError(t, lm.Close())
		assert.FileExists(t, path)
	})

	t.Run("unknown output is rejected", func(t *testing.T) {
		_, err := NewLoggerManager(config.LoggingConfig{Output: "syslog"})
		require.Error(t, err)
	})
}

func TestContextLevelsAndTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLoggerManagerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	log := lm.GetComponentLogger("scheduler")

	ctx := WithBaseCurrency(context.Background(), "USDT")
	log.DebugWithContext(ctx, "Planned batches", "batch_size", 4)
	log.WarnWithContext(ctx, "Failed to record run in journal")

	require.NoError(t, TimedOperation(ctx, log.Logger, "base_run", func() error { return nil }))
	err := TimedOperation(ctx, log.Logger, "base_run", func() error { return errors.New("boom") })
	assert.EqualError(t, err, "boom")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 4)
	wantLevels := []string{"DEBUG", "WARN", "INFO", "ERROR"}
	for i, entry := range entries {
		assert.Equal(t, wantLevels[i], entry["level"])
		assert.Equal(t, "USDT", entry["base_currency"])
	}
	assert.Equal(t, "base_run", entries[2]["operation"])
	assert.Equal(t, "boom", entries[3]["error"])
}
