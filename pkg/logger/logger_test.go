package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/pong-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, logger.ParseLevel(tt.in), tt.in)
	}
}

func TestNew_JSONIncludesContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "info", "json")

	ctx := logger.WithSessionID(context.Background(), "s-1")
	ctx = logger.WithPlayerID(ctx, 42)
	log.InfoContext(ctx, "對局開始")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "s-1", rec["session_id"])
	assert.EqualValues(t, 42, rec["player_id"])
	assert.Equal(t, "對局開始", rec["msg"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "warn", "text")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.With("k", "v").Warn("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "k=v")
}
