// ABOUTME: Tests for logger construction and the colorized handler
// ABOUTME: Color is disabled so output can be matched as plain text

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), "level %q", name)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "hub").Info("=== AGENT CONNECTED ===", "agent_id", "a1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "=== AGENT CONNECTED ===", rec["msg"])
	assert.Equal(t, "hub", rec["component"])
	assert.Equal(t, "a1", rec["agent_id"])
}

func TestNew_ColorText(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "tunnel_proxy").WithGroup("req").Warn("dropping late tunnel chunk", "request_id", 7)

	out := buf.String()
	assert.Contains(t, out, "WRN dropping late tunnel chunk")
	assert.Contains(t, out, " component=tunnel_proxy")
	assert.Contains(t, out, " req.request_id=7")
	assert.Equal(t, byte('\n'), out[len(out)-1])
}

func TestNew_ColorTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Error("loud")
	assert.Contains(t, buf.String(), "loud")
}
