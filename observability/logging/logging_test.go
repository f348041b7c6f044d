package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerUsesStableKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "playaggd", "test", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("flush complete", slog.Int("tracks", 3))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "flush complete", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "playaggd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
	require.EqualValues(t, 3, line["tracks"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, "abc", MaskField("track_id", "abc").Value.String())
	require.Equal(t, RedactedValue, MaskField("jwt_secret", "abc").Value.String())
	require.Equal(t, "", MaskField("jwt_secret", "").Value.String())
	require.Equal(t, "abcd…wxyz", MaskSecret("token", "abcdefghijklmnopqrstuvwxyz").Value.String())
	require.Equal(t, RedactedValue, MaskSecret("token", "short").Value.String())
}
