package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg := ParseConfig("warn, transport=debug ,registry=bogus,,", "JSON")
	assert.Equal(t, slog.LevelWarn, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelDebug, cfg.LevelFor("transport"))
	assert.Equal(t, slog.LevelWarn, cfg.LevelFor("registry"))
	assert.Equal(t, FormatJSON, cfg.Format)

	cfg = ParseConfig("", "")
	assert.Equal(t, slog.LevelInfo, cfg.DefaultLevel)
	assert.Equal(t, FormatText, cfg.Format)
}

func TestLoggerCachedPerSubsystem(t *testing.T) {
	a := Logger("test-cache")
	b := Logger("test-cache")
	assert.Same(t, a, b)
	assert.NotSame(t, a, Logger("test-other"))
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nopWriter{})

	l := Logger("test-redact")
	SetLevel("test-redact", slog.LevelDebug)
	l.Info("loaded", "root_secret", "deadbeef", "public_key", "abcd", "node", "n1",
		slog.Group("tls", slog.String("session_key", "cafe")))

	out := buf.String()
	require.NotEmpty(t, out)
	assert.NotContains(t, out, "deadbeef")
	assert.NotContains(t, out, "cafe")
	assert.Contains(t, out, "abcd")
	assert.Contains(t, out, "subsystem=test-redact")
	assert.Contains(t, out, redacted)
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nopWriter{})

	l := Logger("test-level")
	SetLevel("test-level", slog.LevelError)
	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
