package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{" DEBUG ", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"Error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("verbose")
	assert.ErrorContains(t, err, `invalid log level "verbose"`)
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, LevelWarn)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("Missing key.", "key", "key-7")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "key=key-7")
	assert.Contains(t, out, "pid=")
}
