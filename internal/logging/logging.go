// Package logging installs the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Configure installs a text logger on stderr as the slog default.
func Configure(level string) error {
	l, err := New(os.Stderr, level)
	if err != nil {
		return err
	}
	slog.SetDefault(l)
	return nil
}

// New returns a text logger writing to w at level. Every record carries the
// process id so interleaved output from several local cluster members stays
// readable.
func New(w io.Writer, level string) (*slog.Logger, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parsed})
	return slog.New(h).With("pid", os.Getpid()), nil
}

// ParseLevel accepts debug, info, warn and error, case-insensitively. Empty
// means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}
