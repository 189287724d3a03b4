package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// Log output formats.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// NewLogger creates a structured logger with an explicit level and format and installs it as the slog default.
// "pretty" renders a colourised single-line format for terminals; anything else is JSON.
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newHandler(os.Stdout, level, format, !color.NoColor))
	slog.SetDefault(log)
	return log
}

func newHandler(w io.Writer, level, format string, colorize bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(format), LogFormatPretty) {
		return newPrettyHandler(w, opts, colorize)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
