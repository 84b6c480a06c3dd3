package logger

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// NewSlogLogger creates a standalone JSON logger writing to writer.
// It is mainly used in tests and for bootstrap logging before the central
// logger is configured. A nil writer means stdout.
func NewSlogLogger(writer io.Writer, level LogLevel, timezone *time.Location) Logger {
	if writer == nil {
		writer = os.Stdout
	}
	if timezone == nil {
		timezone = time.UTC
	}

	slogLevel := parseSlogLevel(level)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slogLevel})

	return &moduleLogger{
		logger:   slog.New(handler),
		level:    slogLevel,
		timezone: timezone,
	}
}

// NewConsoleLogger creates a console logger with human-readable text output.
func NewConsoleLogger(module string, level LogLevel) Logger {
	slogLevel := parseSlogLevel(level)
	return &moduleLogger{
		module:   module,
		logger:   slog.New(newTextHandler(os.Stdout, slogLevel, time.Local)),
		level:    slogLevel,
		timezone: time.Local,
	}
}
