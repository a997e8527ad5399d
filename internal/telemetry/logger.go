// Package telemetry wires structured logging, OpenTelemetry tracing, and
// Prometheus metrics for the gateway process.
package telemetry

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// NewLogger builds the process-wide slog.Logger: JSON in production, a
// human-readable text handler when stdout is a TTY (local development).
func NewLogger() *slog.Logger {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(handler)
}
