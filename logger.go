package raytrace

import (
	"log/slog"

	"github.com/gogpu/raytrace/internal/logging"
)

// SetLogger configures the logger for raytrace and its internal packages.
// By default, raytrace produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by raytrace:
//   - [slog.LevelDebug]: buffer sizes, structure builds, submissions
//   - [slog.LevelInfo]: lifecycle events and frame statistics
//   - [slog.LevelWarn]: slow fence waits
//
// Example:
//
//	raytrace.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by raytrace.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}

// slogger returns the current package logger.
func slogger() *slog.Logger { return logging.Logger() }
