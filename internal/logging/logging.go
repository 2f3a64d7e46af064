// Package logging configures the application-level logger used by the
// cmd/ entry points, following bobmcallan-vire's internal/common pattern
// of wrapping ternarybob/arbor (itself built on phuslu/log's level and
// event types) behind a small Logger type. Package-internal hot paths
// (queue, internal/staging) log directly through phuslu/log's top-level
// functions instead — the same library, used at the granularity it's
// cheapest at: arbor's console/memory writer chain is configured once at
// startup, phuslu/log's zero-allocation event builder is what fires on
// every dequeue/finish/drain pass.
package logging

import (
	"os"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

// Logger wraps arbor.ILogger, matching bobmcallan-vire/internal/common.Logger.
type Logger struct {
	arbor.ILogger
}

// New builds a Logger at the given level ("debug", "info", "warn",
// "error"), writing to stderr with a console writer and keeping an
// in-memory ring for diagnostics, exactly as NewLogger does in the
// teacher pack's logging.go.
func New(level string) *Logger {
	arborLogger := arbor.NewLogger().
		WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			Writer:     os.Stderr,
			TimeFormat: "2006-01-02T15:04:05Z07:00",
		}).
		WithMemoryWriter(models.WriterConfiguration{
			Type: models.LogWriterTypeMemory,
		}).
		WithLevelFromString(level)

	return &Logger{ILogger: arborLogger}
}

// ConfigurePackageLogger points phuslu/log's package-level DefaultLogger
// (the one queue/internal-staging call via log.Debug()/log.Info()/...) at
// a console writer with the given level, so the two logging surfaces
// agree on verbosity without queue needing to take a Logger dependency.
func ConfigurePackageLogger(level string) {
	log.DefaultLogger = log.Logger{
		Level:      parseLevel(level),
		Caller:     1,
		TimeField:  "ts",
		TimeFormat: "2006-01-02T15:04:05Z07:00",
		Writer:     &log.ConsoleWriter{ColorOutput: true},
	}
}

func parseLevel(level string) log.Level {
	switch level {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}
