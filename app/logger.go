package app

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Level is the log_level value from the collector config. Matching is case-insensitive.
type Level string

const (
	TRACE Level = "TRACE"
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
	PANIC Level = "PANIC"
)

// NewZeroLogger builds the command logger: one JSON object per line on stdout,
// with Unix-ms timestamps and the caller. Unknown levels fall back to INFO.
// Both commands use it; library hosts pass their own logger to tracker.WithLogger.
func NewZeroLogger(logLevel Level) zerolog.Logger {
	return newZeroLogger(os.Stdout, logLevel)
}

func newZeroLogger(w io.Writer, logLevel Level) zerolog.Logger {
	// process-wide settings, owned by the command
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	return zerolog.New(w).
		Level(logLevelToZero(logLevel)).
		With().
		Timestamp().
		Caller().
		Logger()
}

func logLevelToZero(level Level) zerolog.Level {
	switch Level(strings.ToUpper(string(level))) {
	case PANIC:
		return zerolog.PanicLevel
	case ERROR:
		return zerolog.ErrorLevel
	case WARN:
		return zerolog.WarnLevel
	case INFO:
		return zerolog.InfoLevel
	case DEBUG:
		return zerolog.DebugLevel
	case TRACE:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
