package storage

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-wide logger. Components obtain a scoped child via
// withComponent rather than writing to this directly.
var Logger zerolog.Logger

func init() {
	InitLogging(LogConfig{Level: LogLevelWarn})
}

// LogLevel mirrors the small set of levels FlintDB actually emits at.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogConfig configures the package logger.
type LogConfig struct {
	Level      LogLevel
	JSONOutput bool
	Output     io.Writer
}

// InitLogging (re)configures the global Logger. Safe to call before any
// store is opened; FLINTDB_LOG_LEVEL overrides Level when Level is empty.
func InitLogging(cfg LogConfig) {
	if cfg.Level == "" {
		cfg.Level = LogLevel(envOrDefault("FLINTDB_LOG_LEVEL", string(LogLevelWarn)))
	}

	var level zerolog.Level
	switch cfg.Level {
	case LogLevelTrace:
		level = zerolog.TraceLevel
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// withComponent returns a child logger tagged with the emitting component,
// e.g. "pagedstore", "walstorage", "walmanager".
func withComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// traceOp logs a successful operation at trace level with numeric context.
func traceOp(component, op string, offset int64) {
	withComponent(component).Trace().Str("op", op).Int64("offset", offset).Msg("op")
}

// warnOp logs a non-fatal anomaly (best-effort rollback failure, CRC
// mismatch during recovery, skipped checkpoint truncate) at warn level.
func warnOp(component, op string, offset int64, err error) {
	withComponent(component).Warn().Str("op", op).Int64("offset", offset).Err(err).Msg("recoverable anomaly")
}
