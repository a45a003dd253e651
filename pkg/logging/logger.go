// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRequest annotates logger with the fields identifying one scheduled request.
// An empty cache key is logged as uncached.
func WithRequest(logger zerolog.Logger, requestID, cacheKey string) zerolog.Logger {
	ctx := logger.With().Str("request_id", requestID)
	if cacheKey == "" {
		ctx = ctx.Bool("uncached", true)
	} else {
		ctx = ctx.Str("cache_key", cacheKey)
	}
	return ctx.Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - Scheduling decisions (cached, joined, dispatched)
//   - Admission delays and window carry-overs
//   - Conditional revalidation (ETag, 304)
//
// Info: lifecycle events
//   - Scheduler and proxy startup/shutdown
//   - Configuration summary
//
// Warn: recoverable failures
//   - Producer errors (propagated to all waiters)
//   - Upstream 4xx/5xx responses
//   - Requests failed by shutdown
//
// Error: conditions requiring attention
//   - Producer panics
//   - Proxy listener failures
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (scheduler, client, proxy, pagination)
//   - request_id: id of the in-flight request
//   - cache_key: cache key of the request, or uncached=true
//   - strategy: queue strategy of the call
//   - delay: admission delay imposed by the rate limiter
//   - pending: number of in-flight requests
//   - status: upstream HTTP status code
