// Package logging configures zerolog for the client library and the proxy.
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
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service is added to every entry as "service" when set.
	Service string
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures and returns the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger derives a component logger from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request lifecycle detail
//   - Cache hit/miss per request, cache sweeps
//   - Request sent, upstream error status before classification
//   - Rate limit state updates while healthy
//
// Info: normal operation events
//   - Cache TTL reconfiguration, store shutdown
//   - Batch start/complete
//   - Server startup/shutdown
//
// Warn: degraded but recovering
//   - Retry scheduled (attempt, backoff)
//   - Terminal request failure with attempts left unused
//   - Entry dropped during TTL migration
//   - Rate limit throttling
//
// Error: attention required
//   - Retries exhausted
//   - Rate limit critical, requests blocked
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (api-client, cache, cache-registry, batch-fetcher)
//   - method, url: request identity
//   - status_code, error_type: outcome classification
//   - attempt, max_attempts, backoff: retry progress
//   - cache_hit: whether the response came from the cache
//   - remaining: upstream rate limit budget
