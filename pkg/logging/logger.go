// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

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

// ParseLevel validates a level name. Empty means info.
func ParseLevel(level string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(level)); l {
	case "":
		return LevelInfo, nil
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, nil
	case "warning":
		return LevelWarn, nil
	default:
		return "", fmt.Errorf("unknown log level %q", level)
	}
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel maps a level name to zerolog, falling back to info.
func parseLevel(level LogLevel) zerolog.Level {
	name, err := ParseLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(string(name))
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Request flow (endpoint, method, pacing waits)
//   - Report status polls
//   - Per-order progress
//
// Info: Normal operation events
//   - Token refreshes
//   - Stage results (marketplaces, report records, orders listed)
//   - Report status transitions
//   - Run start and finish
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts after 429 or network errors
//   - Skipped records (participation without marketplace id, page without payload)
//   - Redis or sink bookkeeping failures
//
// Error: Error conditions requiring attention
//   - Requests that exhausted their attempts
//   - Failed report jobs and partitions
//   - Orders that could not be synced
//   - Fatal run errors
//
// Context Fields:
//   - component: emitting component (spapi-client, token-manager, report-poller, ...)
//   - run_id: sync run identifier
//   - endpoint: SP-API endpoint label, ids replaced by {id}
//   - status: HTTP status or report processing status
//   - attempt / max_attempts / wait: retry progress
//   - partition: marketplace id of a partitioned fetch
//   - report_id, order_id: domain identifiers
