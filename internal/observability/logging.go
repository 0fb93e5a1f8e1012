package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	// JSON is the default; text is easier to read during development.
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// NewLogger creates a structured logger with the given configuration.
// Components derive their own loggers via logger.With("component", name).
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	return slog.New(handler)
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9._~+/-]{20,}=*`)

// RedactToken shortens a credential for log output, keeping just enough of
// the prefix to correlate entries.
func RedactToken(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "[REDACTED]"
	}
	return s[:4] + "…[REDACTED]"
}

// RedactSecrets replaces token-shaped substrings in free-form text, for log
// lines that echo server responses. A run must contain a digit to be
// redacted, so OAuth error codes and other long identifiers survive.
func RedactSecrets(s string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		if !strings.ContainsAny(match, "0123456789") {
			return match
		}
		return "[REDACTED]"
	})
}
