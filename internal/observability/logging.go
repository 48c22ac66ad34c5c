package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseMu     sync.RWMutex
	baseLogger = zerolog.New(os.Stdout).Level(ParseLogLevel(os.Getenv("CREDIT_LOG_LEVEL")))
)

// ConfigureLogging replaces the process-wide base logger. format "console"
// writes human readable lines, anything else structured JSON.
func ConfigureLogging(level, format string) {
	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	baseMu.Lock()
	baseLogger = zerolog.New(out).Level(ParseLogLevel(level))
	baseMu.Unlock()
}

// NewLogger returns a logger tagged with the component name.
func NewLogger(component string) zerolog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()

	return baseLogger.With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewNopLogger returns a disabled logger for tests.
func NewNopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLogLevel maps a config string to a zerolog level, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
