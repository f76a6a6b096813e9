package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

var (
	mu            sync.RWMutex
	defaultLogger = logr.Discard()
)

// Options controls how the process logger is built.
type Options struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is "console" for human readable output, anything else means JSON.
	Format string
	Output io.Writer
}

// Init builds the process logger and makes it available through GetLogger.
func Init(opts Options) logr.Logger {
	l := New(opts)

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	return l
}

// New returns a logr.Logger backed by zerolog without touching the global logger.
func New(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).
		Level(parseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()

	return zerologr.New(&zl)
}

// GetLogger returns the process logger. Before Init it discards everything.
func GetLogger() logr.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
