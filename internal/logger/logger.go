// Package logger is the process-wide structured logger. It wraps slog
// behind package-level functions so call sites stay terse and the
// handler can be swapped at runtime.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu       sync.RWMutex
	slogger  *slog.Logger
	levelVar = new(slog.LevelVar)
	format   = "text"
	output   io.Writer = os.Stdout
)

func init() {
	rebuild()
}

// rebuild swaps in a new handler for the current format and output.
// Callers must hold mu.
func rebuild() {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: levelVar}
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	slogger = slog.New(handler)
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Init configures the logger. Empty fields keep their current values;
// unknown levels and formats are ignored rather than fatal.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		if cfg.Output != "" {
			output = os.Stdout
		}
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		output = f
	}

	if level, ok := parseLevel(cfg.Level); ok {
		levelVar.Set(level)
	}
	if f := strings.ToLower(cfg.Format); f == "text" || f == "json" {
		format = f
	}

	rebuild()
	return nil
}

// InitWithWriter points the logger at a custom writer, mainly for tests.
func InitWithWriter(w io.Writer, level, lformat string) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	if l, ok := parseLevel(level); ok {
		levelVar.Set(l)
	}
	if f := strings.ToLower(lformat); f == "text" || f == "json" {
		format = f
	}
	rebuild()
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at debug level with structured key/value fields.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs at info level with structured key/value fields.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at warn level with structured key/value fields.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at error level with structured key/value fields.
func Error(msg string, args ...any) { get().Error(msg, args...) }
