// Package logger provides leveled structured logging.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides leveled logging on top of a slog handler.
type Logger struct {
	level  Level
	format string
	logger *slog.Logger
}

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

// ParseLevel maps a config string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Init initializes the default logger with the specified level and format.
// Output goes to stderr; use SetOutput to redirect it.
func Init(level string, format string) {
	install(ParseLevel(level), strings.ToLower(format), os.Stderr)
}

// SetOutput rebuilds the default logger writing to w, keeping level and format.
func SetOutput(w io.Writer) {
	mu.RLock()
	l, f := InfoLevel, "text"
	if defaultLogger != nil {
		l, f = defaultLogger.level, defaultLogger.format
	}
	mu.RUnlock()
	install(l, f, w)
}

func install(l Level, format string, w io.Writer) {
	opts := &slog.HandlerOptions{
		Level: toSlog(l),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	defaultLogger = &Logger{level: l, format: format, logger: slog.New(handler)}
	mu.Unlock()
}

func toSlog(l Level) slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func output(l Level, format string, args ...interface{}) {
	mu.RLock()
	dl := defaultLogger
	mu.RUnlock()
	if dl == nil || dl.level > l {
		return
	}
	dl.logger.Log(context.Background(), toSlog(l), fmt.Sprintf(format, args...))
}

func Debug(format string, args ...interface{}) {
	output(DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	output(InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	output(WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	output(ErrorLevel, format, args...)
}

func Fatal(format string, args ...interface{}) {
	mu.RLock()
	dl := defaultLogger
	mu.RUnlock()
	msg := fmt.Sprintf(format, args...)
	if dl != nil {
		dl.logger.Error("FATAL " + msg)
	} else {
		fmt.Fprintln(os.Stderr, "[FATAL] "+msg)
	}
	os.Exit(1)
}
