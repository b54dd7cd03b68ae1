// Package logger provides structured, level-gated logging for phiguard.
//
// Each entry is one zerolog JSON object carrying the module and the action
// that produced it:
//
//	{"level":"info","module":"LEDGER","action":"append","time":"...","message":"..."}
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are silently dropped.
//
// Messages must never carry PHI. Log counts, token ids and fingerprint
// prefixes instead of values.
//
// Usage:
//
//	log := logger.New("LEDGER", cfg.LogLevel)
//	log.Info("append", "ledger opened")
//	log.Errorf("append", "write %s: %v", path, err)
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Level represents a log severity.
type Level int

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota // fine-grained diagnostic output
	LevelInfo               // normal operational messages
	LevelWarn               // unexpected but recoverable conditions
	LevelError              // failures requiring attention
)

func init() {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
}

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  Level
	base   zerolog.Logger // destination and timestamp, no module field
	out    zerolog.Logger
}

// New creates a Logger for the given module writing to stderr, gated at the
// given level string. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return NewWithWriter(module, levelStr, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(module, levelStr string, w io.Writer) *Logger {
	return newLogger(strings.ToUpper(module), parseLevel(levelStr), zerolog.New(w).With().Timestamp().Logger())
}

func newLogger(module string, level Level, base zerolog.Logger) *Logger {
	l := &Logger{module: module, level: level, base: base}
	l.out = base.With().Str("module", module).Logger().Level(zerologLevel(level))
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{module: "NOP", level: LevelError + 1, base: zerolog.Nop(), out: zerolog.Nop()}
}

// Module returns a Logger for another module sharing this logger's level and
// destination.
func (l *Logger) Module(module string) *Logger {
	return newLogger(strings.ToUpper(module), l.level, l.base)
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level = parseLevel(levelStr)
	l.out = l.out.Level(zerologLevel(l.level))
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

// write emits one log line if level >= l.level.
func (l *Logger) write(level Level, action, msg string) {
	if level < l.level {
		return
	}
	l.out.WithLevel(zerologLevel(level)).Str("action", action).Msg(msg)
}

func zerologLevel(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.Disabled
}

// parseLevel converts a string to a Level, defaulting to LevelInfo.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
