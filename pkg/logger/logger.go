// Package logger provides leveled printf-style logging for the client packages.
// It is backed by a zap SugaredLogger so the CLI and the server share one encoder stack.
package logger

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the log level.
type Level int

const (
	LevelQuiet Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

type state struct {
	mu     sync.RWMutex
	level  zap.AtomicLevel
	quiet  bool
	out    io.Writer
	prefix string
	sugar  *zap.SugaredLogger
}

var std = newState(os.Stderr)

func newState(w io.Writer) *state {
	s := &state{
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
		out:   w,
	}
	s.rebuild()
	return s
}

// rebuild must be called with mu held for writing (or before publication).
func (s *state) rebuild() {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = "T"
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(s.out), s.level)
	l := zap.New(core)
	if s.prefix != "" {
		l = l.Named(s.prefix)
	}
	s.sugar = l.Sugar()
}

func (s *state) logger() *zap.SugaredLogger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quiet {
		return nil
	}
	return s.sugar
}

// SetLevel sets the global log level.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.quiet = level == LevelQuiet
	switch level {
	case LevelError:
		std.level.SetLevel(zapcore.ErrorLevel)
	case LevelWarn:
		std.level.SetLevel(zapcore.WarnLevel)
	case LevelDebug:
		std.level.SetLevel(zapcore.DebugLevel)
	default:
		std.level.SetLevel(zapcore.InfoLevel)
	}
}

// SetOutput sets the output writer.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = w
	std.rebuild()
}

// SetPrefix names the logger, e.g. "muawin".
func SetPrefix(prefix string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.prefix = prefix
	std.rebuild()
}

// ParseLevel parses a level string.
func ParseLevel(s string) Level {
	switch s {
	case "quiet", "q":
		return LevelQuiet
	case "error", "e":
		return LevelError
	case "warn", "w":
		return LevelWarn
	case "info", "i":
		return LevelInfo
	case "debug", "d", "verbose", "v":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	if l := std.logger(); l != nil {
		l.Errorf(format, args...)
	}
}

// Warn logs a warning.
func Warn(format string, args ...interface{}) {
	if l := std.logger(); l != nil {
		l.Warnf(format, args...)
	}
}

// Info logs an info message.
func Info(format string, args ...interface{}) {
	if l := std.logger(); l != nil {
		l.Infof(format, args...)
	}
}

// Debug logs a debug message.
func Debug(format string, args ...interface{}) {
	if l := std.logger(); l != nil {
		l.Debugf(format, args...)
	}
}
