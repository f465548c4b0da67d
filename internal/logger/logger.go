package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level controls which messages a Logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables all output.
	LevelNone
)

// String returns the level's wire name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unrecognized values fall
// back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger writes leveled, printf-formatted lines to a single destination.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	out    *log.Logger
	file   *os.File
	prefix string
}

var (
	global     *Logger
	initOnce   sync.Once
	fallback   *Logger
	fallbackMu sync.Mutex
)

// Init configures the process-global logger. Only the first call has an
// effect; later calls are ignored so package init order cannot clobber it.
func Init(level Level, path string) error {
	var err error
	initOnce.Do(func() {
		global, err = New(level, path)
	})
	return err
}

// New creates a Logger writing to the file at path, created (with its
// parent directory) if missing. An empty path logs to stderr.
func New(level Level, path string) (*Logger, error) {
	l := &Logger{level: level}

	switch {
	case level == LevelNone:
		l.out = log.New(io.Discard, "", 0)
	case path == "":
		l.out = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		l.out = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	}
	return l, nil
}

// NewWithWriter creates a Logger on an arbitrary writer. Used by tests.
func NewWithWriter(level Level, w io.Writer) *Logger {
	return &Logger{level: level, out: log.New(w, "", 0)}
}

// Global returns the process-global logger. Before Init it returns a
// stderr logger at LevelInfo so early startup messages are not lost.
func Global() *Logger {
	if global != nil {
		return global
	}
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	if fallback == nil {
		fallback = &Logger{
			level: LevelInfo,
			out:   log.New(os.Stderr, "", log.LstdFlags),
		}
	}
	return fallback
}

// WithPrefix returns a logger sharing this one's destination with an
// extra component tag on every line.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.prefix != "" {
		prefix = l.prefix + ":" + prefix
	}
	return &Logger{
		level:  l.level,
		out:    l.out,
		file:   l.file,
		prefix: prefix,
	}
}

// SetLevel changes the emission threshold.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// GetLevel reports the current emission threshold.
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) emit(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if level < l.level || l.level == LevelNone {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		l.out.Printf("[%s] [%s] %s", level, l.prefix, msg)
		return
	}
	l.out.Printf("[%s] %s", level, msg)
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.emit(LevelDebug, format, args...)
}

// Info logs at LevelInfo.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, format, args...)
}

// Warn logs at LevelWarn.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, format, args...)
}

// Error logs at LevelError.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
}

// Close flushes and closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.out = log.New(io.Discard, "", 0)
		return err
	}
	return nil
}

// Package-level shortcuts against the global logger.

func Debug(format string, args ...interface{}) { Global().Debug(format, args...) }
func Info(format string, args ...interface{})  { Global().Info(format, args...) }
func Warn(format string, args ...interface{})  { Global().Warn(format, args...) }
func Error(format string, args ...interface{}) { Global().Error(format, args...) }
