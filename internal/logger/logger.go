package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}

	resetColor = "\033[0m"
)

// Logger writes leveled, module-tagged lines to a single output.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger atomic.Pointer[Logger]
	once          sync.Once
)

func init() {
	defaultLogger.Store(New(INFO, os.Stderr, false))
}

// Init replaces the process-wide logger. Only the first call has an effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger.Store(New(level, output, useColor))
	})
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current log level
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level != SILENT && level >= l.Level()
}

func (l *Logger) logf(level LogLevel, module string, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder
	if l.useColor {
		b.WriteString(levelColors[level])
	}
	b.WriteByte('[')
	b.WriteString(levelNames[level])
	b.WriteByte(']')
	if l.useColor {
		b.WriteString(resetColor)
	}
	if module != "" {
		b.WriteString(" [")
		b.WriteString(module)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)

	l.out.Print(b.String())
}

// Scope returns a logger bound to a module name.
func (l *Logger) Scope(module string) *Scope {
	return &Scope{module: module, logger: l}
}

// Scope is a module-tagged view of a Logger. A nil logger field means
// "whatever the process-wide logger is at call time", so package-level
// scopes created before Init still follow it.
type Scope struct {
	module string
	logger *Logger
}

// For returns a scope that writes through the process-wide logger.
func For(module string) *Scope {
	return &Scope{module: module}
}

func (s *Scope) target() *Logger {
	if s.logger != nil {
		return s.logger
	}
	return defaultLogger.Load()
}

// Debug logs a debug message
func (s *Scope) Debug(format string, args ...any) { s.target().logf(DEBUG, s.module, format, args...) }

// Info logs an info message
func (s *Scope) Info(format string, args ...any) { s.target().logf(INFO, s.module, format, args...) }

// Warn logs a warning message
func (s *Scope) Warn(format string, args ...any) { s.target().logf(WARN, s.module, format, args...) }

// Error logs an error message
func (s *Scope) Error(format string, args ...any) { s.target().logf(ERROR, s.module, format, args...) }

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	defaultLogger.Load().SetLevel(level)
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
