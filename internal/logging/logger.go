package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"

	"otto/internal/redact"
)

// Logger defines a minimal, printf-style logging contract.
//
// It intentionally stays dependency-free so every package can log without
// caring whether output lands in the debug file, slog, or a test buffer.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	fileInstance *fileLogger
	fileOnce     sync.Once
)

// fileLogger writes component-tagged lines to otto-debug.log in the user's
// home directory. Secrets are scrubbed before a line hits disk.
type fileLogger struct {
	mu        sync.Mutex
	file      *os.File
	out       *log.Logger
	level     Level
	component string
	taskID    string
}

func sharedFileLogger() *fileLogger {
	fileOnce.Do(func() {
		fileInstance = &fileLogger{level: LevelDebug}
		home, err := os.UserHomeDir()
		if err != nil {
			log.Printf("logging: resolve home directory: %v", err)
			return
		}
		path := filepath.Join(home, "otto-debug.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("logging: open %s: %v", path, err)
			return
		}
		fileInstance.file = f
		fileInstance.out = log.New(f, "", 0)
	})
	return fileInstance
}

// NewComponentLogger returns the shared debug-file logger scoped to a component.
func NewComponentLogger(component string) Logger {
	shared := sharedFileLogger()
	return &fileLogger{
		file:      shared.file,
		out:       shared.out,
		level:     shared.level,
		component: component,
	}
}

// SetFileLevel adjusts the minimum severity written to the debug file.
func SetFileLevel(level Level) {
	shared := sharedFileLogger()
	shared.mu.Lock()
	shared.level = level
	shared.mu.Unlock()
}

// WithTaskID returns a copy of the logger that tags each line with a task id.
func (l *fileLogger) WithTaskID(taskID string) Logger {
	return &fileLogger{
		file:      l.file,
		out:       l.out,
		level:     l.level,
		component: l.component,
		taskID:    taskID,
	}
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *fileLogger) log(level Level, format string, args ...any) {
	if l.out == nil || level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "OTTO"
	}
	message := fmt.Sprintf(format, args...)
	if l.taskID != "" {
		message = fmt.Sprintf("[%s] %s", l.taskID, message)
	}

	// Format: 2026-01-02 15:04:05 [INFO] [scheduler] tick.go:87 - message
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"),
		levelString(level), component, file, line, message)

	l.out.Print(redact.Line(logLine))
}
