package logging

import (
	"context"
	"fmt"

	"otto/internal/ident"
)

type taskIDCapable interface {
	WithTaskID(string) Logger
}

// WithTaskID returns a logger that tags log lines with a task id.
func WithTaskID(logger Logger, taskID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if taskID == "" {
		return logger
	}
	if capable, ok := logger.(taskIDCapable); ok {
		return capable.WithTaskID(taskID)
	}
	return &taskIDLogger{logger: logger, taskID: taskID}
}

// FromContext returns a logger tagged with the task id found in context, if any.
func FromContext(ctx context.Context, logger Logger) Logger {
	return WithTaskID(logger, ident.TaskIDFromContext(ctx))
}

type taskIDLogger struct {
	logger Logger
	taskID string
}

func prefixTaskID(taskID, format string) string {
	return fmt.Sprintf("[%s] %s", taskID, format)
}

func (l *taskIDLogger) Debug(format string, args ...any) {
	l.logger.Debug(prefixTaskID(l.taskID, format), args...)
}

func (l *taskIDLogger) Info(format string, args ...any) {
	l.logger.Info(prefixTaskID(l.taskID, format), args...)
}

func (l *taskIDLogger) Warn(format string, args ...any) {
	l.logger.Warn(prefixTaskID(l.taskID, format), args...)
}

func (l *taskIDLogger) Error(format string, args ...any) {
	l.logger.Error(prefixTaskID(l.taskID, format), args...)
}
