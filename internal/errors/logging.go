package errors

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with structured error logging
type Logger struct {
	*logrus.Logger
}

// NewLogger wraps an existing logger; nil creates a JSON logger.
func NewLogger(base *logrus.Logger) *Logger {
	if base == nil {
		base = logrus.New()
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Logger{Logger: base}
}

// WithError adds the error and any AppError context to the entry.
func (l *Logger) WithError(err error) *logrus.Entry {
	entry := l.Logger.WithError(err)
	if appErr, ok := As(err); ok {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})
		for k, v := range appErr.Context {
			entry = entry.WithField(k, v)
		}
	}
	return entry
}

// LogError logs an error with structured context
func (l *Logger) LogError(err error, message string, fields ...logrus.Fields) {
	entry := l.WithError(err)
	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	entry.Error(message)
}

// LogWarn logs a warning with structured context
func (l *Logger) LogWarn(err error, message string, fields ...logrus.Fields) {
	entry := l.WithError(err)
	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	entry.Warn(message)
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level
func (l *Logger) LogRetryableError(err error, message string, fields ...logrus.Fields) {
	if IsRetryable(err) {
		l.LogWarn(err, message, fields...)
	} else {
		l.LogError(err, message, fields...)
	}
}
