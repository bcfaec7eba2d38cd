package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Init initializes the global logger with the specified log level.
// logLevel should be one of: DEBUG, INFO, WARN, ERROR. Invalid values
// fall back to INFO.
func Init(logLevel string) {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
		l.Warnf("Invalid log level '%s', defaulting to INFO", logLevel)
	}
	l.SetLevel(level)

	log = l
}

// GetLogger returns the global logger instance, initializing it at INFO on first use.
func GetLogger() *logrus.Logger {
	if log == nil {
		Init("INFO")
	}
	return log
}

// SetOutput redirects the global logger. Tests use it to silence or capture output.
func SetOutput(w io.Writer) {
	GetLogger().SetOutput(w)
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

// Error logs an error message
func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// Fatalf logs a formatted message and exits the process
func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}

// WithField returns a logger entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields returns a logger entry with multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// WithInstance returns an entry tagged with the instance id. Every log line
// about provisioning, cleanup or credential resolution should carry it so
// leaks can be traced back to a record.
func WithInstance(instanceID string) *logrus.Entry {
	return GetLogger().WithField("instance_id", instanceID)
}

// WithError returns a logger entry carrying err
func WithError(err error) *logrus.Entry {
	return GetLogger().WithError(err)
}
