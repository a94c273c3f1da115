// Package logger provides leveled logging with support for debug, info, warn, and error levels.
// It keeps a small printf-style package API on top of a logrus logger so call sites stay terse
// while output can be switched between human-readable text and JSON lines.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is used by the text formatter.
const TimestampFormat = "2006-01-02 15:04:05"

var (
	mu sync.RWMutex
	// Global logger instance; nil until Init is called.
	defaultLogger *logrus.Logger
	logFile       *os.File
)

// Init initializes the default logger with the specified level and format.
// An optional file path duplicates output into that file.
func Init(level string, format string, file ...string) error {
	l := logrus.New()

	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: TimestampFormat,
		})
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	writers := []io.Writer{os.Stderr}
	var f *os.File
	if len(file) > 0 && file[0] != "" {
		f, err = os.OpenFile(file[0], os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
	}
	l.SetOutput(io.MultiWriter(writers...))

	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	defaultLogger = l
	logFile = f
	mu.Unlock()
	return nil
}

// SetOutput redirects the default logger, initializing it at debug level if needed.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = logrus.New()
		defaultLogger.SetLevel(logrus.DebugLevel)
	}
	defaultLogger.SetOutput(w)
}

func current() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Debug logs a message at DebugLevel
func Debug(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Debugf(format, args...)
	}
}

// Info logs a message at InfoLevel
func Info(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Infof(format, args...)
	}
}

// Warn logs a message at WarnLevel
func Warn(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Warnf(format, args...)
	}
}

// Error logs a message at ErrorLevel
func Error(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Errorf(format, args...)
	}
}

// Fatal logs a message at ErrorLevel and exits
func Fatal(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Errorf("FATAL: "+format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	}
	os.Exit(1)
}
