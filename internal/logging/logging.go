package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var (
	currentLevel LogLevel
	levelOnce    sync.Once
)

// initLevel initializes the log level from environment variables and
// configures the logrus backend to match.
func initLevel() {
	levelOnce.Do(func() {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})

		// Check DEBUG environment variable first
		if debug := os.Getenv("DEBUG"); debug != "" {
			switch strings.ToLower(debug) {
			case "1", "true", "yes", "on":
				currentLevel = LevelDebug
				logrus.SetLevel(logrus.DebugLevel)
				return
			}
		}

		// Check LOG_LEVEL environment variable
		levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
		switch levelStr {
		case "debug":
			currentLevel = LevelDebug
		case "info":
			currentLevel = LevelInfo
		case "warn", "warning":
			currentLevel = LevelWarn
		case "error":
			currentLevel = LevelError
		default:
			// Default to Info level (no debug logs)
			currentLevel = LevelInfo
		}

		logrus.SetLevel(currentLevel.logrusLevel())
	})
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	initLevel()
	return currentLevel
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	initLevel()
	logrus.Debugf(format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	initLevel()
	logrus.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	initLevel()
	logrus.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	initLevel()
	logrus.Errorf(format, args...)
}

// Fatal logs an error message and exits
func Fatal(format string, args ...interface{}) {
	initLevel()
	logrus.Fatalf(format, args...)
}

// WithField returns a logrus entry carrying a structured field, for call
// sites that want key/value context instead of printf formatting.
func WithField(key string, value interface{}) *logrus.Entry {
	initLevel()
	return logrus.WithField(key, value)
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}
