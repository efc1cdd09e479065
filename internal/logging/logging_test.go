package logging

import (
	"testing"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{LogLevel(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel(%d).String() = %q, want %q", tt.level, got, tt.expected)
			}
		})
	}
}

func TestGetLevelDefault(t *testing.T) {
	// Level initialization is sticky for the process; whatever it
	// resolved to must be one of the defined levels.
	level := GetLevel()
	if level < LevelDebug || level > LevelError {
		t.Errorf("GetLevel() = %v, outside defined range", level)
	}
}

func TestLoggingFunctionsDoNotPanic(t *testing.T) {
	Debug("debug message %d", 1)
	Info("info message %s", "x")
	Warn("warn message")
	Error("error message: %v", nil)
	WithField("component", "test").Debug("structured message")
}

func TestIsDebugEnabledConsistent(t *testing.T) {
	if IsDebugEnabled() != (GetLevel() <= LevelDebug) {
		t.Error("IsDebugEnabled disagrees with GetLevel")
	}
}
