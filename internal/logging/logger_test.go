package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "", expected: zapcore.InfoLevel},
		{input: "DEBUG", expected: zapcore.DebugLevel},
		{input: " warning ", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.input, func(testContext *testing.T) {
			level, err := ParseLevel(testCase.input)
			if err != nil {
				testContext.Fatalf("unexpected error: %v", err)
			}
			if level != testCase.expected {
				testContext.Fatalf("expected %s, got %s", testCase.expected, level)
			}
		})
	}
}

func TestNewLoggerRejectsUnknownLevel(testContext *testing.T) {
	if _, err := NewLogger("chatty"); err == nil {
		testContext.Fatalf("expected error for unknown level")
	}
	logger, err := NewLogger("debug")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		testContext.Fatalf("expected debug level to be enabled")
	}
}
