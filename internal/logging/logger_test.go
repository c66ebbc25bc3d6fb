package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{input: "", want: zapcore.InfoLevel},
		{input: " DEBUG ", want: zapcore.DebugLevel},
		{input: "warning", want: zapcore.WarnLevel},
		{input: "error", want: zapcore.ErrorLevel},
		{input: "verbose", want: zapcore.InfoLevel, wantErr: true},
	}
	for _, testCase := range testCases {
		got, err := ParseLevel(testCase.input)
		if (err != nil) != testCase.wantErr {
			t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", testCase.input, err, testCase.wantErr)
		}
		if got != testCase.want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", testCase.input, got, testCase.want)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error to be enabled at warn level")
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected unknown level to be rejected")
	}
}
