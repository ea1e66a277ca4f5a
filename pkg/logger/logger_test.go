package logger

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{
			name:  "debug",
			input: "debug",
			want:  slog.LevelDebug,
		},
		{
			name:  "info uppercase",
			input: "INFO",
			want:  slog.LevelInfo,
		},
		{
			name:  "warning alias",
			input: "warning",
			want:  slog.LevelWarn,
		},
		{
			name:  "error",
			input: "error",
			want:  slog.LevelError,
		},
		{
			name:  "unknown falls back to warn",
			input: "chatty",
			want:  slog.LevelWarn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if err != nil {
				t.Fatalf("ParseLevel(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetLoggerLazyInit(t *testing.T) {
	defaultLogger = nil
	if GetLogger() == nil {
		t.Fatal("GetLogger() returned nil")
	}
}
