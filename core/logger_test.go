package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestFormatLine(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
		want   string
	}{
		{name: "NoFields", want: "[INFO] started"},
		{name: "OneField", fields: []Field{F("run", "r1")}, want: "[INFO] started {run: r1}"},
		{name: "TwoFields", fields: []Field{F("run", "r1"), F("index", 2)}, want: "[INFO] started {run: r1, index: 2}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatLine("INFO", "started", tt.fields); got != tt.want {
				t.Errorf("formatLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestSlogLogger tests the slog adapter
// Main test items:
// 1. Fields become slog attributes
// 2. Records below the handler level are dropped
func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := NewSlogLogger(slog.New(handler))

	logger.Debug("hidden", F("x", 1))
	logger.Warn("run failed", F("run", "r1"), F("index", 3))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "run failed" || record["level"] != "WARN" {
		t.Errorf("unexpected record %v", record)
	}
	if record["run"] != "r1" || record["index"] != float64(3) {
		t.Errorf("fields not carried as attributes: %v", record)
	}
}

func TestNewSlogLogger_NilFallsBackToDefault(t *testing.T) {
	if NewSlogLogger(nil).logger != slog.Default() {
		t.Error("nil logger should fall back to slog.Default()")
	}
}
