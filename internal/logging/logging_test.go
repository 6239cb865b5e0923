package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("item due", "time_stamp", int64(42))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["msg"] != "item due" {
		t.Errorf("expected msg 'item due', got %v", entry["msg"])
	}
	if entry["time_stamp"] != float64(42) {
		t.Errorf("expected time_stamp 42, got %v", entry["time_stamp"])
	}
}

func TestNew_TextDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("expected debug entry in text output, got %q", buf.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(Config{Level: "loud", Format: "text"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(Config{Level: "info", Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if err != nil {
			t.Errorf("ParseLevel(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
	if err := (Config{Level: "info", Format: "yaml"}).Validate(); err == nil {
		t.Error("expected error for unknown format")
	}
}
