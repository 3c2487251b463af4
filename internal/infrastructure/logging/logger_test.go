package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/config"
)

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("failed to parse JSON output %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNew(t *testing.T) {
	for _, cfg := range []config.LoggingConfig{
		{Level: "info", Format: "json", Output: "stdout"},
		{Level: "debug", Format: "text", Output: "stderr"},
	} {
		if New(cfg, "1.0.0") == nil {
			t.Fatalf("New(%+v) returned nil", cfg)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewWithWriter_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "test", &buf)
	logger.Info("plug discovered", "address", "ac:cf:23:00:00:01")

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["service"] != ServiceName {
		t.Errorf("service = %v, want %s", e["service"], ServiceName)
	}
	if e["version"] != "test" {
		t.Errorf("version = %v, want test", e["version"])
	}
	if e["msg"] != "plug discovered" || e["address"] != "ac:cf:23:00:00:01" {
		t.Errorf("unexpected entry %v", e)
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, "test", &buf)
	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Errorf("entries = %v, want only the warning", entries)
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Format: "text"}, "test", &buf)
	logger.Info("hello")

	if !strings.Contains(buf.String(), "service="+ServiceName) {
		t.Errorf("text output %q missing service field", buf.String())
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Format: "json"}, "test", &buf)
	child := logger.Component("registry")
	if child == logger {
		t.Error("expected child logger to be different from parent")
	}

	child.Info("started")
	entries := decodeEntries(t, &buf)
	if entries[0]["component"] != "registry" {
		t.Errorf("component = %v, want registry", entries[0]["component"])
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
}
