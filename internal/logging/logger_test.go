package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.WithAgent("agent-1").WithTurn(3).Info("tool executed", "tool", "write_file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tandem.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var entry map[string]any
	line := strings.TrimSpace(string(data))
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v\nline: %s", err, line)
	}

	if entry["msg"] != "tool executed" {
		t.Errorf("msg = %v, want %q", entry["msg"], "tool executed")
	}
	if entry["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v, want agent-1", entry["agent_id"])
	}
	if entry["turn"] != float64(3) {
		t.Errorf("turn = %v, want 3", entry["turn"])
	}
	if entry["tool"] != "write_file" {
		t.Errorf("tool = %v, want write_file", entry["tool"])
	}
}

func TestChildLoggerDoesNotMutateParent(t *testing.T) {
	logger := NopLogger()
	child := logger.WithAgent("agent-1")

	if len(logger.attrs) != 0 {
		t.Errorf("parent attrs mutated: %v", logger.attrs)
	}
	if len(child.attrs) != 1 {
		t.Errorf("child attrs = %d, want 1", len(child.attrs))
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelWarn)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tandem.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), string(data))
	}
	if !strings.Contains(lines[0], "kept") {
		t.Errorf("expected WARN line, got %q", lines[0])
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Error("ParseLevel should be case-insensitive")
	}
	if ParseLevel("bogus") != LevelInfo {
		t.Error("ParseLevel should default to INFO")
	}
	if len(ValidLevels()) != 4 {
		t.Errorf("ValidLevels() = %v", ValidLevels())
	}
}
