package logger

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/h2drain/internal/config"
)

func decodeLines(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		entries = append(entries, m)
	}
	return entries
}

func fileLoggingConfig(dir string, level config.LogLevel) *config.LoggingConfig {
	enabled := true
	return &config.LoggingConfig{
		LogLevel:  level,
		ErrorLog:  &config.ErrorLogConfig{Target: filepath.Join(dir, "error.log")},
		AccessLog: &config.AccessLogConfig{Enabled: &enabled, Target: filepath.Join(dir, "access.log"), Format: "json"},
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	if _, err := NewLogger(nil); err == nil {
		t.Fatal("Expected error for nil config")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(fileLoggingConfig(dir, config.LogLevelWarning))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	l.Debug("dropped debug")
	l.Info("dropped info")
	l.Warn("kept warn", LogFields{"stream_id": 3})
	l.Error("kept error")
	l.CloseLogFiles()

	data, err := os.ReadFile(filepath.Join(dir, "error.log"))
	if err != nil {
		t.Fatalf("reading error log: %v", err)
	}
	entries := decodeLines(t, data)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries above WARNING, got %d: %s", len(entries), data)
	}
	if entries[0]["msg"] != "kept warn" || entries[0]["level"] != "warn" {
		t.Errorf("Unexpected first entry: %v", entries[0])
	}
	if entries[0]["stream_id"] != float64(3) {
		t.Errorf("Expected stream_id field 3, got %v", entries[0]["stream_id"])
	}
	if _, ok := entries[0]["ts"]; !ok {
		t.Errorf("Expected ts field in %v", entries[0])
	}
}

func TestLogger_WithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewTestLogger(&buf)
	child := base.With(LogFields{"conn_id": "abc"})

	child.Info("from child", LogFields{"k": "v"})
	base.Info("from base")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0]["conn_id"] != "abc" || entries[0]["k"] != "v" {
		t.Errorf("child entry missing fields: %v", entries[0])
	}
	if _, ok := entries[1]["conn_id"]; ok {
		t.Errorf("base logger must not inherit child fields: %v", entries[1])
	}
}

func TestLogger_Access(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf)

	req := httptest.NewRequest("GET", "/slow?x=1", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	req.Proto = "HTTP/2.0"
	req.Header.Set("User-Agent", "h2-test")

	l.Access(req, 5, 200, 42, 1500*time.Millisecond)

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 1 {
		t.Fatalf("Expected 1 access entry, got %d", len(entries))
	}
	e := entries[0]
	checks := map[string]interface{}{
		"remote_addr":  "192.0.2.7",
		"remote_port":  "51234",
		"method":       "GET",
		"uri":          "/slow?x=1",
		"protocol":     "HTTP/2.0",
		"status":       float64(200),
		"resp_bytes":   float64(42),
		"duration_ms":  float64(1500),
		"h2_stream_id": float64(5),
		"user_agent":   "h2-test",
	}
	for k, want := range checks {
		if e[k] != want {
			t.Errorf("field %s: expected %v, got %v", k, want, e[k])
		}
	}
}

func TestLogger_AccessDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := fileLoggingConfig(dir, config.LogLevelInfo)
	disabled := false
	cfg.AccessLog.Enabled = &disabled

	l, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	l.Access(httptest.NewRequest("GET", "/", nil), 1, 200, 0, 0)
	l.CloseLogFiles()

	if _, err := os.Stat(filepath.Join(dir, "access.log")); !os.IsNotExist(err) {
		t.Errorf("Expected no access log file when disabled, stat err = %v", err)
	}
}

func TestLogger_ReopenLogFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(fileLoggingConfig(dir, config.LogLevelInfo))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer l.CloseLogFiles()

	errPath := filepath.Join(dir, "error.log")
	rotated := errPath + ".1"

	l.Info("before rotate")
	if err := os.Rename(errPath, rotated); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if err := l.ReopenLogFiles(); err != nil {
		t.Fatalf("ReopenLogFiles failed: %v", err)
	}
	l.Info("after rotate")

	oldData, _ := os.ReadFile(rotated)
	newData, _ := os.ReadFile(errPath)
	if !strings.Contains(string(oldData), "before rotate") || strings.Contains(string(oldData), "after rotate") {
		t.Errorf("rotated file has unexpected contents: %s", oldData)
	}
	if !strings.Contains(string(newData), "after rotate") {
		t.Errorf("reopened file missing new entry: %s", newData)
	}
}

func TestNewDiscardLogger(t *testing.T) {
	l := NewDiscardLogger()
	l.Error("nothing", LogFields{"a": 1})
	l.Access(httptest.NewRequest("GET", "/", nil), 1, 200, 0, 0)
	if err := l.ReopenLogFiles(); err != nil {
		t.Errorf("ReopenLogFiles on discard logger: %v", err)
	}
}
