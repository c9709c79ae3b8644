package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Level: "warn", Format: "text"}, &buf)
	defer func() {
		_ = closer.Close()
	}()

	logger.Info("hidden")
	logger.Warn("remote application stopped", "slot", 0)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "remote application stopped") {
		t.Errorf("missing warn record in %q", out)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Format: "json"}, &buf)
	logger.Info("found files on control system", "count", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "found files on control system" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["count"] != float64(3) {
		t.Errorf("count = %v", rec["count"])
	}
}

func TestNew_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crestsync.log")

	var buf bytes.Buffer
	logger, closer := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}, &buf)
	logger.Info("uploading new file", "file", "App.dll")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "uploading new file") {
		t.Errorf("log file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), "uploading new file") {
		t.Errorf("console output missing record: %q", buf.String())
	}
}
