package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{name: "debug shows everything", level: "debug", wantDebug: true, wantInfo: true},
		{name: "info hides debug", level: "info", wantDebug: false, wantInfo: true},
		{name: "warn hides info", level: "warn", wantDebug: false, wantInfo: false},
		{name: "unknown falls back to info", level: "verbose", wantDebug: false, wantInfo: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Init(tt.level, "text"); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			var buf bytes.Buffer
			SetOutput(&buf)

			Debug("debug %d", 1)
			gotDebug := strings.Contains(buf.String(), "debug 1")
			Info("info %d", 2)
			gotInfo := strings.Contains(buf.String(), "info 2")

			if gotDebug != tt.wantDebug {
				t.Errorf("debug visible = %v, want %v", gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("info visible = %v, want %v", gotInfo, tt.wantInfo)
			}
		})
	}
}

func TestInitJSONFormat(t *testing.T) {
	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	Warn("cycle %d degraded", 7)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "cycle 7 degraded" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["level"] != "warning" {
		t.Errorf("unexpected level: %v", entry["level"])
	}
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	if err := Init("info", "text", path); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing message: %q", string(data))
	}
}
