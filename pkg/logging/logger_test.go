package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("expected warn line, got %q", out)
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, true)
	l.SetOutput(&buf)

	l.WithField("job", 7).Info("trial finished", map[string]interface{}{"duration_s": 1.5})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Message != "trial finished" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["job"] != float64(7) || entry.Fields["duration_s"] != 1.5 {
		t.Errorf("fields not merged: %+v", entry.Fields)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)

	_ = parent.WithField("child", true)
	parent.Info("plain")

	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent logger picked up child field: %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	l := OrDiscard(nil)
	if l.Level() != OFF {
		t.Fatalf("expected OFF level, got %v", l.Level())
	}
	l.Error("nothing happens")
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir, "sweep", INFO, false)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	l.Info("to file")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sweep.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"WARNING": WARN,
		"error":   ERROR,
		"off":     OFF,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
