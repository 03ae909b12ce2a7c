package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrintfWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf).With("component", "pipeline")
	l.Printf("dispatched %s\n", "PLAN_A")
	line := buf.String()
	if !strings.Contains(line, `msg="dispatched PLAN_A"`) || !strings.Contains(line, "component=pipeline") {
		t.Fatalf("unexpected log line %q", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", line)
	}
}

func TestNewCreatesProjectLog(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Printf("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".employee", "logs", "employee.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("log file missing entry: %q", data)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Printf("ignored")
	if l.With("k", "v") != nil {
		t.Fatalf("nil logger With should stay nil")
	}
	l.Slog().Info("discarded")
}
