package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpen_FileNaming(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	runLog, err := Open(dir, start)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer runLog.Close()

	want := filepath.Join(dir, "deploy_20260314_150926.log")
	if runLog.Path() != want {
		t.Errorf("Path() = %q, want %q", runLog.Path(), want)
	}
}

func TestRunLog_TaggedLines(t *testing.T) {
	dir := t.TempDir()
	runLog, err := Open(dir, time.Now())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	logger := runLog.Logger()
	logger.Info("starting run", "project", "app")
	logger.Warn("loopback probe failed")
	logger.Error("stage failed", "stage", "deploy")
	logger.Log(context.Background(), LevelSuccess, "stage completed", "stage", "proxy")
	runLog.Close()

	data, err := os.ReadFile(runLog.Path())
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	tests := []struct {
		tag  string
		text string
	}{
		{"INFO", "starting run project=app"},
		{"WARN", "loopback probe failed"},
		{"ERROR", "stage failed stage=deploy"},
		{"SUCCESS", "stage completed stage=proxy"},
	}
	for _, tt := range tests {
		if !strings.Contains(content, tt.tag+" "+tt.text) {
			t.Errorf("log missing %q line with %q:\n%s", tt.tag, tt.text, content)
		}
	}

	// every line is timestamped
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		if !strings.HasPrefix(line, "[") || !strings.Contains(line, "] ") {
			t.Errorf("line not timestamped: %q", line)
		}
	}
}

func TestRunLog_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	runLog, err := Open(dir, time.Now())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	logger := runLog.Logger().With("run", "abc123")
	logger.Info("hello")
	runLog.Close()

	data, err := os.ReadFile(runLog.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "run=abc123") {
		t.Errorf("attached attr missing from file line: %s", data)
	}
}
