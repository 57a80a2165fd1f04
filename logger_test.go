package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	for _, debug := range []bool{false, true} {
		logger, path, err := NewLogger(debug, "")
		if err != nil {
			t.Fatalf("NewLogger(debug=%v): %v", debug, err)
		}
		if path != "" {
			t.Errorf("path = %q, want none without a log dir", path)
		}
		logger.Debug("console only")
	}
}

func TestNewLoggerWritesJSONFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, path, err := NewLogger(false, dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("log file %q not under %q", path, dir)
	}

	// Debug events reach the file even though the console shows warnings only.
	logger.Debug("state entered")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"state entered"`) {
		t.Errorf("log file missing event:\n%s", data)
	}
}
