package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "seq", 3)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "seq=3") {
		t.Fatalf("output = %q", out)
	}

	if _, err := NewLogger(&buf, "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOpenLogFileDefaultsToOutputDir(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenLogFile("", dir)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer f.Close()
	if f.Name() != filepath.Join(dir, DefaultLogFile) {
		t.Fatalf("name = %q", f.Name())
	}
	if IsTerminal(f) {
		t.Fatal("regular file reported as terminal")
	}

	nested := filepath.Join(dir, "logs", "run.log")
	g, err := OpenLogFile(nested, dir)
	if err != nil {
		t.Fatalf("OpenLogFile nested: %v", err)
	}
	g.Close()
	if _, err := os.Stat(nested); err != nil {
		t.Fatalf("stat: %v", err)
	}
}
