package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRollsOverAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(AuditConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w.maxSize = 16
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	w.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backups, _ := filepath.Glob(path + ".*")
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups after pruning, got %d: %v", len(backups), backups)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read active file: %v", err)
	}
	if strings.Count(string(data), "\n") != 1 {
		t.Fatalf("expected active file to hold the last line, got %q", data)
	}
}

func TestSetOutputCapturesAuditStream(t *testing.T) {
	var sb strings.Builder
	SetOutput(&sb, "json")
	Audit().Info("guardrail violation", "role", "agent")
	if !strings.Contains(sb.String(), `"stream":"audit"`) {
		t.Fatalf("expected audit stream marker, got %s", sb.String())
	}
}
