package writer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lamim/sdgforge/pkg/models"
)

func TestNewSessionCreatesDirectory(t *testing.T) {
	outputDir := t.TempDir()
	sm, err := NewSessionManager(testLogger(), outputDir, "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	info, err := os.Stat(sm.GetSessionDir())
	if err != nil || !info.IsDir() {
		t.Fatalf("session dir not created: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(sm.GetSessionDir()), "session_") {
		t.Errorf("unexpected session dir name: %s", sm.GetSessionDir())
	}
}

func TestResumeRequiresExistingSession(t *testing.T) {
	if _, err := NewSessionManager(testLogger(), t.TempDir(), "session_missing"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestResumeReusesDirectory(t *testing.T) {
	outputDir := t.TempDir()
	first, err := NewSessionManager(testLogger(), outputDir, "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	name := filepath.Base(first.GetSessionDir())
	second, err := NewSessionManager(testLogger(), outputDir, name)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if second.GetSessionDir() != first.GetSessionDir() {
		t.Errorf("resume landed in %s, want %s", second.GetSessionDir(), first.GetSessionDir())
	}
}

func TestWriteStats(t *testing.T) {
	sm, err := NewSessionManager(testLogger(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	stats := models.RunStats{
		RunID:     "run-1",
		StartTime: time.Now(),
		Solved:    3,
		Unsolved:  1,
	}
	if err := sm.WriteStats(stats); err != nil {
		t.Fatalf("WriteStats failed: %v", err)
	}

	data, err := os.ReadFile(sm.GetStatsPath())
	if err != nil {
		t.Fatalf("stats file missing: %v", err)
	}
	var got models.RunStats
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("stats file does not parse: %v", err)
	}
	if got.RunID != "run-1" || got.Solved != 3 {
		t.Errorf("unexpected stats: %+v", got)
	}
}

func TestBackupConfig(t *testing.T) {
	sm, err := NewSessionManager(testLogger(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[task]\nname = \"arith\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := sm.BackupConfig(cfgPath); err != nil {
		t.Fatalf("BackupConfig failed: %v", err)
	}

	data, err := os.ReadFile(sm.GetConfigBackupPath())
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if !strings.Contains(string(data), "arith") {
		t.Errorf("backup content wrong: %q", data)
	}
}
