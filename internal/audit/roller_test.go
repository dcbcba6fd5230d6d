package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2025, 1, 3, 12, 0, 0, 0, time.Local)

func TestDefaultRollerConfig(t *testing.T) {
	config := DefaultRollerConfig()

	if config.MaxDays != 30 {
		t.Errorf("Expected MaxDays 30, got %d", config.MaxDays)
	}
	if config.FlushInterval != 5*time.Second {
		t.Errorf("Expected FlushInterval 5s, got %v", config.FlushInterval)
	}
}

func TestNewRoller_EmptyDir(t *testing.T) {
	if _, err := NewRoller("", DefaultRollerConfig(), nil); err == nil {
		t.Error("Expected error for empty directory")
	}
}

func TestRoller_CurrentLogPath(t *testing.T) {
	dir := t.TempDir()
	roller, err := NewRoller(dir, RollerConfig{}, testingclock.NewFakeClock(epoch))
	if err != nil {
		t.Fatalf("Failed to create roller: %v", err)
	}
	defer roller.Close()

	want := filepath.Join(dir, "audit-2025-01-03.log")
	if got := roller.CurrentLogPath(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if got := roller.LogForDate(epoch.AddDate(0, 0, -1)); !strings.HasSuffix(got, "audit-2025-01-02.log") {
		t.Errorf("Unexpected LogForDate %q", got)
	}
}

func TestRoller_WriteRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	clk := testingclock.NewFakeClock(epoch)
	roller, err := NewRoller(dir, RollerConfig{}, clk)
	if err != nil {
		t.Fatalf("Failed to create roller: %v", err)
	}
	defer roller.Close()

	if err := roller.Write([]byte("first\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	clk.Step(24 * time.Hour)
	if err := roller.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "audit-2025-01-03.log"))
	if err != nil {
		t.Fatalf("read first log: %v", err)
	}
	if string(first) != "first\n" {
		t.Errorf("Unexpected first log %q", first)
	}
	second, err := os.ReadFile(filepath.Join(dir, "audit-2025-01-04.log"))
	if err != nil {
		t.Fatalf("read second log: %v", err)
	}
	if string(second) != "second\n" {
		t.Errorf("Unexpected second log %q", second)
	}

	info, err := os.Stat(roller.CurrentLogPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected 0600, got %v", info.Mode().Perm())
	}
}

func TestRoller_WriteAfterClose(t *testing.T) {
	roller, err := NewRoller(t.TempDir(), RollerConfig{}, testingclock.NewFakeClock(epoch))
	if err != nil {
		t.Fatalf("Failed to create roller: %v", err)
	}
	if err := roller.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := roller.Write([]byte("late\n")); err == nil {
		t.Error("Expected error writing to closed roller")
	}
}

func TestRoller_ListLogFiles(t *testing.T) {
	dir := t.TempDir()
	for _, date := range []string{"2025-01-01", "2025-01-02"} {
		if err := os.WriteFile(filepath.Join(dir, "audit-"+date+".log"), []byte("test"), 0o600); err != nil {
			t.Fatalf("Failed to create test log file: %v", err)
		}
	}

	roller, err := NewRoller(dir, RollerConfig{}, testingclock.NewFakeClock(epoch))
	if err != nil {
		t.Fatalf("Failed to create roller: %v", err)
	}
	defer roller.Close()

	files, err := roller.ListLogFiles()
	if err != nil {
		t.Fatalf("Failed to list log files: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 log files, got %d", len(files))
	}
	if !strings.Contains(filepath.Base(files[0]), "2025-01-03") {
		t.Errorf("Expected newest file first, got %s", files[0])
	}
}

func TestRoller_CleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "audit-2024-12-01.log")
	recent := filepath.Join(dir, "audit-2025-01-01.log")
	other := filepath.Join(dir, "audit-notadate.log")
	for _, p := range []string{old, recent, other} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	roller, err := NewRoller(dir, RollerConfig{MaxDays: 7}, testingclock.NewFakeClock(epoch))
	if err != nil {
		t.Fatalf("Failed to create roller: %v", err)
	}
	// Close waits for the background cleanup.
	if err := roller.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("Expected %s to be removed, stat err %v", old, err)
	}
	for _, p := range []string{recent, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Expected %s to survive: %v", p, err)
		}
	}
}
