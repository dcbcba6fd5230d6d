package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/zach-source/vaultagent/internal/policy"
	"github.com/zach-source/vaultagent/internal/security"
)

func newTestLogger(t *testing.T) (*Logger, string, *testingclock.FakeClock, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	clk := testingclock.NewFakeClock(epoch)
	var buf bytes.Buffer
	l, err := NewLogger(dir, RollerConfig{}, slog.New(slog.NewTextHandler(&buf, nil)), clk)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, dir, clk, &buf
}

func readEvents(t *testing.T, path string) []AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestLogger_Events(t *testing.T) {
	l, dir, _, buf := newTestLogger(t)
	peer := security.PeerInfo{PID: 42, Path: "/usr/bin/ssh"}

	l.LogAccessDecision(peer, "c1", policy.SignAction("work"), false, "/etc/policy.json")
	l.LogSignDecision(peer, "c1", "work", true)
	l.LogSessionRequest(peer, "c2", "deploy", false)
	l.LogCacheClear(peer, "c3")
	l.LogUnlock(true)

	events := readEvents(t, filepath.Join(dir, "audit-2025-01-03.log"))
	want := []struct {
		event, decision, action string
	}{
		{EventAccessDecision, DecisionDeny, "sign:work"},
		{EventSignDecision, DecisionAllow, "sign:work"},
		{EventSessionRequest, DecisionDeny, ""},
		{EventCacheClear, DecisionSuccess, ""},
		{EventUnlock, DecisionSuccess, ""},
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, w := range want {
		ev := events[i]
		if ev.Event != w.event || ev.Decision != w.decision || ev.Action != w.action {
			t.Errorf("event %d = %+v, want %+v", i, ev, w)
		}
		if !ev.Timestamp.Equal(epoch) {
			t.Errorf("event %d timestamp %v, want %v", i, ev.Timestamp, epoch)
		}
	}
	if events[0].PolicyPath != "/etc/policy.json" || events[0].PeerInfo.PID != 42 {
		t.Errorf("Unexpected access event %+v", events[0])
	}
	if events[2].Details["reason"] != "deploy" {
		t.Errorf("Expected session reason detail, got %v", events[2].Details)
	}
	if !strings.Contains(buf.String(), "component=audit") {
		t.Errorf("Expected audit component in log output: %s", buf.String())
	}
}

func TestLogger_Nil(t *testing.T) {
	var l *Logger
	l.LogUnlock(false)
	l.LogSignDecision(security.PeerInfo{}, "", "work", false)
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil logger returned %v", err)
	}
}

func TestScanRecentDenials(t *testing.T) {
	l, dir, clk, _ := newTestLogger(t)
	ssh := security.PeerInfo{PID: 1, Path: "/usr/bin/ssh"}
	git := security.PeerInfo{PID: 2, Path: "/usr/bin/git"}

	l.LogAccessDecision(git, "", "sign:old", false, "")
	clk.Step(2 * time.Hour)
	l.LogAccessDecision(ssh, "", "sign:work", false, "")
	l.LogSignDecision(ssh, "", "work", false)
	l.LogAccessDecision(git, "", "sign:deploy", true, "")
	l.LogSessionRequest(git, "", "ci", false)

	denials, err := ScanRecentDenials(dir, time.Hour, clk.Now())
	if err != nil {
		t.Fatalf("ScanRecentDenials failed: %v", err)
	}
	if len(denials) != 2 {
		t.Fatalf("Expected 2 denial groups, got %+v", denials)
	}
	if denials[0].Path != "/usr/bin/ssh" || denials[0].Action != "sign:work" || denials[0].Count != 2 {
		t.Errorf("Unexpected top denial %+v", denials[0])
	}
	if denials[1].Event != EventSessionRequest || denials[1].Path != "/usr/bin/git" {
		t.Errorf("Unexpected second denial %+v", denials[1])
	}
	if !strings.Contains(FormatDenial(0, denials[0]), "Denied: 2 times") {
		t.Errorf("Unexpected format %q", FormatDenial(0, denials[0]))
	}
}

func TestScanRecentDenials_NoLogs(t *testing.T) {
	denials, err := ScanRecentDenials(t.TempDir(), time.Hour, epoch)
	if err != nil {
		t.Fatalf("ScanRecentDenials failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("Expected no denials, got %+v", denials)
	}
}

func TestSuggestAllowPatterns(t *testing.T) {
	tests := []struct {
		action string
		want   []string
	}{
		{"sign:work", []string{"sign:work", "sign:*", "*"}},
		{"exchange:REQUEST_SESSION", []string{"exchange:REQUEST_SESSION", "exchange:*", "*"}},
		{"", []string{"*"}},
	}
	for _, tt := range tests {
		got := SuggestAllowPatterns(tt.action)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("SuggestAllowPatterns(%q) = %v, want %v", tt.action, got, tt.want)
		}
	}
}

func TestAddRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	denial := DenialEvent{Path: "/usr/bin/ssh", Action: "sign:work"}

	if err := AddRule(path, RuleFromDenial(denial, "sign:*")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	pol, _, err := policy.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !pol.DefaultDeny {
		t.Error("Expected first rule to enable default deny")
	}
	if !policy.Allowed(pol, policy.Subject{Path: "/usr/bin/ssh"}, "sign:work") {
		t.Error("Expected rule to allow sign:work")
	}
	if policy.Allowed(pol, policy.Subject{Path: "/usr/bin/git"}, "sign:work") {
		t.Error("Expected other binaries to be denied")
	}
}
