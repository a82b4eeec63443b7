package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/event"
)

type sinkRecorder struct {
	alerts []event.Alert
}

func (s *sinkRecorder) OnAlert(a event.Alert) { s.alerts = append(s.alerts, a) }

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const mshtaRule = `
id: osiris-proc-001
title: Suspicious mshta execution
level: high
tags: [attack.defense_evasion]
logsource:
  product: osiris
  category: process_launch
detection:
  selection:
    process_name: mshta.exe
  condition: selection
`

const reconRule = `
id: osiris-shell-001
title: Recon command observed
level: medium
logsource:
  product: osiris
  category: shell_history
detection:
  keywords:
    - whoami
    - "net user"
  condition: selection or keywords
`

// ==================== Loading ====================

// TestLoadRules loads valid files and skips broken ones.
func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "mshta.yml", mshtaRule)
	writeRule(t, dir, "recon.yaml", reconRule)
	writeRule(t, dir, "broken.yml", "title: no id or detection\n")
	writeRule(t, dir, "notes.txt", "not a rule")

	e := NewEngine("osiris", nil, zap.NewNop())
	n, err := e.LoadRules(dir)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rules loaded, got %d", n)
	}
	if e.Count() != 2 {
		t.Errorf("Count = %d, want 2", e.Count())
	}
	if r := e.Rule("osiris-proc-001"); r == nil || r.Title != "Suspicious mshta execution" {
		t.Errorf("rule lookup failed: %+v", r)
	}
	if r := e.Rule("nope"); r != nil {
		t.Error("unknown rule id should return nil")
	}
}

// TestLoadRulesRejectsBadCondition refuses unsupported condition strings.
func TestLoadRulesRejectsBadCondition(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "bad.yml", `
id: x-1
title: Bad condition
logsource:
  product: osiris
detection:
  selection:
    user: root
  condition: all of them
`)

	e := NewEngine("osiris", nil, zap.NewNop())
	n, err := e.LoadRules(dir)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if n != 0 {
		t.Errorf("unsupported condition should be skipped, loaded %d", n)
	}
}

// ==================== Matching ====================

func loadedEngine(t *testing.T, sink AlertSink) *Engine {
	t.Helper()
	dir := t.TempDir()
	writeRule(t, dir, "mshta.yml", mshtaRule)
	writeRule(t, dir, "recon.yaml", reconRule)
	e := NewEngine("osiris", sink, zap.NewNop())
	if _, err := e.LoadRules(dir); err != nil {
		t.Fatal(err)
	}
	return e
}

// TestCheckSelectionMatch matches on exact selection fields scoped by
// logsource category.
func TestCheckSelectionMatch(t *testing.T) {
	e := loadedEngine(t, nil)

	ev := &event.Event{
		Type:      event.TypeProcessLaunch,
		Timestamp: time.Now(),
		Data:      map[string]any{"process_name": "mshta.exe"},
	}
	matches := e.Check(ev)
	if len(matches) != 1 || matches[0].RuleID != "osiris-proc-001" {
		t.Fatalf("expected mshta rule match, got %+v", matches)
	}

	// Wrong category: same data on a file_access event must not match.
	ev.Type = event.TypeFileAccess
	if m := e.Check(ev); len(m) != 0 {
		t.Errorf("category mismatch should not fire, got %+v", m)
	}
}

// TestCheckKeywordMatch matches keywords case-insensitively against the
// rendered event.
func TestCheckKeywordMatch(t *testing.T) {
	e := loadedEngine(t, nil)

	ev := &event.Event{
		Type:      event.TypeShellHistory,
		Timestamp: time.Now(),
		Data:      map[string]any{"command": "WHOAMI /all"},
	}
	matches := e.Check(ev)
	if len(matches) != 1 || matches[0].RuleID != "osiris-shell-001" {
		t.Fatalf("expected recon rule match, got %+v", matches)
	}

	ev.Data["command"] = "ls -la"
	if m := e.Check(ev); len(m) != 0 {
		t.Errorf("benign command should not fire, got %+v", m)
	}
}

// TestCheckProductScope ignores rules for other products.
func TestCheckProductScope(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "other.yml", `
id: win-1
title: Windows only
logsource:
  product: windows
  category: process_launch
detection:
  selection:
    process_name: mshta.exe
  condition: selection
`)
	e := NewEngine("osiris", nil, zap.NewNop())
	if _, err := e.LoadRules(dir); err != nil {
		t.Fatal(err)
	}

	ev := &event.Event{
		Type: event.TypeProcessLaunch,
		Data: map[string]any{"process_name": "mshta.exe"},
	}
	if m := e.Check(ev); len(m) != 0 {
		t.Errorf("foreign product rule should not fire, got %+v", m)
	}
}

// TestCheckDispatchesHighSeverity hands high/critical matches to the
// alert sink; medium matches are recorded but not dispatched.
func TestCheckDispatchesHighSeverity(t *testing.T) {
	sink := &sinkRecorder{}
	e := loadedEngine(t, sink)

	ev := &event.Event{
		Type:      event.TypeProcessLaunch,
		Timestamp: time.Now(),
		AgentID:   "agent-7",
		Data:      map[string]any{"process_name": "mshta.exe"},
	}
	e.Check(ev)

	if len(sink.alerts) != 1 {
		t.Fatalf("expected 1 dispatched alert, got %d", len(sink.alerts))
	}
	a := sink.alerts[0]
	if a.Severity != "high" || a.RuleID != "osiris-proc-001" || a.AgentID != "agent-7" {
		t.Errorf("unexpected alert: %+v", a)
	}

	// Medium severity: recorded but not dispatched.
	sink.alerts = nil
	shell := &event.Event{
		Type: event.TypeShellHistory,
		Data: map[string]any{"command": "net user admin"},
	}
	if m := e.Check(shell); len(m) != 1 {
		t.Fatalf("expected recon match, got %+v", m)
	}
	if len(sink.alerts) != 0 {
		t.Errorf("medium match should not dispatch, got %d alerts", len(sink.alerts))
	}
}

// TestAlertSnapshotIsolation ensures later event mutation does not leak
// into already-dispatched alerts.
func TestAlertSnapshotIsolation(t *testing.T) {
	sink := &sinkRecorder{}
	e := loadedEngine(t, sink)

	ev := &event.Event{
		Type: event.TypeProcessLaunch,
		Data: map[string]any{"process_name": "mshta.exe"},
	}
	e.Check(ev)
	ev.Data["process_name"] = "tampered"

	if got := sink.alerts[0].Event.Data["process_name"]; got != "mshta.exe" {
		t.Errorf("alert event mutated after dispatch: %v", got)
	}
}

// ==================== Rule queries ====================

// TestRuleFilters exercises level and tag filtering.
func TestRuleFilters(t *testing.T) {
	e := loadedEngine(t, nil)

	if rules := e.RulesByLevel("high"); len(rules) != 1 || rules[0].ID != "osiris-proc-001" {
		t.Errorf("RulesByLevel(high) = %+v", rules)
	}
	if rules := e.RulesByLevel("critical"); len(rules) != 0 {
		t.Errorf("RulesByLevel(critical) = %+v", rules)
	}
	if rules := e.RulesByTag("attack.defense_evasion"); len(rules) != 1 {
		t.Errorf("RulesByTag = %+v", rules)
	}
}

// TestReload replaces the rule set atomically.
func TestReload(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "mshta.yml", mshtaRule)

	e := NewEngine("osiris", nil, zap.NewNop())
	if n, _ := e.LoadRules(dir); n != 1 {
		t.Fatalf("initial load: %d", n)
	}

	writeRule(t, dir, "recon.yaml", reconRule)
	if n, _ := e.LoadRules(dir); n != 2 {
		t.Fatalf("reload: %d", n)
	}
}
