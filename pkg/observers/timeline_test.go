package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/redact"
)

func TestTurnTimelineWritesAndClosesPerTurn(t *testing.T) {
	dir := t.TempDir()
	obs := NewTurnTimelineObserver(dir)

	now := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: "phase_change", Time: now})
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_dispatched", Time: now, Tags: map[string]string{"turn_id": "t/1"}})
	if obs.Open() != 1 {
		t.Fatalf("expected one open turn file, got %d", obs.Open())
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_reply", Time: now, Value: 420, Tags: map[string]string{"turn_id": "t/1"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_spoken", Time: now, Tags: map[string]string{"turn_id": "t/1"}})
	if obs.Open() != 0 {
		t.Fatalf("expected turn file closed after turn_spoken")
	}

	b, err := os.ReadFile(filepath.Join(dir, "turn-t_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %s", len(lines), b)
	}
	if !strings.Contains(lines[1], `"event":"turn_reply"`) || !strings.Contains(lines[1], `"value":420`) {
		t.Fatalf("unexpected reply line %s", lines[1])
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTurnTimelineRedactsFields(t *testing.T) {
	prev := redact.Enabled()
	redact.SetEnabled(true)
	defer redact.SetEnabled(prev)

	dir := t.TempDir()
	obs := NewTurnTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   "turn_dropped",
		Time:   time.Now(),
		Tags:   map[string]string{"turn_id": "t2"},
		Fields: map[string]any{"text": "call me at jane@example.com"},
	})
	b, err := os.ReadFile(filepath.Join(dir, "turn-t2.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "jane@example.com") {
		t.Fatalf("expected redacted email, got %s", b)
	}
}

func TestPurgeTimelinesKeepsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"turn-a.jsonl", "turn-b.jsonl", "metrics.jsonl"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if name != "turn-b.jsonl" {
			_ = os.Chtimes(path, old, old)
		}
	}
	removed, err := PurgeTimelines(dir, 24*time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d err=%v", removed, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics.jsonl")); err != nil {
		t.Fatalf("metrics file should survive: %v", err)
	}
	if n, err := PurgeTimelines(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}
