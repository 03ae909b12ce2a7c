package activity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	now := c.now
	c.now = c.now.Add(time.Minute)
	return now
}

func newLog(t *testing.T, start time.Time) (*Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: start}
	log, err := New(t.TempDir(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return log, clock
}

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	log, _ := newLog(t, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	for i := 0; i < 5; i++ {
		if _, err := log.Append(EventPlanCreated, "PLAN_"+string(rune('A'+i)), nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	lines, total := log.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"PLAN_C", "PLAN_D", "PLAN_E"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestSegmentsAreDailyAndChained(t *testing.T) {
	log, clock := newLog(t, time.Date(2026, 10, 15, 23, 59, 0, 0, time.UTC))
	if _, err := log.Append(EventClassified, "PLAN_A", map[string]any{"flags": []string{}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.now = time.Date(2026, 10, 16, 0, 1, 0, 0, time.UTC)
	second, err := log.Append(EventAutoApproved, "PLAN_A", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, name := range []string{"activity_20261015.jsonl", "activity_20261016.jsonl"} {
		if _, err := os.Stat(filepath.Join(log.Dir(), name)); err != nil {
			t.Fatalf("expected segment %s: %v", name, err)
		}
	}
	entries, err := log.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[1].PrevHash != entries[0].Hash || second.PrevHash != entries[0].Hash {
		t.Fatalf("entries are not chained across segments: %+v", entries)
	}
	if report, err := log.Verify(); err != nil || report.Entries != 2 || len(report.Torn) != 0 {
		t.Fatalf("verify = %+v, %v", report, err)
	}
}

func TestHistoryRebuildsTimeline(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	log, _ := newLog(t, start)
	steps := []struct {
		event   EventType
		id      string
		payload map[string]any
	}{
		{EventPlanCreated, "PLAN_A", nil},
		{EventClassified, "PLAN_A", map[string]any{"risk": "low"}},
		{EventPlanCreated, "PLAN_B", nil},
		{EventRoutedPending, "PLAN_A", nil},
		{EventApproved, "PLAN_A", map[string]any{"decided_by": "ana"}},
		{EventApprovalRepeated, "PLAN_A", map[string]any{"decided_by": "bo"}},
		{EventExecutionClaimed, "PLAN_A", nil},
		{EventExecuted, "PLAN_A", map[string]any{"attempts": 1}},
	}
	for _, step := range steps {
		if _, err := log.Append(step.event, step.id, step.payload); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	timeline, err := log.History("PLAN_A")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(timeline.Events) != 7 {
		t.Fatalf("expected 7 events for PLAN_A, got %d", len(timeline.Events))
	}
	at := func(minutes int) time.Time { return start.Add(time.Duration(minutes) * time.Minute) }
	if !timeline.ClassifiedAt.Equal(at(1)) || !timeline.RoutedAt.Equal(at(3)) ||
		!timeline.DecidedAt.Equal(at(4)) || !timeline.ExecutedAt.Equal(at(7)) {
		t.Fatalf("unexpected timeline %+v", timeline)
	}
	if timeline.Decision != EventApproved || timeline.DecidedBy != "ana" {
		t.Fatalf("repeated approval must not overwrite the decision, got %s by %s", timeline.Decision, timeline.DecidedBy)
	}
	if missing, _ := log.History("PLAN_Z"); missing.Found() {
		t.Fatalf("unknown record should have no events")
	}
}

func TestAutoApprovalIsDistinctFromHumanApproval(t *testing.T) {
	log, _ := newLog(t, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	if _, err := log.Append(EventAutoApproved, "PLAN_A", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	timeline, _ := log.History("PLAN_A")
	if timeline.Decision != EventAutoApproved || timeline.RoutedAt.IsZero() {
		t.Fatalf("unexpected timeline %+v", timeline)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	log, _ := newLog(t, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	for _, id := range []string{"PLAN_A", "PLAN_B", "PLAN_C"} {
		if _, err := log.Append(EventRejected, id, map[string]any{"reason": "duplicate request"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	path := filepath.Join(log.Dir(), "activity_20261015.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), `"PLAN_B"`, `"PLAN_X"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	report, err := log.Verify()
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected broken chain, got %v", err)
	}
	var verr *VerifyError
	if !errors.As(err, &verr) || verr.Index != 1 || report.Entries != 1 {
		t.Fatalf("expected failure at entry 1, got %v (report=%+v)", err, report)
	}
}

func TestTornFinalLineIsTolerated(t *testing.T) {
	log, _ := newLog(t, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	first, err := log.Append(EventPlanCreated, "PLAN_A", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	path := filepath.Join(log.Dir(), "activity_20261015.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteString(`{"id":"x","timestamp":"2026`); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	f.Close()

	entries, err := log.Entries()
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries with torn tail = %d, %v", len(entries), err)
	}
	report, err := log.Verify()
	if err != nil || report.Entries != 1 || len(report.Torn) != 1 || report.Torn[0].Line != 2 {
		t.Fatalf("verify before repair = %+v, %v", report, err)
	}

	var last Entry
	for _, id := range []string{"PLAN_B", "PLAN_C", "PLAN_D"} {
		if last, err = log.Append(EventPlanCreated, id, nil); err != nil {
			t.Fatalf("append after torn write: %v", err)
		}
	}
	entries, err = log.Entries()
	if err != nil || len(entries) != 4 {
		t.Fatalf("entries after repair = %d, %v", len(entries), err)
	}
	if entries[1].PrevHash != first.Hash || entries[3].ID != last.ID {
		t.Fatalf("chain should continue from the last complete entry: %+v", entries)
	}
	report, err = log.Verify()
	if err != nil || report.Entries != 4 {
		t.Fatalf("verify after repair = %+v, %v", report, err)
	}
	if len(report.Torn) != 1 || report.Torn[0].Segment != "activity_20261015.jsonl" || !strings.Contains(report.Torn[0].Data, `"id":"x"`) {
		t.Fatalf("torn write should stay reported: %+v", report.Torn)
	}
	history, err := log.History("PLAN_A")
	if err != nil || !history.Found() {
		t.Fatalf("history after repair: %+v, %v", history, err)
	}
}

func TestMalformedInnerLineIsAnError(t *testing.T) {
	log, _ := newLog(t, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	if _, err := log.Append(EventPlanCreated, "PLAN_A", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	path := filepath.Join(log.Dir(), "activity_20261015.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(path, append([]byte("not json\n"), data...), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := log.Entries(); err == nil {
		t.Fatalf("expected error for a corrupt line that is not the tail")
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var log *Log
	if _, err := log.Append(EventExecuted, "PLAN_A", nil); err != nil {
		t.Fatalf("nil log append: %v", err)
	}
	if lines, total := log.Tail(3); lines != nil || total != 0 {
		t.Fatalf("nil log tail should be empty")
	}
}
