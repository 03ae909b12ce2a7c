package ledger

import (
	"context"
	"path/filepath"
	"testing"
)

func TestReserveKeepsFirstPlanID(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	entry, fresh, err := l.Reserve(ctx, "a.md:1", "a.md", "PLAN_1")
	if err != nil || !fresh || entry.PlanID != "PLAN_1" {
		t.Fatalf("first reserve: entry=%+v fresh=%v err=%v", entry, fresh, err)
	}
	entry, fresh, err = l.Reserve(ctx, "a.md:1", "a.md", "PLAN_2")
	if err != nil || fresh || entry.PlanID != "PLAN_1" {
		t.Fatalf("second reserve should reuse PLAN_1: entry=%+v fresh=%v err=%v", entry, fresh, err)
	}
	if done, err := l.Processed(ctx, "a.md:1"); err != nil || done {
		t.Fatalf("reserved item must not count as processed: done=%v err=%v", done, err)
	}
	pending, err := l.Pending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v err=%v", pending, err)
	}
}

func TestCompleteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := l.Reserve(ctx, "k", "k.md", "PLAN_k"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Complete(ctx, "k"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := l.Complete(ctx, "k"); err != nil {
		t.Fatalf("second complete should be idempotent: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	done, err := reopened.Processed(ctx, "k")
	if err != nil || !done {
		t.Fatalf("expected processed after restart: done=%v err=%v", done, err)
	}
	if err := reopened.Complete(ctx, "missing"); err == nil {
		t.Fatalf("expected error completing an unreserved key")
	}
}
