package contacts

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contacts.json")
	fixed := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	reg, err := Open(path, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return reg, path
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Vendor@Example.COM ":         "vendor@example.com",
		"Ana Silva <Ana.Silva@Corp.io>": "ana.silva@corp.io",
		"":                              "",
		"+1 555 0100":                   "+1 555 0100",
		"Cafe\u0301@Example.com":      "caf\u00e9@example.com",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAddIsIdempotentAndCaseInsensitive(t *testing.T) {
	reg, path := openTestRegistry(t)
	if _, err := reg.Add("Vendor@Example.com", "Vendor"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := reg.Add(" vendor@example.com ", "Other"); err != nil {
		t.Fatalf("add again: %v", err)
	}
	if got := len(reg.List()); got != 1 {
		t.Fatalf("expected 1 contact, got %d", got)
	}
	c, ok := reg.Lookup("VENDOR@example.com")
	if !ok || c.DisplayName != "Vendor" {
		t.Fatalf("unexpected contact %+v ok=%v", c, ok)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Known("vendor@example.com") {
		t.Fatalf("expected contact to persist")
	}
}

func TestRecordInteractionOnlyIncrements(t *testing.T) {
	reg, _ := openTestRegistry(t)
	for i := 1; i <= 3; i++ {
		c, err := reg.RecordInteraction("sam@example.com", "Sam")
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if c.InteractionCount != i {
			t.Fatalf("interaction count = %d, want %d", c.InteractionCount, i)
		}
	}
	c, err := reg.Add("sam@example.com", "Samuel")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if c.InteractionCount != 3 || c.DisplayName != "Sam" {
		t.Fatalf("add must not reset existing contact: %+v", c)
	}
}

func TestConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	reg, path := openTestRegistry(t)
	other, err := Open(path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		handle := reg
		if i%2 == 1 {
			handle = other
		}
		go func(i int, r *Registry) {
			defer wg.Done()
			if _, err := r.RecordInteraction("shared@example.com", ""); err != nil {
				t.Errorf("record shared: %v", err)
			}
			if _, err := r.Add(fmt.Sprintf("user%d@example.com", i), ""); err != nil {
				t.Errorf("add user: %v", err)
			}
		}(i, handle)
	}
	wg.Wait()
	if err := reg.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	c, ok := reg.Lookup("shared@example.com")
	if !ok || c.InteractionCount != 20 {
		t.Fatalf("expected 20 interactions, got %+v", c)
	}
	if got := len(reg.List()); got != 21 {
		t.Fatalf("expected 21 contacts, got %d", got)
	}
}

func TestSnapshotIsPointInTime(t *testing.T) {
	reg, _ := openTestRegistry(t)
	snap := reg.Snapshot()
	if _, err := reg.Add("late@example.com", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if snap.Known("late@example.com") {
		t.Fatalf("snapshot must not observe later writes")
	}
	if !reg.Snapshot().Known("Late@Example.com") {
		t.Fatalf("fresh snapshot should know the contact")
	}
}

func TestSnapshotSeesOtherProcessWrites(t *testing.T) {
	reg, path := openTestRegistry(t)
	if reg.Snapshot().Known("ops@example.com") {
		t.Fatalf("empty registry should not know the contact")
	}
	other, err := Open(path)
	if err != nil {
		t.Fatalf("open second registry: %v", err)
	}
	if _, err := other.Add("ops@example.com", "Ops"); err != nil {
		t.Fatalf("add from second registry: %v", err)
	}
	if !reg.Snapshot().Known("ops@example.com") {
		t.Fatalf("snapshot should pick up a contact written by another registry")
	}
	if _, err := other.RecordInteraction("ops@example.com", ""); err != nil {
		t.Fatalf("record interaction: %v", err)
	}
	if c, ok := reg.Lookup("ops@example.com"); !ok || c.InteractionCount != 1 {
		t.Fatalf("lookup should see the latest file state: %+v, %t", c, ok)
	}
}
