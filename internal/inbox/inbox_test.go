package inbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFrontMatter(t *testing.T) {
	data := []byte("---\r\ntype: email\r\npriority: HIGH\r\ntags: [billing, vendor]\r\n---\r\n\r\n# Invoice\r\nPlease pay.\r\n")
	meta, body := Parse(data)
	if meta["type"] != "email" || meta["priority"] != "HIGH" {
		t.Fatalf("unexpected metadata: %#v", meta)
	}
	if meta["tags"] != "billing,vendor" {
		t.Fatalf("unexpected tags: %q", meta["tags"])
	}
	if body != "# Invoice\nPlease pay.\n" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestParseWithoutFrontMatter(t *testing.T) {
	meta, body := Parse([]byte("just text"))
	if len(meta) != 0 || body != "just text" {
		t.Fatalf("unexpected parse: %#v %q", meta, body)
	}
}

func TestListSkipsHiddenAndSortsByName(t *testing.T) {
	dir := t.TempDir()
	box, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, name := range []string{"b.md", "a.md", ".hidden.md", "x.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("body "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	items, err := box.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].Name != "a.md" || items[1].Name != "b.md" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestWriteRefusesOverwriteAndKeyTracksContent(t *testing.T) {
	box, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := box.Write("EMAIL_one.md", []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := box.Write("EMAIL_one.md", []byte("again")); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}
	item, err := box.Read("EMAIL_one.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if item.Producer() != "email" {
		t.Fatalf("producer = %q", item.Producer())
	}
	first := item.Key()
	item.Raw = []byte("changed")
	if item.Key() == first {
		t.Fatalf("key must change with content")
	}
	if err := box.Remove("EMAIL_one.md"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := box.Remove("EMAIL_one.md"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, err := box.Read("EMAIL_one.md"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
