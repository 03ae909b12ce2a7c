// Package inbox reads raw items dropped into Needs_Action by producers
// (mail, LinkedIn, WhatsApp and file-drop watchers, or the HTTP bridge).
package inbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when a named item is not in the inbox.
	ErrNotFound = errors.New("inbox: item not found")
	// ErrExists is returned by Write when the name is already taken.
	ErrExists = errors.New("inbox: item already exists")
)

// Item is one raw unit of external input awaiting triage.
type Item struct {
	Name     string
	Path     string
	Metadata map[string]string
	Body     string
	Raw      []byte
	ModTime  time.Time
}

// Key identifies an item for the processed ledger: its name plus a digest of
// its bytes, so a rewritten file with the same name is treated as new input.
func (it Item) Key() string {
	sum := sha256.Sum256(it.Raw)
	return it.Name + ":" + hex.EncodeToString(sum[:])[:16]
}

// Meta returns the first non-empty metadata value among keys.
func (it Item) Meta(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(it.Metadata[key]); v != "" {
			return v
		}
	}
	return ""
}

// Producer names the source that emitted the item, falling back to the
// file-name prefix (EMAIL_x.md → email).
func (it Item) Producer() string {
	if p := it.Meta("producer", "source"); p != "" {
		return strings.ToLower(p)
	}
	stem := strings.TrimSuffix(it.Name, filepath.Ext(it.Name))
	if idx := strings.IndexAny(stem, "_-"); idx > 0 {
		return strings.ToLower(stem[:idx])
	}
	return "inbox"
}

// Dir is a directory-backed inbox.
type Dir struct {
	path string
}

// Open returns the inbox rooted at path, creating it if needed.
func Open(path string) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("inbox: path is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("inbox: ensure %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the inbox directory.
func (d *Dir) Path() string {
	return d.path
}

// List returns every item sorted by name. Hidden and temporary files are skipped.
func (d *Dir) List() ([]Item, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("inbox: read %s: %w", d.path, err)
	}
	var items []Item
	for _, entry := range entries {
		if entry.IsDir() || skipName(entry.Name()) {
			continue
		}
		item, err := d.Read(entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// Read loads a single item by file name.
func (d *Dir) Read(name string) (Item, error) {
	path := filepath.Join(d.path, filepath.Base(name))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("inbox: read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, fmt.Errorf("inbox: stat %s: %w", path, err)
	}
	meta, body := Parse(data)
	return Item{
		Name:     filepath.Base(name),
		Path:     path,
		Metadata: meta,
		Body:     body,
		Raw:      data,
		ModTime:  info.ModTime().UTC(),
	}, nil
}

// Write atomically adds an item. Existing names are not overwritten.
func (d *Dir) Write(name string, data []byte) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || skipName(name) {
		return "", fmt.Errorf("inbox: invalid item name %q", name)
	}
	dest := filepath.Join(d.path, name)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, name)
	}
	tmp, err := os.CreateTemp(d.path, ".incoming-*.tmp")
	if err != nil {
		return "", fmt.Errorf("inbox: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("inbox: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("inbox: close temp: %w", err)
	}
	if err := os.Link(tmpName, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, name)
		}
		return "", fmt.Errorf("inbox: publish %s: %w", name, err)
	}
	return dest, nil
}

// Remove deletes a consumed item. Removing a missing item is not an error.
func (d *Dir) Remove(name string) error {
	path := filepath.Join(d.path, filepath.Base(name))
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("inbox: remove %s: %w", path, err)
	}
	return nil
}

// Parse splits optional YAML frontmatter from the body. Scalar metadata is
// kept as strings and list values are joined with commas.
func Parse(data []byte) (map[string]string, string) {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return map[string]string{}, string(normalized)
	}
	rest := normalized[4:]
	idx := bytes.Index(rest, []byte("\n---"))
	if idx < 0 {
		return map[string]string{}, string(normalized)
	}
	head := rest[:idx]
	body := rest[idx+4:]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 && len(bytes.TrimSpace(body[:nl])) == 0 {
		body = body[nl+1:]
	} else if nl < 0 {
		body = nil
	}
	var raw map[string]any
	if err := yaml.Unmarshal(head, &raw); err != nil {
		return map[string]string{}, string(normalized)
	}
	meta := make(map[string]string, len(raw))
	for key, value := range raw {
		meta[strings.ToLower(strings.TrimSpace(key))] = stringify(value)
	}
	return meta, strings.TrimLeft(string(body), "\n")
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}
