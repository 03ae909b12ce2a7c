// Package contacts keeps the registry of known correspondents. The registry is
// a single JSON document keyed by normalized address and guarded by an
// exclusive file lock so concurrent writers never interleave.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/text/unicode/norm"
)

// Contact is one known correspondent.
type Contact struct {
	Address          string    `json:"address"`
	DisplayName      string    `json:"display_name,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	FirstContactAt   time.Time `json:"first_contact_at"`
	LastContactAt    time.Time `json:"last_contact_at,omitempty"`
	InteractionCount int       `json:"interaction_count"`
}

type document struct {
	Version  int                `json:"version"`
	Contacts map[string]Contact `json:"contacts"`
}

// Registry is the durable address-keyed contact store.
type Registry struct {
	path  string
	lock  *flock.Flock
	clock func() time.Time

	writeMu  sync.Mutex
	mu       sync.RWMutex
	contacts map[string]Contact
	// loaded is the file state contacts was read from; nil when the file
	// did not exist.
	loaded os.FileInfo
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for contact timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Open loads the registry at path. A missing file is an empty registry.
func Open(path string, opts ...Option) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("contacts: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("contacts: ensure dir: %w", err)
	}
	r := &Registry{
		path:  path,
		lock:  flock.New(path + ".lock"),
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Normalize canonicalizes an address: display names are stripped, the
// remainder trimmed, lowercased and NFC-normalized.
func Normalize(address string) string {
	trimmed := strings.TrimSpace(address)
	if strings.ContainsAny(trimmed, "<>") {
		if parsed, err := mail.ParseAddress(trimmed); err == nil {
			trimmed = parsed.Address
		}
	}
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(trimmed)))
}

// Path returns the file backing this registry.
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the registry from disk.
func (r *Registry) Reload() error {
	info := r.stat()
	contacts, err := r.read()
	if err != nil {
		return err
	}
	r.set(contacts, info)
	return nil
}

// refresh reloads when another process replaced the file since the last
// load. A failed reload keeps the cached view.
func (r *Registry) refresh() {
	info := r.stat()
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if sameState(loaded, info) {
		return
	}
	if contacts, err := r.read(); err == nil {
		r.set(contacts, info)
	}
}

func (r *Registry) stat() os.FileInfo {
	info, err := os.Stat(r.path)
	if err != nil {
		return nil
	}
	return info
}

func (r *Registry) set(contacts map[string]Contact, info os.FileInfo) {
	r.mu.Lock()
	r.contacts = contacts
	r.loaded = info
	r.mu.Unlock()
}

func sameState(a, b os.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return os.SameFile(a, b) && a.ModTime().Equal(b.ModTime()) && a.Size() == b.Size()
}

// Known reports whether address is in the registry.
func (r *Registry) Known(address string) bool {
	_, ok := r.Lookup(address)
	return ok
}

// Lookup returns the contact for address.
func (r *Registry) Lookup(address string) (Contact, bool) {
	key := Normalize(address)
	if key == "" {
		return Contact{}, false
	}
	r.refresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[key]
	return c, ok
}

// List returns all contacts sorted by address.
func (r *Registry) List() []Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Snapshot returns an immutable view for classification. Contacts added by
// other processes are picked up.
func (r *Registry) Snapshot() Snapshot {
	r.refresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(Snapshot, len(r.contacts))
	for key := range r.contacts {
		snap[key] = struct{}{}
	}
	return snap
}

// Add inserts address if it is not known yet. Existing contacts are returned
// unchanged apart from filling in a missing display name.
func (r *Registry) Add(address, displayName string) (Contact, error) {
	return r.update(address, func(c *Contact, existed bool) bool {
		name := strings.TrimSpace(displayName)
		if existed && (c.DisplayName != "" || name == "") {
			return false
		}
		if name != "" {
			c.DisplayName = name
		}
		return true
	})
}

// RecordInteraction registers an exchange with address, creating the contact
// on first use. The interaction count only ever increases.
func (r *Registry) RecordInteraction(address, displayName string) (Contact, error) {
	now := r.clock().UTC()
	return r.update(address, func(c *Contact, existed bool) bool {
		if c.DisplayName == "" {
			c.DisplayName = strings.TrimSpace(displayName)
		}
		c.InteractionCount++
		c.LastContactAt = now
		return true
	})
}

func (r *Registry) update(address string, mutate func(c *Contact, existed bool) bool) (Contact, error) {
	key := Normalize(address)
	if key == "" {
		return Contact{}, fmt.Errorf("contacts: address is required")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return Contact{}, fmt.Errorf("contacts: lock %s: %w", r.path, err)
	}
	defer func() { _ = r.lock.Unlock() }()

	contacts, err := r.read()
	if err != nil {
		return Contact{}, err
	}
	c, existed := contacts[key]
	if !existed {
		c = Contact{Address: key, FirstContactAt: r.clock().UTC()}
	}
	if !mutate(&c, existed) && existed {
		r.set(contacts, r.stat())
		return c, nil
	}
	contacts[key] = c
	if err := r.write(contacts); err != nil {
		return Contact{}, err
	}
	r.set(contacts, r.stat())
	return c, nil
}

func (r *Registry) read() (map[string]Contact, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Contact{}, nil
		}
		return nil, fmt.Errorf("contacts: read %s: %w", r.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("contacts: parse %s: %w", r.path, err)
	}
	contacts := make(map[string]Contact, len(doc.Contacts))
	for _, c := range doc.Contacts {
		key := Normalize(c.Address)
		if key == "" {
			continue
		}
		c.Address = key
		if prev, ok := contacts[key]; ok && prev.InteractionCount > c.InteractionCount {
			c.InteractionCount = prev.InteractionCount
		}
		contacts[key] = c
	}
	return contacts, nil
}

func (r *Registry) write(contacts map[string]Contact) error {
	data, err := json.MarshalIndent(document{Version: 1, Contacts: contacts}, "", "  ")
	if err != nil {
		return fmt.Errorf("contacts: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".contacts-*.tmp")
	if err != nil {
		return fmt.Errorf("contacts: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("contacts: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("contacts: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("contacts: close temp: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("contacts: replace %s: %w", r.path, err)
	}
	return nil
}

// Snapshot is a point-in-time set of known addresses.
type Snapshot map[string]struct{}

// Known reports whether address was in the registry when the snapshot was taken.
func (s Snapshot) Known(address string) bool {
	_, ok := s[Normalize(address)]
	return ok
}
