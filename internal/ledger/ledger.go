// Package ledger records which inbox items have been turned into plans. The
// SQLite table is the source of truth; the in-memory map only short-circuits
// lookups for keys the table has already confirmed.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one ledger row.
type Entry struct {
	Key         string
	ItemName    string
	PlanID      string
	ReservedAt  time.Time
	CompletedAt time.Time
}

// Completed reports whether the item was fully consumed.
func (e Entry) Completed() bool {
	return !e.CompletedAt.IsZero()
}

// Ledger is the durable processed-item record.
type Ledger struct {
	db    *sql.DB
	clock func() time.Time

	mu    sync.RWMutex
	cache map[string]Entry
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for ledger timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// Open opens (or creates) the ledger database at path.
func Open(path string, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	l := &Ledger{
		db:    db,
		clock: func() time.Time { return time.Now().UTC() },
		cache: make(map[string]Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) migrate(ctx context.Context) error {
	const query = `
	CREATE TABLE IF NOT EXISTS processed_items (
		item_key TEXT PRIMARY KEY,
		item_name TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		reserved_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT ''
	);`
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Reserve binds key to planID unless the key was reserved before, in which
// case the earlier entry wins. The returned entry is what is on disk.
func (l *Ledger) Reserve(ctx context.Context, key, itemName, planID string) (Entry, bool, error) {
	if key == "" || planID == "" {
		return Entry{}, false, fmt.Errorf("ledger: key and plan id are required")
	}
	if cached, ok := l.cached(key); ok {
		return cached, false, nil
	}
	now := l.clock().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_items (item_key, item_name, plan_id, reserved_at) VALUES (?, ?, ?, ?)`,
		key, itemName, planID, now)
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: reserve %s: %w", key, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: reserve %s: %w", key, err)
	}
	entry, found, err := l.load(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !found {
		return Entry{}, false, fmt.Errorf("ledger: reserve %s: row vanished", key)
	}
	return entry, inserted == 1, nil
}

// Complete marks key as fully consumed.
func (l *Ledger) Complete(ctx context.Context, key string) error {
	now := l.clock().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx,
		`UPDATE processed_items SET completed_at = ? WHERE item_key = ? AND completed_at = ''`, now, key)
	if err != nil {
		return fmt.Errorf("ledger: complete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, found, err := l.load(ctx, key); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("ledger: complete %s: not reserved", key)
		}
	}
	entry, _, err := l.load(ctx, key)
	if err != nil {
		return err
	}
	l.remember(entry)
	return nil
}

// Lookup returns the entry for key.
func (l *Ledger) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	if cached, ok := l.cached(key); ok {
		return cached, true, nil
	}
	entry, found, err := l.load(ctx, key)
	if err != nil || !found {
		return Entry{}, found, err
	}
	if entry.Completed() {
		l.remember(entry)
	}
	return entry, true, nil
}

// Processed reports whether key was fully consumed.
func (l *Ledger) Processed(ctx context.Context, key string) (bool, error) {
	entry, found, err := l.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return found && entry.Completed(), nil
}

// Pending lists reservations that never completed, oldest first.
func (l *Ledger) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT item_key, item_name, plan_id, reserved_at, completed_at FROM processed_items WHERE completed_at = '' ORDER BY reserved_at`)
	if err != nil {
		return nil, fmt.Errorf("ledger: pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: pending: %w", err)
	}
	return out, nil
}

func (l *Ledger) load(ctx context.Context, key string) (Entry, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT item_key, item_name, plan_id, reserved_at, completed_at FROM processed_items WHERE item_key = ?`, key)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return entry, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var entry Entry
	var reserved, completed string
	if err := s.Scan(&entry.Key, &entry.ItemName, &entry.PlanID, &reserved, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("ledger: scan: %w", err)
	}
	var err error
	if entry.ReservedAt, err = parseTime(reserved); err != nil {
		return Entry{}, fmt.Errorf("ledger: parse reserved_at: %w", err)
	}
	if entry.CompletedAt, err = parseTime(completed); err != nil {
		return Entry{}, fmt.Errorf("ledger: parse completed_at: %w", err)
	}
	return entry, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func (l *Ledger) cached(key string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.cache[key]
	return entry, ok
}

func (l *Ledger) remember(entry Entry) {
	if !entry.Completed() {
		return
	}
	l.mu.Lock()
	l.cache[entry.Key] = entry
	l.mu.Unlock()
}
