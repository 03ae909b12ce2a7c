// Package activity is the append-only audit log of the pipeline. Entries
// are written one JSON object per line into daily segments and chained by
// hash, so a record's decision history can be rebuilt from the log alone.
package activity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// EventType names a state transition or classification decision.
type EventType string

const (
	EventItemIngested         EventType = "item_ingested"
	EventPlanCreated          EventType = "plan_created"
	EventClassified           EventType = "classified"
	EventClassificationFailed EventType = "classification_failed"
	EventRoutedPending        EventType = "routed_pending"
	EventAutoApproved         EventType = "auto_approved"
	EventApproved             EventType = "approved"
	EventApprovalRepeated     EventType = "approval_repeated"
	EventRejected             EventType = "rejected"
	EventExecutionClaimed     EventType = "execution_claimed"
	EventExecuted             EventType = "executed"
	EventExecutionFailed      EventType = "execution_failed"
	EventExecutionStalled     EventType = "execution_stalled"
	EventAlreadyExecuted      EventType = "already_executed"
	EventRetryRequested       EventType = "retry_requested"
)

// Entry is one line of the log.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	RecordID  string         `json:"record_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

const (
	segmentPrefix  = "activity_"
	quarantineName = "torn_writes.jsonl"
)

// TornWrite is the fragment of an append that never finished.
type TornWrite struct {
	Segment string `json:"segment"`
	Line    int    `json:"line"`
	Data    string `json:"data"`
}

// Log appends entries under dir.
type Log struct {
	dir   string
	lock  *flock.Flock
	clock func() time.Time
	mu    sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a log that writes its segments into dir.
func New(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("activity: ensure dir: %w", err)
	}
	l := &Log{
		dir:   dir,
		lock:  flock.New(filepath.Join(dir, ".activity.lock")),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the directory holding the segments.
func (l *Log) Dir() string {
	if l == nil {
		return ""
	}
	return l.dir
}

// Append writes a single entry, chaining it to the last entry on disk.
func (l *Log) Append(event EventType, recordID string, payload map[string]any) (Entry, error) {
	if l == nil {
		return Entry{}, nil
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("activity: encode payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.Lock(); err != nil {
		return Entry{}, fmt.Errorf("activity: lock: %w", err)
	}
	defer func() { _ = l.lock.Unlock() }()

	if err := l.repairTail(); err != nil {
		return Entry{}, err
	}
	prev, err := l.lastHash()
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: l.clock().UTC(),
		EventType: event,
		RecordID:  recordID,
		Payload:   normalized,
		PrevHash:  prev,
	}
	if entry.Hash, err = hashEntry(entry); err != nil {
		return Entry{}, err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("activity: encode entry: %w", err)
	}
	if err := appendFile(filepath.Join(l.dir, segmentName(entry.Timestamp)), append(line, '\n')); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Entries returns every entry across all segments in append order.
func (l *Log) Entries() ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, _, err := l.readAll()
	return entries, err
}

// Tail returns up to maxLines of the most recent raw entries and the total
// number of entries in the log.
func (l *Log) Tail(maxLines int) ([]string, int) {
	if l == nil {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	segments, err := l.segments()
	if err != nil {
		return nil, 0
	}
	var lines []string
	for _, segment := range segments {
		data, err := os.ReadFile(segment)
		if err != nil {
			return nil, 0
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
	}
	total := len(lines)
	if maxLines <= 0 {
		return nil, total
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

func (l *Log) segments() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("activity: list segments: %w", err)
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || filepath.Ext(name) != ".jsonl" {
			continue
		}
		out = append(out, filepath.Join(l.dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func (l *Log) readAll() ([]Entry, []TornWrite, error) {
	segments, err := l.segments()
	if err != nil {
		return nil, nil, err
	}
	var (
		out  []Entry
		torn []TornWrite
	)
	for _, segment := range segments {
		entries, tw, err := readSegment(segment)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, entries...)
		if tw != nil {
			torn = append(torn, *tw)
		}
	}
	return out, torn, nil
}

func (l *Log) lastHash() (string, error) {
	segments, err := l.segments()
	if err != nil {
		return "", err
	}
	for i := len(segments) - 1; i >= 0; i-- {
		entries, _, err := readSegment(segments[i])
		if err != nil {
			return "", err
		}
		if len(entries) > 0 {
			return entries[len(entries)-1].Hash, nil
		}
	}
	return "", nil
}

// readSegment decodes one segment. An unterminated final line that does not
// decode is an append cut short by a crash; it is returned as a TornWrite
// rather than an error. A bad line anywhere else is an error.
func readSegment(path string) ([]Entry, *TornWrite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("activity: read %s: %w", path, err)
	}
	lines := bytes.Split(data, []byte{'\n'})
	var out []Entry
	for i, raw := range lines {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			if i == len(lines)-1 {
				return out, &TornWrite{Segment: filepath.Base(path), Line: i + 1, Data: string(raw)}, nil
			}
			return nil, nil, fmt.Errorf("activity: %s:%d: %w", filepath.Base(path), i+1, err)
		}
		out = append(out, entry)
	}
	return out, nil, nil
}

// repairTail makes the newest segment end on a line boundary before the next
// append. A torn final line is moved to the quarantine file and cut off, so
// the chain continues from the last complete entry.
func (l *Log) repairTail() error {
	segments, err := l.segments()
	if err != nil || len(segments) == 0 {
		return err
	}
	path := segments[len(segments)-1]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("activity: read %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	tail := bytes.TrimSpace(data[cut:])
	var entry Entry
	if len(tail) == 0 || json.Unmarshal(tail, &entry) == nil {
		// Only the newline is missing.
		return appendFile(path, []byte{'\n'})
	}
	torn := TornWrite{
		Segment: filepath.Base(path),
		Line:    bytes.Count(data[:cut], []byte{'\n'}) + 1,
		Data:    string(data[cut:]),
	}
	line, err := json.Marshal(torn)
	if err != nil {
		return fmt.Errorf("activity: encode torn write: %w", err)
	}
	if err := appendFile(filepath.Join(l.dir, quarantineName), append(line, '\n')); err != nil {
		return err
	}
	if err := os.Truncate(path, int64(cut)); err != nil {
		return fmt.Errorf("activity: truncate %s: %w", path, err)
	}
	return nil
}

// quarantined lists the torn writes cut from segments so far.
func (l *Log) quarantined() ([]TornWrite, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, quarantineName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("activity: read %s: %w", quarantineName, err)
	}
	var out []TornWrite
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		if raw = bytes.TrimSpace(raw); len(raw) == 0 {
			continue
		}
		var tw TornWrite
		if err := json.Unmarshal(raw, &tw); err != nil {
			return nil, fmt.Errorf("activity: decode %s: %w", quarantineName, err)
		}
		out = append(out, tw)
	}
	return out, nil
}

func appendFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("activity: open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("activity: write %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("activity: sync %s: %w", path, err)
	}
	return nil
}

func segmentName(ts time.Time) string {
	return segmentPrefix + ts.UTC().Format("20060102") + ".jsonl"
}

// normalizePayload passes the payload through JSON so the value hashed at
// append time is the value a reader decodes later.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func hashEntry(entry Entry) (string, error) {
	view := map[string]any{
		"id":         entry.ID,
		"timestamp":  entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type": string(entry.EventType),
		"record_id":  entry.RecordID,
		"prev_hash":  entry.PrevHash,
	}
	if len(entry.Payload) > 0 {
		view["payload"] = entry.Payload
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("activity: encode hash view: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("activity: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
