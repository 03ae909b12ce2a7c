package activity

import (
	"errors"
	"fmt"
	"time"
)

// Timeline is the decision history of one record rebuilt from the log.
type Timeline struct {
	RecordID     string
	ClassifiedAt time.Time
	RoutedAt     time.Time
	DecidedAt    time.Time
	DecidedBy    string
	Decision     EventType
	ExecutedAt   time.Time
	Events       []Entry
}

// Found reports whether any entry mentioned the record.
func (t Timeline) Found() bool {
	return len(t.Events) > 0
}

// History replays every segment and folds the entries for recordID. The
// first occurrence of each milestone wins.
func (l *Log) History(recordID string) (Timeline, error) {
	entries, err := l.Entries()
	if err != nil {
		return Timeline{}, err
	}
	timeline := Timeline{RecordID: recordID}
	for _, entry := range entries {
		if entry.RecordID != recordID {
			continue
		}
		timeline.Events = append(timeline.Events, entry)
		switch entry.EventType {
		case EventClassified, EventClassificationFailed:
			setOnce(&timeline.ClassifiedAt, entry.Timestamp)
		case EventRoutedPending:
			setOnce(&timeline.RoutedAt, entry.Timestamp)
		case EventAutoApproved, EventApproved, EventRejected:
			setOnce(&timeline.RoutedAt, entry.Timestamp)
			if timeline.DecidedAt.IsZero() {
				timeline.DecidedAt = entry.Timestamp
				timeline.Decision = entry.EventType
				if by, ok := entry.Payload["decided_by"].(string); ok {
					timeline.DecidedBy = by
				}
			}
		case EventExecuted:
			setOnce(&timeline.ExecutedAt, entry.Timestamp)
		}
	}
	return timeline, nil
}

func setOnce(dst *time.Time, value time.Time) {
	if dst.IsZero() {
		*dst = value
	}
}

// ErrChainBroken matches every VerifyError.
var ErrChainBroken = errors.New("activity: hash chain broken")

// VerifyError identifies the first entry that does not verify.
type VerifyError struct {
	Index   int
	EntryID string
	Reason  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("activity: entry %d (%s): %s", e.Index, e.EntryID, e.Reason)
}

func (e *VerifyError) Is(target error) bool { return target == ErrChainBroken }

// Report is the outcome of Verify.
type Report struct {
	// Entries is the number of entries that verified.
	Entries int
	// Torn lists appends cut short by a crash. They never entered the
	// chain, so they do not break it.
	Torn []TornWrite
}

// Verify recomputes every hash and checks each entry links to its
// predecessor.
func (l *Log) Verify() (Report, error) {
	if l == nil {
		return Report{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, torn, err := l.readAll()
	if err != nil {
		return Report{}, err
	}
	quarantined, err := l.quarantined()
	if err != nil {
		return Report{}, err
	}
	report := Report{Torn: append(quarantined, torn...)}
	prev := ""
	for i, entry := range entries {
		report.Entries = i
		if entry.PrevHash != prev {
			return report, &VerifyError{Index: i, EntryID: entry.ID, Reason: "prev_hash does not match preceding entry"}
		}
		want, err := hashEntry(entry)
		if err != nil {
			return report, err
		}
		if entry.Hash != want {
			return report, &VerifyError{Index: i, EntryID: entry.ID, Reason: "hash does not match contents"}
		}
		prev = entry.Hash
	}
	report.Entries = len(entries)
	return report, nil
}
