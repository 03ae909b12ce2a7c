// Package store persists TaskPlans as markdown documents split across
// partitions (Plans, Pending_Approval, Approved, Rejected, Done). A record's
// partition follows from its fields, and every move is a write into the
// destination followed by removal of the source, under an exclusive lock.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/kingrea/employee/internal/plan"
)

// Partition is one durable folder a record can live in.
type Partition string

const (
	Plans    Partition = "Plans"
	Pending  Partition = "Pending_Approval"
	Approved Partition = "Approved"
	Rejected Partition = "Rejected"
	Done     Partition = "Done"
)

// Partitions lists every record partition in lifecycle order.
func Partitions() []Partition {
	return []Partition{Plans, Pending, Approved, Rejected, Done}
}

// ParsePartition resolves a partition by name, case-insensitively.
func ParsePartition(value string) (Partition, bool) {
	for _, p := range Partitions() {
		if strings.EqualFold(string(p), strings.TrimSpace(value)) {
			return p, true
		}
	}
	return "", false
}

// PartitionFor returns the partition a record belongs in.
func PartitionFor(p plan.Plan) Partition {
	switch p.Status {
	case plan.StatusPending:
		if p.Routed() {
			return Pending
		}
		return Plans
	case plan.StatusApproved, plan.StatusInProgress:
		return Approved
	case plan.StatusRejected:
		return Rejected
	case plan.StatusExecuted:
		return Done
	}
	return Plans
}

var (
	// ErrNotFound is returned when no partition holds the requested id.
	ErrNotFound = errors.New("store: record not found")
	// ErrExists is returned by Create when the id is already stored.
	ErrExists = errors.New("store: record already exists")
	// ErrStorage matches every StorageError.
	ErrStorage = errors.New("store: storage failure")
)

// StorageError reports a failed durable read or write. No partial state
// change is committed when it is returned.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Store is the partitioned plan store.
type Store struct {
	root string
	lock *flock.Flock
	mu   sync.Mutex
}

// Open prepares the partition folders under root.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("store: root is required")
	}
	for _, p := range Partitions() {
		dir := filepath.Join(root, string(p))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return &Store{root: root, lock: flock.New(filepath.Join(root, ".store.lock"))}, nil
}

// Root returns the directory holding the partitions.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns where a record with id lives in partition p.
func (s *Store) PathFor(p Partition, id string) string {
	return filepath.Join(s.root, string(p), id+".md")
}

// Create stores a new record in the partition its fields select. Creating an
// id that is already stored for the same source is a no-op returning the
// stored record; any other collision returns ErrExists.
func (s *Store) Create(p plan.Plan) (plan.Plan, error) {
	if err := p.Validate(); err != nil {
		return plan.Plan{}, err
	}
	var out plan.Plan
	err := s.withLock(func() error {
		existing, _, err := s.locate(p.ID)
		if err == nil {
			out = existing
			if existing.Source.Ref == p.Source.Ref {
				return nil
			}
			return ErrExists
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := s.writeRecord(PartitionFor(p), p); err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// Get returns the record and the partition it currently lives in.
func (s *Store) Get(id string) (plan.Plan, Partition, error) {
	var (
		out  plan.Plan
		part Partition
	)
	err := s.withLock(func() error {
		var err error
		out, part, err = s.locate(id)
		return err
	})
	return out, part, err
}

// Update loads id, applies fn to a copy and persists the result, moving the
// record if its partition changed. If fn returns an error nothing is written.
func (s *Store) Update(id string, fn func(*plan.Plan) error) (plan.Plan, error) {
	var out plan.Plan
	err := s.withLock(func() error {
		current, from, err := s.locate(id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		if next.ID != current.ID {
			return fmt.Errorf("store: update may not change id %s", current.ID)
		}
		if err := next.Validate(); err != nil {
			return err
		}
		to := PartitionFor(next)
		if err := s.writeRecord(to, next); err != nil {
			return err
		}
		if to != from {
			path := s.PathFor(from, id)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return &StorageError{Op: "remove", Path: path, Err: err}
			}
		}
		out = next
		return nil
	})
	return out, err
}

// List returns the records in partition p ordered by priority, then creation time.
func (s *Store) List(p Partition) ([]plan.Plan, error) {
	var out []plan.Plan
	err := s.withLock(func() error {
		ids, err := s.ids(p)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, part, err := s.locate(id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if part == p {
				out = append(out, rec)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// Reconcile removes copies left behind by an interrupted move. It returns the
// number of stale files deleted.
func (s *Store) Reconcile() (int, error) {
	removed := 0
	err := s.withLock(func() error {
		seen := map[string]struct{}{}
		for _, p := range Partitions() {
			ids, err := s.ids(p)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				n, err := s.dedupe(id)
				if err != nil {
					return err
				}
				removed += n
			}
		}
		return nil
	})
	return removed, err
}

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return &StorageError{Op: "lock", Path: s.lock.Path(), Err: err}
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// locate finds id across partitions. When an interrupted move left two
// copies, the copy with the most advanced status wins, since status never
// regresses.
func (s *Store) locate(id string) (plan.Plan, Partition, error) {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) {
		return plan.Plan{}, "", ErrNotFound
	}
	var (
		best     plan.Plan
		bestPart Partition
		found    bool
	)
	for _, p := range Partitions() {
		rec, err := s.readRecord(p, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return plan.Plan{}, "", err
		}
		if !found || outranks(rec, p, best, bestPart) {
			best, bestPart, found = rec, p, true
		}
	}
	if !found {
		return plan.Plan{}, "", ErrNotFound
	}
	return best, bestPart, nil
}

func outranks(rec plan.Plan, part Partition, best plan.Plan, bestPart Partition) bool {
	if a, b := statusRank(rec), statusRank(best); a != b {
		return a > b
	}
	return PartitionFor(rec) == part && PartitionFor(best) != bestPart
}

func (s *Store) dedupe(id string) (int, error) {
	rec, keep, err := s.locate(id)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range Partitions() {
		if p == keep {
			continue
		}
		path := s.PathFor(p, id)
		if err := os.Remove(path); err == nil {
			removed++
		} else if !errors.Is(err, fs.ErrNotExist) {
			return removed, &StorageError{Op: "remove", Path: path, Err: err}
		}
	}
	if want := PartitionFor(rec); want != keep {
		if err := s.writeRecord(want, rec); err != nil {
			return removed, err
		}
		path := s.PathFor(keep, id)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, &StorageError{Op: "remove", Path: path, Err: err}
		}
		removed++
	}
	return removed, nil
}

func statusRank(rec plan.Plan) int {
	switch rec.Status {
	case plan.StatusPending:
		if rec.Routed() {
			return 1
		}
		return 0
	case plan.StatusApproved:
		return 2
	case plan.StatusInProgress:
		return 3
	case plan.StatusRejected, plan.StatusExecuted:
		return 4
	}
	return -1
}

func (s *Store) ids(p Partition) ([]string, error) {
	dir := filepath.Join(s.root, string(p))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: dir, Err: err}
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".md" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) readRecord(p Partition, id string) (plan.Plan, error) {
	path := s.PathFor(p, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return plan.Plan{}, ErrNotFound
		}
		return plan.Plan{}, &StorageError{Op: "read", Path: path, Err: err}
	}
	rec, err := plan.Unmarshal(data)
	if err != nil {
		return plan.Plan{}, &StorageError{Op: "decode", Path: path, Err: err}
	}
	if rec.ID != id {
		return plan.Plan{}, &StorageError{Op: "decode", Path: path, Err: fmt.Errorf("file holds id %s", rec.ID)}
	}
	return rec, nil
}

func (s *Store) writeRecord(p Partition, rec plan.Plan) error {
	data, err := plan.Marshal(rec)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, string(p))
	tmp, err := os.CreateTemp(dir, "."+rec.ID+"-*.tmp")
	if err != nil {
		return &StorageError{Op: "create temp", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close", Path: tmpName, Err: err}
	}
	dest := s.PathFor(p, rec.ID)
	if err := os.Rename(tmpName, dest); err != nil {
		return &StorageError{Op: "rename", Path: dest, Err: err}
	}
	return nil
}
