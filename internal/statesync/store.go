package statesync

import (
	"fmt"
	"sync"
	"time"
)

// Store is the in-memory table of namespace records. It performs no I/O.
type Store struct {
	mu      sync.RWMutex
	records Snapshot
	now     func() time.Time
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		records: DefaultSnapshot(),
		now:     now,
	}
}

func (s *Store) Get(ns Namespace) (Record, error) {
	if !ns.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[ns].Clone(), nil
}

func (s *Store) GetAll() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.Clone()
}

// Merge shallow-merges patch onto the current record of ns and stamps
// lastUpdate. The stamp never moves backwards, even when the clock does.
func (s *Store) Merge(ns Namespace, patch Patch) (Record, Record, error) {
	if !ns.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.records[ns]
	next := old.Clone()
	if next == nil {
		next = Record{}
	}
	for k, v := range patch {
		if k == LastUpdateKey {
			continue
		}
		next[k] = cloneValue(v)
	}
	stamp := s.now().UnixMilli()
	if prev := LastUpdate(old); stamp <= prev {
		stamp = prev + 1
	}
	next[LastUpdateKey] = float64(stamp)
	s.records[ns] = next
	return next.Clone(), old.Clone(), nil
}

// Replace swaps the record of ns wholesale. It reports changed=false when the
// incoming record equals the current one, so replaying a snapshot is a no-op.
func (s *Store) Replace(ns Namespace, record Record) (Record, bool) {
	if !ns.Valid() {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.records[ns]
	if recordsEqual(old, record) {
		return old.Clone(), false
	}
	if record == nil {
		record = DefaultRecord(ns)
	}
	s.records[ns] = record.Clone()
	return old.Clone(), true
}

// overlay merges stored attributes over the current record without stamping.
// It is used when loading persisted records at master start.
func (s *Store) overlay(ns Namespace, stored Record) {
	if !ns.Valid() || len(stored) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.records[ns].Clone()
	for k, v := range stored {
		next[k] = cloneValue(v)
	}
	s.records[ns] = next
}
