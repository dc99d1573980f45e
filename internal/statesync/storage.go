package statesync

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

// StorageChange describes one key transition. A nil value means the key was
// absent on that side.
type StorageChange struct {
	OldValue json.RawMessage
	NewValue json.RawMessage
}

// StorageHost is a shared asynchronous key-value store. OnChanged listeners
// fire for writes made through this host and for external writes.
type StorageHost interface {
	Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, items map[string]json.RawMessage) error
	OnChanged(fn func(map[string]StorageChange)) (remove func())
	Close() error
}

type changeNotifier struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(map[string]StorageChange)
}

func (n *changeNotifier) add(fn func(map[string]StorageChange)) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = map[uint64]func(map[string]StorageChange){}
	}
	n.nextID++
	id := n.nextID
	n.listeners[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

func (n *changeNotifier) fire(changes map[string]StorageChange) {
	if len(changes) == 0 {
		return
	}
	n.mu.Lock()
	fns := make([]func(map[string]StorageChange), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(cloneChanges(changes))
	}
}

func cloneChanges(in map[string]StorageChange) map[string]StorageChange {
	out := make(map[string]StorageChange, len(in))
	for k, c := range in {
		out[k] = StorageChange{
			OldValue: cloneRaw(c.OldValue),
			NewValue: cloneRaw(c.NewValue),
		}
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// sameJSON compares two documents ignoring insignificant whitespace.
func sameJSON(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&cb, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// diffItems returns the changes produced by writing items over current.
func diffItems(current, items map[string]json.RawMessage) map[string]StorageChange {
	changes := map[string]StorageChange{}
	for k, v := range items {
		old, ok := current[k]
		if ok && sameJSON(old, v) {
			continue
		}
		var oldValue json.RawMessage
		if ok {
			oldValue = old
		}
		changes[k] = StorageChange{OldValue: cloneRaw(oldValue), NewValue: cloneRaw(v)}
	}
	return changes
}

// MemoryStorage keeps values in process. Listeners fire synchronously inside
// Set and only for keys whose value changed.
type MemoryStorage struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	notifier changeNotifier
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: map[string]json.RawMessage{}}
}

func (s *MemoryStorage) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = cloneRaw(v)
		}
	}
	return out, nil
}

func (s *MemoryStorage) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, v := range items {
		if !json.Valid(v) {
			return &storageValueError{key: k}
		}
	}
	s.mu.Lock()
	changes := diffItems(s.values, items)
	for k := range changes {
		s.values[k] = cloneRaw(items[k])
	}
	s.mu.Unlock()
	s.notifier.fire(changes)
	return nil
}

func (s *MemoryStorage) OnChanged(fn func(map[string]StorageChange)) func() {
	return s.notifier.add(fn)
}

func (s *MemoryStorage) Close() error {
	return nil
}

type storageValueError struct {
	key string
}

func (e *storageValueError) Error() string {
	return "storage value for " + e.key + " is not valid JSON"
}

func (e *storageValueError) Is(target error) bool {
	return target == ErrInvalidInput
}

func encodeRecord(r Record) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decodeRecord(raw json.RawMessage) (Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return r, nil
}
