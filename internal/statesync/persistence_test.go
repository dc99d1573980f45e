package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingStorage struct {
	*MemoryStorage
	mu     sync.Mutex
	writes []map[string]json.RawMessage
	fail   error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{MemoryStorage: NewMemoryStorage()}
}

func (s *countingStorage) Set(ctx context.Context, items map[string]json.RawMessage) error {
	s.mu.Lock()
	s.writes = append(s.writes, items)
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.MemoryStorage.Set(ctx, items)
}

func (s *countingStorage) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func TestWriteQueueCoalescesWithinWindow(t *testing.T) {
	storage := newCountingStorage()
	q := newWriteQueue(storage, 30*time.Millisecond, nil)
	defer q.Close(context.Background())

	for i := 0; i < 10; i++ {
		q.Schedule(NamespaceRecording, Record{"duration": float64(i)})
	}
	if !q.IsPending(NamespaceRecording) {
		t.Fatalf("expected pending write after schedule")
	}
	waitFor(t, time.Second, func() bool { return !q.IsPending(NamespaceRecording) }, "expected pending mark to clear")
	if got := storage.writeCount(); got != 1 {
		t.Fatalf("expected a single coalesced write, got %d", got)
	}
	values, _ := storage.Get(context.Background(), []string{NamespaceRecording.StorageKey()})
	rec, err := decodeRecord(values[NamespaceRecording.StorageKey()])
	if err != nil {
		t.Fatalf("decode stored record: %v", err)
	}
	if rec["duration"] != float64(9) {
		t.Fatalf("expected latest value to be written, got %+v", rec)
	}
}

func TestWriteQueueSkipsNonPersistedNamespaces(t *testing.T) {
	storage := newCountingStorage()
	q := newWriteQueue(storage, 10*time.Millisecond, nil)
	q.Schedule(NamespaceUI, Record{"activeScreen": "x"})
	q.Schedule(NamespaceSystem, Record{"error": "x"})
	if q.IsPending(NamespaceUI) || q.IsPending(NamespaceSystem) {
		t.Fatalf("expected non-persisted namespaces to never be pending")
	}
	q.Close(context.Background())
	if got := storage.writeCount(); got != 0 {
		t.Fatalf("expected no writes, got %d", got)
	}
}

func TestWriteQueueClearsPendingOnFailure(t *testing.T) {
	storage := newCountingStorage()
	storage.fail = errors.New("disk full")
	q := newWriteQueue(storage, 10*time.Millisecond, nil)
	defer q.Close(context.Background())

	q.Schedule(NamespaceUser, Record{"email": "a@example.com"})
	waitFor(t, time.Second, func() bool { return !q.IsPending(NamespaceUser) }, "expected pending mark to clear after a failed write")
}

func TestWriteQueueFlushWritesImmediately(t *testing.T) {
	storage := newCountingStorage()
	q := newWriteQueue(storage, time.Hour, nil)
	q.Schedule(NamespaceEyeTracker, Record{"isConnected": true})
	q.Flush(context.Background())
	if got := storage.writeCount(); got != 1 {
		t.Fatalf("expected flush to write once, got %d", got)
	}
	if q.IsPending(NamespaceEyeTracker) {
		t.Fatalf("expected nothing pending after flush")
	}
	q.Close(context.Background())
}

func TestWriteQueueLoadSkipsUnreadableRecords(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	if err := storage.Set(ctx, map[string]json.RawMessage{
		NamespaceUser.StorageKey():      json.RawMessage(`{"email":"a@example.com"}`),
		NamespaceRecording.StorageKey(): json.RawMessage(`"not a record"`),
		NamespaceUI.StorageKey():        json.RawMessage(`{"activeScreen":"ignored"}`),
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}
	q := newWriteQueue(storage, 0, nil)
	loaded, err := q.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded[NamespaceUser]["email"] != "a@example.com" {
		t.Fatalf("expected user record to load, got %+v", loaded)
	}
	if _, ok := loaded[NamespaceRecording]; ok {
		t.Fatalf("expected unreadable record to be skipped")
	}
	if _, ok := loaded[NamespaceUI]; ok {
		t.Fatalf("expected non-persisted namespace to be ignored")
	}
}

func TestWriteQueueSteadyUpdatesStillFlush(t *testing.T) {
	storage := newCountingStorage()
	q := newWriteQueue(storage, 20*time.Millisecond, nil)
	defer q.Close(context.Background())

	stop := time.Now().Add(150 * time.Millisecond)
	for i := 0; time.Now().Before(stop); i++ {
		q.Schedule(NamespaceRecording, Record{"duration": float64(i)})
		time.Sleep(2 * time.Millisecond)
	}
	if storage.writeCount() == 0 {
		t.Fatalf("expected continuous updates to produce writes")
	}
}
