package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type changeRecorder struct {
	mu      sync.Mutex
	batches []map[string]StorageChange
}

func (r *changeRecorder) record(changes map[string]StorageChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, changes)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *changeRecorder) last() map[string]StorageChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

func TestMemoryStorageFiresOnlyForChangedKeys(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	rec := &changeRecorder{}
	remove := storage.OnChanged(rec.record)

	if err := storage.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`{"x":true}`)}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := storage.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`{ "x": true }`)}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected equal values to stay silent, got %d batches", rec.count())
	}
	if err := storage.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`2`)}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	change, ok := rec.last()["a"]
	if !ok || string(change.OldValue) != "1" || string(change.NewValue) != "2" {
		t.Fatalf("expected a: 1 -> 2, got %+v", rec.last())
	}

	remove()
	_ = storage.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`3`)})
	if rec.count() != 2 {
		t.Fatalf("expected no callbacks after removal, got %d batches", rec.count())
	}
	if err := storage.Set(ctx, map[string]json.RawMessage{"bad": json.RawMessage(`{`)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for invalid JSON, got %v", err)
	}
}

func TestFileStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	storage, err := NewFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatalf("new file storage failed: %v", err)
	}
	defer storage.Close()
	ctx := context.Background()

	if err := storage.Set(ctx, map[string]json.RawMessage{NamespaceUser.StorageKey(): json.RawMessage(`{"email":"a@example.com"}`)}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, got %v", err)
	}

	reopened, err := NewFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	values, err := reopened.Get(ctx, []string{NamespaceUser.StorageKey(), "missing"})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("expected only present keys, got %+v", values)
	}
	if !sameJSON(values[NamespaceUser.StorageKey()], json.RawMessage(`{"email":"a@example.com"}`)) {
		t.Fatalf("unexpected stored value %s", values[NamespaceUser.StorageKey()])
	}
}

func TestFileStorageObservesExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	storage, err := NewFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatalf("new file storage failed: %v", err)
	}
	defer storage.Close()
	if storage.watcher == nil {
		t.Skip("fsnotify watcher unavailable on this platform")
	}
	rec := &changeRecorder{}
	storage.OnChanged(rec.record)

	other, err := NewFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatalf("second file storage failed: %v", err)
	}
	defer other.Close()
	key := NamespaceRecording.StorageKey()
	if err := other.Set(context.Background(), map[string]json.RawMessage{key: json.RawMessage(`{"isRecording":true}`)}); err != nil {
		t.Fatalf("external set failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		last := rec.last()
		if last == nil {
			return false
		}
		_, ok := last[key]
		return ok
	}, "expected change notification for %s", key)
	change := rec.last()[key]
	if change.OldValue != nil || !sameJSON(change.NewValue, json.RawMessage(`{"isRecording":true}`)) {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestBuildStorageFromDSN(t *testing.T) {
	for _, dsn := range []string{"", "memory://", "mem://", "inmem://"} {
		storage, err := BuildStorageFromDSN(dsn, nil)
		if err != nil {
			t.Fatalf("%q: build failed: %v", dsn, err)
		}
		if _, ok := storage.(*MemoryStorage); !ok {
			t.Fatalf("%q: expected *MemoryStorage, got %T", dsn, storage)
		}
	}

	dir := t.TempDir()
	for _, dsn := range []string{"file://" + filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")} {
		storage, err := BuildStorageFromDSN(dsn, zap.NewNop())
		if err != nil {
			t.Fatalf("%q: build failed: %v", dsn, err)
		}
		if _, ok := storage.(*FileStorage); !ok {
			t.Fatalf("%q: expected *FileStorage, got %T", dsn, storage)
		}
		_ = storage.Close()
	}

	storage, err := BuildStorageFromDSN("postgres://localhost/relaystate?sslmode=disable", nil)
	if err != nil {
		t.Fatalf("expected postgres storage to build lazily, got %v", err)
	}
	if _, ok := storage.(*PostgresStorage); !ok {
		t.Fatalf("expected *PostgresStorage, got %T", storage)
	}

	if _, err := BuildStorageFromDSN("redis://localhost:6379", nil); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for redis, got %v", err)
	}
	if _, err := BuildStorageFromDSN("mysql://localhost/db", nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterStorageFactoryTakesPrecedence(t *testing.T) {
	want := NewMemoryStorage()
	var got string
	RegisterStorageFactory("Custom", func(dsn string, _ *zap.Logger) (StorageHost, error) {
		got = dsn
		return want, nil
	})
	storage, err := BuildStorageFromDSN("custom://bucket/state", nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if storage != want || got != "custom://bucket/state" {
		t.Fatalf("expected registered factory to serve the dsn, got %T from %q", storage, got)
	}
}

func TestEtcdTarget(t *testing.T) {
	cases := []struct {
		dsn       string
		endpoints []string
		prefix    string
	}{
		{"etcd://127.0.0.1:2379", []string{"http://127.0.0.1:2379"}, "/relaystate/"},
		{"etcd://a:2379,b:2379/apps/state/", []string{"http://a:2379", "http://b:2379"}, "/apps/state/"},
		{"etcd://a:2379/x?tls=true", []string{"https://a:2379"}, "/x/"},
	}
	for _, tc := range cases {
		endpoints, prefix, err := etcdTarget(tc.dsn)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", tc.dsn, err)
		}
		if len(endpoints) != len(tc.endpoints) {
			t.Fatalf("%s: expected endpoints %v, got %v", tc.dsn, tc.endpoints, endpoints)
		}
		for i := range endpoints {
			if endpoints[i] != tc.endpoints[i] {
				t.Fatalf("%s: expected endpoints %v, got %v", tc.dsn, tc.endpoints, endpoints)
			}
		}
		if prefix != tc.prefix {
			t.Fatalf("%s: expected prefix %q, got %q", tc.dsn, tc.prefix, prefix)
		}
	}
	if _, _, err := etcdTarget("etcd:///only-prefix"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without endpoints, got %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`relay"state`); got != `"relay""state"` {
		t.Fatalf("expected embedded quote to be doubled, got %s", got)
	}
}
