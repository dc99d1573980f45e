package statesync

import (
	"sync"
	"testing"
)

func TestRegistrySubscribeCallsImmediately(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	current := DefaultRecord(NamespaceUI)
	var got Record
	unsubscribe, err := r.Subscribe(NamespaceUI, func() Record { return current }, func(next, _ Record, _ Patch) {
		got = next
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()
	if got == nil || got["activeScreen"] != "home" {
		t.Fatalf("expected listener to receive the current value before Subscribe returned, got %+v", got)
	}
}

func TestRegistryDeliversInOrder(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var mu sync.Mutex
	var seen []float64
	_, err := r.Subscribe(NamespaceRecording, func() Record { return Record{} }, func(next, _ Record, patch Patch) {
		if patch == nil {
			return
		}
		mu.Lock()
		seen = append(seen, next["n"].(float64))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	for i := 1; i <= 50; i++ {
		r.Publish(NamespaceRecording, Record{"n": float64(i)}, Record{}, Patch{"n": float64(i)})
	}
	r.waitIdle()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("expected 50 notifications, got %d", len(seen))
	}
	for i, v := range seen {
		if v != float64(i+1) {
			t.Fatalf("expected notification %d to carry %d, got %v", i, i+1, v)
		}
	}
}

func TestRegistryDropsRepeatOfInitialValue(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	// The store already holds merged, but the publish for it lands after
	// Subscribe read the value.
	merged := Record{"email": "a@example.com", LastUpdateKey: float64(7)}
	var mu sync.Mutex
	var seen []Record
	_, err := r.Subscribe(NamespaceUser, func() Record { return merged.Clone() }, func(next, _ Record, _ Patch) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	r.Publish(NamespaceUser, merged.Clone(), Record{}, Patch{"email": "a@example.com"})
	r.Publish(NamespaceUser, Record{"email": "b@example.com", LastUpdateKey: float64(8)}, merged.Clone(), Patch{"email": "b@example.com"})
	r.Publish(NamespaceUser, merged.Clone(), Record{}, Patch{"email": "a@example.com"})
	r.waitIdle()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected initial call plus two changes, got %d: %+v", len(seen), seen)
	}
	if seen[1]["email"] != "b@example.com" || seen[2]["email"] != "a@example.com" {
		t.Fatalf("expected only the first repeat to be dropped, got %+v", seen)
	}
}

func TestRegistryIsolatesPanickingListener(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	calls := 0
	if _, err := r.Subscribe(NamespaceSystem, func() Record { return Record{} }, func(_, _ Record, patch Patch) {
		if patch != nil {
			panic("boom")
		}
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := r.Subscribe(NamespaceSystem, func() Record { return Record{} }, func(_, _ Record, patch Patch) {
		if patch != nil {
			calls++
		}
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	r.Publish(NamespaceSystem, Record{"error": "x"}, Record{}, Patch{"error": "x"})
	r.waitIdle()
	if calls != 1 {
		t.Fatalf("expected sibling listener to run once, got %d", calls)
	}
}

func TestRegistryUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	calls := 0
	unsubscribe, err := r.Subscribe(NamespaceUser, func() Record { return Record{} }, func(_, _ Record, patch Patch) {
		if patch != nil {
			calls++
		}
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	unsubscribe()
	unsubscribe()
	r.Publish(NamespaceUser, Record{"email": "a"}, Record{}, Patch{"email": "a"})
	r.waitIdle()
	if calls != 0 {
		t.Fatalf("expected no notifications after unsubscribe, got %d", calls)
	}
}

func TestRegistryRejectsUnknownNamespace(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()
	if _, err := r.Subscribe(Namespace("bogus"), func() Record { return nil }, func(_, _ Record, _ Patch) {}); err == nil {
		t.Fatalf("expected error for unknown namespace")
	}
}

func TestRegistryClosedRefusesSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	r.Close()
	r.Close()
	if _, err := r.Subscribe(NamespaceUI, func() Record { return nil }, func(_, _ Record, _ Patch) {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
