package statesync

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestStoreMergeStampsLastUpdate(t *testing.T) {
	s := NewStore(fixedClock(1000))
	next, old, err := s.Merge(NamespaceEyeTracker, Patch{"isConnected": true})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if old["isConnected"] != false {
		t.Fatalf("expected old record to be the default, got %+v", old)
	}
	if next["isConnected"] != true {
		t.Fatalf("expected isConnected=true, got %+v", next)
	}
	if next["status"] != "disconnected" {
		t.Fatalf("expected untouched attributes to survive the merge, got %+v", next)
	}
	if LastUpdate(next) != 1000 {
		t.Fatalf("expected lastUpdate 1000, got %d", LastUpdate(next))
	}
}

func TestStoreLastUpdateStrictlyIncreases(t *testing.T) {
	s := NewStore(fixedClock(5000))
	first, _, _ := s.Merge(NamespaceUser, Patch{"email": "a@example.com"})
	second, _, _ := s.Merge(NamespaceUser, Patch{"email": "b@example.com"})
	if LastUpdate(second) <= LastUpdate(first) {
		t.Fatalf("expected lastUpdate to increase, got %d then %d", LastUpdate(first), LastUpdate(second))
	}
}

func TestStoreMergeIgnoresCallerLastUpdate(t *testing.T) {
	s := NewStore(fixedClock(2000))
	next, _, _ := s.Merge(NamespaceUI, Patch{LastUpdateKey: float64(1)})
	if LastUpdate(next) != 2000 {
		t.Fatalf("expected store stamp 2000, got %d", LastUpdate(next))
	}
}

func TestStoreRejectsUnknownNamespace(t *testing.T) {
	s := NewStore(nil)
	if _, _, err := s.Merge(Namespace("nope"), Patch{"a": 1}); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace, got %v", err)
	}
	if _, err := s.Get(Namespace("nope")); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace from Get, got %v", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(nil)
	rec, _ := s.Get(NamespaceUI)
	rec["activeScreen"] = "mutated"
	again, _ := s.Get(NamespaceUI)
	if again["activeScreen"] != "home" {
		t.Fatalf("expected store to be isolated from caller mutation, got %v", again["activeScreen"])
	}
}

func TestStoreReplaceReportsChange(t *testing.T) {
	s := NewStore(nil)
	incoming := DefaultRecord(NamespaceRecording)
	incoming["isRecording"] = true
	if _, changed := s.Replace(NamespaceRecording, incoming); !changed {
		t.Fatalf("expected first replace to report a change")
	}
	if _, changed := s.Replace(NamespaceRecording, incoming); changed {
		t.Fatalf("expected identical replace to be a no-op")
	}
}

func TestNormalizePatchUsesJSONShapes(t *testing.T) {
	patch, err := normalizePatch(Patch{"count": 3, "tags": []string{"a"}})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if _, ok := patch["count"].(float64); !ok {
		t.Fatalf("expected count as float64, got %T", patch["count"])
	}
	if _, ok := patch["tags"].([]any); !ok {
		t.Fatalf("expected tags as []any, got %T", patch["tags"])
	}
	if _, err := normalizePatch(Patch{"bad": make(chan int)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-JSON value, got %v", err)
	}
}

func TestParseNamespace(t *testing.T) {
	ns, err := ParseNamespace(" recording ")
	if err != nil || ns != NamespaceRecording {
		t.Fatalf("expected recording, got %q (%v)", ns, err)
	}
	if _, err := ParseNamespace("Recording"); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected namespaces to be case sensitive, got %v", err)
	}
	if !NamespaceUser.Persisted() || NamespaceUI.Persisted() || NamespaceSystem.Persisted() {
		t.Fatalf("unexpected persisted namespace set")
	}
}
