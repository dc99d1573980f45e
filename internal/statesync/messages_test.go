package statesync

import (
	"errors"
	"testing"
)

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	msg := UpdateRequest{ID: "popup-1", Namespace: NamespaceEyeTracker, Patch: Patch{"isConnected": true}}
	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, ok := decoded.(UpdateRequest)
	if !ok {
		t.Fatalf("expected UpdateRequest, got %T", decoded)
	}
	if got.ID != "popup-1" || got.Namespace != NamespaceEyeTracker || got.Patch["isConnected"] != true {
		t.Fatalf("unexpected decoded message: %+v", got)
	}
}

func TestFullSyncCarriesInstance(t *testing.T) {
	decoded, err := roundTrip(FullSync{ID: "x", InstanceID: "m-1", Snapshot: DefaultSnapshot()})
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	full := decoded.(FullSync)
	if full.InstanceID != "m-1" {
		t.Fatalf("expected instance m-1, got %q", full.InstanceID)
	}
	if len(full.Snapshot) != len(Namespaces()) {
		t.Fatalf("expected %d namespaces, got %d", len(Namespaces()), len(full.Snapshot))
	}
	if full.Snapshot[NamespaceEyeTracker]["wsUrl"] != "ws://localhost:8765" {
		t.Fatalf("unexpected eyeTracker record: %+v", full.Snapshot[NamespaceEyeTracker])
	}
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":               `{`,
		"missing type":           `{"id":"1"}`,
		"unknown type":           `{"type":"explode"}`,
		"update without ns":      `{"type":"update_request","id":"1","patch":{}}`,
		"state update no record": `{"type":"state_update","namespace":"ui"}`,
		"patch not object":       `{"type":"update_request","id":"1","namespace":"ui","patch":[1]}`,
		"full sync no snapshot":  `{"type":"full_sync"}`,
	}
	for name, raw := range cases {
		if _, err := DecodeMessage([]byte(raw)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", name, err)
		}
	}
}

func TestDecodeMessageKeepsUnknownNamespace(t *testing.T) {
	decoded, err := DecodeMessage([]byte(`{"type":"state_update","namespace":"future","record":{"a":1}}`))
	if err != nil {
		t.Fatalf("expected unknown namespaces to decode, got %v", err)
	}
	if decoded.(StateUpdate).Namespace.Valid() {
		t.Fatalf("expected namespace to be reported invalid")
	}
}

func TestEncodeMessageRejectsNil(t *testing.T) {
	if _, err := EncodeMessage(nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
