package statesync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Namespace names one independently updated slice of the shared state.
type Namespace string

const (
	NamespaceEyeTracker Namespace = "eyeTracker"
	NamespaceRecording  Namespace = "recording"
	NamespaceUser       Namespace = "user"
	NamespaceUI         Namespace = "ui"
	NamespaceSystem     Namespace = "system"
)

// LastUpdateKey is stamped by the master on every merge, in Unix milliseconds.
const LastUpdateKey = "lastUpdate"

const storageKeyPrefix = "relaystate:"

var allNamespaces = []Namespace{
	NamespaceEyeTracker,
	NamespaceRecording,
	NamespaceUser,
	NamespaceUI,
	NamespaceSystem,
}

var persistedNamespaces = map[Namespace]bool{
	NamespaceEyeTracker: true,
	NamespaceRecording:  true,
	NamespaceUser:       true,
}

// Record is the current attribute map of one namespace. Values are
// JSON-compatible: string, float64, bool, nil, []any and map[string]any.
type Record map[string]any

// Patch is a partial attribute map shallow-merged onto a Record.
type Patch map[string]any

// Snapshot holds one record per namespace.
type Snapshot map[Namespace]Record

func Namespaces() []Namespace {
	return append([]Namespace(nil), allNamespaces...)
}

func PersistedNamespaces() []Namespace {
	out := make([]Namespace, 0, len(persistedNamespaces))
	for _, ns := range allNamespaces {
		if persistedNamespaces[ns] {
			out = append(out, ns)
		}
	}
	return out
}

func (n Namespace) Valid() bool {
	for _, ns := range allNamespaces {
		if ns == n {
			return true
		}
	}
	return false
}

func (n Namespace) Persisted() bool {
	return persistedNamespaces[n]
}

func (n Namespace) StorageKey() string {
	return storageKeyPrefix + string(n)
}

func ParseNamespace(raw string) (Namespace, error) {
	ns := Namespace(strings.TrimSpace(raw))
	if !ns.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, raw)
	}
	return ns, nil
}

func namespaceFromStorageKey(key string) (Namespace, bool) {
	rest, ok := strings.CutPrefix(key, storageKeyPrefix)
	if !ok {
		return "", false
	}
	ns := Namespace(rest)
	return ns, ns.Valid()
}

// DefaultRecord returns a fresh copy of the default record for ns, or nil
// when ns is unknown.
func DefaultRecord(ns Namespace) Record {
	switch ns {
	case NamespaceEyeTracker:
		return Record{
			"status":             "disconnected",
			"isConnected":        false,
			"isCalibrated":       false,
			"isTracking":         false,
			"error":              nil,
			"wsUrl":              "ws://localhost:8765",
			"calibrationQuality": nil,
			LastUpdateKey:        float64(0),
		}
	case NamespaceRecording:
		return Record{
			"isRecording": false,
			"isPaused":    false,
			"sessionId":   nil,
			"startTime":   nil,
			"duration":    float64(0),
			LastUpdateKey: float64(0),
		}
	case NamespaceUser:
		return Record{
			"isAuthenticated":     false,
			"userId":              nil,
			"email":               nil,
			"selectedProjectId":   nil,
			"selectedProjectName": nil,
			LastUpdateKey:         float64(0),
		}
	case NamespaceUI:
		return Record{
			"notifications":  []any{},
			"activeScreen":   "home",
			"overlayVisible": false,
			LastUpdateKey:    float64(0),
		}
	case NamespaceSystem:
		return Record{
			"isInitialized":      false,
			"error":              nil,
			"contextInvalidated": false,
			"degraded":           false,
			"connectedReplicas":  float64(0),
			LastUpdateKey:        float64(0),
		}
	default:
		return nil
	}
}

func DefaultSnapshot() Snapshot {
	out := make(Snapshot, len(allNamespaces))
	for _, ns := range allNamespaces {
		out[ns] = DefaultRecord(ns)
	}
	return out
}

// LastUpdate reads the lastUpdate stamp of r, accepting the numeric shapes a
// record can take after crossing a JSON boundary.
func LastUpdate(r Record) int64 {
	switch v := r[LastUpdateKey].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int64(f)
		}
		return n
	default:
		return 0
	}
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for ns, r := range s {
		out[ns] = r.Clone()
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// normalizePatch round-trips p through JSON so typed Go values supplied by
// callers take the same shape a remote context would observe.
func normalizePatch(p Patch) (Patch, error) {
	if len(p) == 0 {
		return Patch{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: patch is not JSON-encodable: %v", ErrInvalidInput, err)
	}
	var out Patch
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if out == nil {
		out = Patch{}
	}
	return out, nil
}

func recordsEqual(a, b Record) bool {
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

// sameContent compares two records ignoring their lastUpdate stamps.
func sameContent(a, b Record) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	strip := func(r Record) map[string]any {
		out := make(map[string]any, len(r))
		for k, v := range r {
			if k == LastUpdateKey {
				continue
			}
			out[k] = v
		}
		return out
	}
	return reflect.DeepEqual(strip(a), strip(b))
}

func patchFromRecord(r Record) Patch {
	out := make(Patch, len(r))
	for k, v := range r {
		if k == LastUpdateKey {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}
