package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaystate/internal/statesync"
)

func newTestMaster(t *testing.T, instance string) (*statesync.Engine, *Server) {
	t.Helper()
	server := NewServer(ServerConfig{InstanceID: instance, Logger: zap.NewNop()})
	engine, err := statesync.New(statesync.Options{
		Kind:            statesync.KindBackground,
		Master:          server,
		Storage:         statesync.NewMemoryStorage(),
		InstanceID:      instance,
		Logger:          zap.NewNop(),
		PersistDebounce: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new master failed: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start master failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine, server
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func TestHealthReportsServingState(t *testing.T) {
	idle := NewServer(ServerConfig{InstanceID: "m-idle"})
	resp := doRequest(t, idle, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"starting"`) {
		t.Fatalf("expected starting health, got %d %s", resp.Code, resp.Body.String())
	}

	_, server := newTestMaster(t, "m-1")
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("expected ok health, got %d %s", resp.Code, resp.Body.String())
	}
	if got := resp.Header().Get(InstanceHeader); got != "m-1" {
		t.Fatalf("expected instance header m-1, got %q", got)
	}
}

func TestStateEndpointReturnsSnapshot(t *testing.T) {
	engine, server := newTestMaster(t, "m-1")
	if err := engine.Update(context.Background(), statesync.NamespaceUI, statesync.Patch{"activeScreen": "settings"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/state"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		InstanceID string             `json:"instanceId"`
		Snapshot   statesync.Snapshot `json:"snapshot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if payload.InstanceID != "m-1" {
		t.Fatalf("expected instance m-1, got %q", payload.InstanceID)
	}
	if payload.Snapshot[statesync.NamespaceUI]["activeScreen"] != "settings" {
		t.Fatalf("unexpected ui record %+v", payload.Snapshot[statesync.NamespaceUI])
	}
}

func TestMessagesEndpointAppliesUpdate(t *testing.T) {
	engine, server := newTestMaster(t, "m-1")
	body, _ := statesync.EncodeMessage(statesync.UpdateRequest{
		ID:        "popup-1",
		Namespace: statesync.NamespaceRecording,
		Patch:     statesync.Patch{"isPaused": true},
	})
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/messages",
		headers: map[string]string{ContextHeader: "popup", InstanceHeader: "m-1"},
		body:    body,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	msg, err := statesync.DecodeMessage(resp.Body.Bytes())
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	ack, ok := msg.(statesync.UpdateAck)
	if !ok || ack.ID != "popup-1" || ack.Record["isPaused"] != true {
		t.Fatalf("unexpected ack %+v", msg)
	}
	rec, _ := engine.Get(statesync.NamespaceRecording)
	if rec["isPaused"] != true {
		t.Fatalf("expected master to hold the update, got %+v", rec)
	}
}

func TestMessagesEndpointRejectsBadInput(t *testing.T) {
	_, server := newTestMaster(t, "m-1")
	cases := []struct {
		name   string
		req    request
		status int
		code   string
	}{
		{
			name:   "malformed",
			req:    request{method: http.MethodPost, path: "/v1/messages", body: []byte(`{"type":"explode"}`)},
			status: http.StatusBadRequest,
			code:   "bad_request",
		},
		{
			name:   "not a request",
			req:    request{method: http.MethodPost, path: "/v1/messages", body: []byte(`{"type":"state_update","namespace":"ui","record":{}}`)},
			status: http.StatusBadRequest,
			code:   "bad_request",
		},
		{
			name: "superseded instance",
			req: request{
				method:  http.MethodPost,
				path:    "/v1/messages",
				headers: map[string]string{InstanceHeader: "m-0"},
				body:    []byte(`{"type":"sync_request"}`),
			},
			status: http.StatusGone,
			code:   "context_invalidated",
		},
		{
			name:   "unknown route",
			req:    request{method: http.MethodGet, path: "/v1/nope"},
			status: http.StatusNotFound,
			code:   "not_found",
		},
	}
	for _, tc := range cases {
		resp := doRequest(t, server, tc.req)
		if resp.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, resp.Code, resp.Body.String())
		}
		var payload struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Code != tc.code {
			t.Fatalf("%s: expected code %q, got %q", tc.name, tc.code, payload.Code)
		}
	}
}

func TestMessagesEndpointWithoutHandler(t *testing.T) {
	server := NewServer(ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/messages", body: []byte(`{"type":"sync_request"}`)})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestServeRejectsSecondHandler(t *testing.T) {
	_, server := newTestMaster(t, "m-1")
	if err := server.Serve(context.Background(), nopHandler{}); err != ErrAlreadyServing {
		t.Fatalf("expected ErrAlreadyServing, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, server := newTestMaster(t, "m-1")
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "relaystate_merges_total") {
		t.Fatalf("expected relaystate metrics in exposition")
	}
}

func TestDashboardServesInspector(t *testing.T) {
	_, server := newTestMaster(t, "m-1")
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %q", ct)
	}
	if !strings.Contains(resp.Body.String(), "/v1/pages") {
		t.Fatalf("expected the inspector to subscribe to the page stream")
	}
}

func TestDashboardStateAcceptsQueryToken(t *testing.T) {
	server := newAuthMaster(t)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected dashboard to stay open, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `get("token")`) {
		t.Fatalf("expected the inspector to forward its token query")
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/state"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	token := mustMint(t, testSecret, "inspector", time.Minute)
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/state?token=" + token})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d (%s)", resp.Code, resp.Body.String())
	}
}

type nopHandler struct{}

func (nopHandler) HandleConnection(statesync.Connection) {}

func (nopHandler) HandleMessage(context.Context, string, statesync.Message) (statesync.Message, error) {
	return nil, statesync.ErrNoReceiver
}
