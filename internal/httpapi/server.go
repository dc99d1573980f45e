package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaystate/internal/statesync"
	"github.com/agentworkforce/relaystate/internal/telemetry"
)

const (
	InstanceHeader = "X-Relaystate-Instance"
	ContextHeader  = "X-Relaystate-Context"

	defaultPageQueue = 64
)

var ErrAlreadyServing = errors.New("server already has a handler")

type ServerConfig struct {
	// InstanceID is echoed on every response. Requests that pin a different
	// instance are answered with 410 Gone.
	InstanceID     string
	MaxBodyBytes   int64
	PageQueue      int
	AllowedOrigins []string

	// AuthSecret, when set, requires an HS256 bearer token minted by
	// MintToken on every route except /health and /metrics.
	AuthSecret string
	Logger     *zap.Logger
}

// Server is the master's messaging host over HTTP and websockets.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger
	routes map[string]http.Handler

	mu       sync.Mutex
	handler  statesync.MasterHandler
	pages    map[*pageClient]struct{}
	channels map[*wsConn]struct{}
	seq      atomic.Uint64
}

var _ statesync.MasterHost = (*Server)(nil)

type pageClient struct {
	id   string
	ws   *websocket.Conn
	out  chan []byte
	gone chan struct{}
	once sync.Once
}

func (p *pageClient) drop(code websocket.StatusCode, reason string) {
	p.once.Do(func() {
		close(p.gone)
		_ = p.ws.Close(code, reason)
	})
}

func NewServer(cfg ServerConfig) *Server {
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = statesync.DefaultInstanceID
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PageQueue <= 0 {
		cfg.PageQueue = defaultPageQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		pages:    map[*pageClient]struct{}{},
		channels: map[*wsConn]struct{}{},
	}
	s.routes = map[string]http.Handler{
		"GET /dashboard":    telemetry.Instrument("dashboard", http.HandlerFunc(s.handleDashboard)),
		"GET /health":       telemetry.Instrument("health", http.HandlerFunc(s.handleHealth)),
		"GET /metrics":      telemetry.MetricsHandler(),
		"GET /v1/state":     telemetry.Instrument("state", http.HandlerFunc(s.handleState)),
		"POST /v1/messages": telemetry.Instrument("message", http.HandlerFunc(s.handleMessage)),
		"GET /v1/channel":   telemetry.Instrument("channel", http.HandlerFunc(s.handleChannel)),
		"GET /v1/pages":     telemetry.Instrument("pages", http.HandlerFunc(s.handlePages)),
	}
	return s
}

// Serve installs h and keeps it until ctx ends, then closes every open
// channel and page stream.
func (s *Server) Serve(ctx context.Context, h statesync.MasterHandler) error {
	if h == nil {
		return statesync.ErrInvalidInput
	}
	s.mu.Lock()
	if s.handler != nil {
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.handler = h
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.handler = nil
	pages := make([]*pageClient, 0, len(s.pages))
	for p := range s.pages {
		pages = append(pages, p)
	}
	channels := make([]*wsConn, 0, len(s.channels))
	for c := range s.channels {
		channels = append(channels, c)
	}
	s.pages = map[*pageClient]struct{}{}
	s.channels = map[*wsConn]struct{}{}
	s.mu.Unlock()
	for _, p := range pages {
		p.drop(websocket.StatusGoingAway, "master shutting down")
	}
	for _, c := range channels {
		c.closeWith(websocket.StatusGoingAway, "master shutting down", statesync.ErrDisconnected)
	}
}

// Broadcast queues msg on every page stream. Streams whose queue is full are
// dropped; the page reconnects and catches up from the next update.
func (s *Server) Broadcast(_ context.Context, msg statesync.Message) int {
	data, err := statesync.EncodeMessage(msg)
	if err != nil {
		s.logger.Warn("encode broadcast failed", zap.Error(err))
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := 0
	for p := range s.pages {
		select {
		case p.out <- data:
			delivered++
		default:
			s.logger.Warn("dropping slow page stream", zap.String("context", p.id))
			delete(s.pages, p)
			go p.drop(websocket.StatusPolicyViolation, "page stream too slow")
		}
	}
	return delivered
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := s.routes[r.Method+" "+r.URL.Path]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set(InstanceHeader, s.cfg.InstanceID)
	route.ServeHTTP(w, r)
}

func (s *Server) currentHandler() statesync.MasterHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.currentHandler() == nil {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "instanceId": s.cfg.InstanceID})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	h := s.currentHandler()
	if h == nil {
		writeError(w, http.StatusServiceUnavailable, "no_receiver", "master is not serving")
		return
	}
	resp, err := h.HandleMessage(r.Context(), "http", statesync.SyncRequest{ID: "state"})
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	full, ok := resp.(statesync.FullSync)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected response "+string(resp.Type()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId": full.InstanceID,
		"snapshot":   full.Snapshot,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) || !s.checkInstance(w, r) {
		return
	}
	h := s.currentHandler()
	if h == nil {
		writeError(w, http.StatusServiceUnavailable, "no_receiver", "master is not serving")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	}
	msg, err := statesync.DecodeMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	resp, err := h.HandleMessage(r.Context(), contextParam(r), msg)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	data, err := statesync.EncodeMessage(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) || !s.checkInstance(w, r) {
		return
	}
	h := s.currentHandler()
	if h == nil {
		writeError(w, http.StatusServiceUnavailable, "no_receiver", "master is not serving")
		return
	}
	ws, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Debug("channel upgrade failed", zap.Error(err))
		return
	}
	id := contextParam(r)
	if id == "" {
		id = fmt.Sprintf("channel-%d", s.seq.Add(1))
	}
	conn := newWSConn(id, ws, s.logger.Named("channel"))

	s.mu.Lock()
	if s.handler == nil {
		s.mu.Unlock()
		conn.closeWith(websocket.StatusGoingAway, "master shutting down", statesync.ErrDisconnected)
		return
	}
	s.channels[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("channel opened", zap.String("conn", id), zap.String("name", r.URL.Query().Get("name")))
	h.HandleConnection(conn)
	<-conn.Done()

	s.mu.Lock()
	delete(s.channels, conn)
	s.mu.Unlock()
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) || !s.checkInstance(w, r) {
		return
	}
	ws, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Debug("page stream upgrade failed", zap.Error(err))
		return
	}
	id := contextParam(r)
	if id == "" {
		id = fmt.Sprintf("page-%d", s.seq.Add(1))
	}
	p := &pageClient{
		id:   id,
		ws:   ws,
		out:  make(chan []byte, s.cfg.PageQueue),
		gone: make(chan struct{}),
	}
	s.mu.Lock()
	s.pages[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pages, p)
		s.mu.Unlock()
		p.drop(websocket.StatusNormalClosure, "")
	}()

	// Pages never send, so reads only serve to notice the close.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.gone:
			return
		case data := <-p.out:
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AuthSecret == "" {
		return true
	}
	if _, err := authorizeContext(r, s.cfg.AuthSecret, time.Now()); err != nil {
		writeError(w, err.status, err.code, err.message)
		return false
	}
	return true
}

// checkInstance rejects clients pinned to another master instance.
func (s *Server) checkInstance(w http.ResponseWriter, r *http.Request) bool {
	pinned := strings.TrimSpace(r.Header.Get(InstanceHeader))
	if pinned == "" {
		pinned = strings.TrimSpace(r.URL.Query().Get("instance"))
	}
	if pinned == "" || pinned == s.cfg.InstanceID {
		return true
	}
	writeError(w, http.StatusGone, "context_invalidated", statesync.ErrContextInvalidated.Error())
	return false
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
}

func contextParam(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ContextHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("context"))
}

func writeHandlerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, statesync.ErrInvalidMessage), errors.Is(err, statesync.ErrInvalidNamespace), errors.Is(err, statesync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, statesync.ErrNoReceiver):
		writeError(w, http.StatusServiceUnavailable, "no_receiver", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
