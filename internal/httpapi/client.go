package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaystate/internal/statesync"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type ClientConfig struct {
	BaseURL    string
	ContextID  string
	HTTPClient *http.Client
	Logger     *zap.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Token is sent as a bearer token when the master requires one.
	Token string
	// PageBackoff paces page stream redials.
	PageBackoff statesync.ReconnectPolicy
}

// Client is a replica's messaging host talking to a master Server. Once a
// master instance has answered, the client pins it; a different instance
// answering later marks this context invalidated.
type Client struct {
	baseURL    string
	contextID  string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pagePolicy statesync.ReconnectPolicy

	mu       sync.Mutex
	instance string
	invalid  atomic.Bool

	pagesMu     sync.Mutex
	pageNext    uint64
	pageFns     map[uint64]func(statesync.Message)
	pageCancel  context.CancelFunc
	pageStopped chan struct{}
}

var _ statesync.ReplicaHost = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8765"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	pagePolicy := cfg.PageBackoff
	if pagePolicy == (statesync.ReconnectPolicy{}) {
		pagePolicy = statesync.DefaultReconnectPolicy()
	}
	return &Client{
		baseURL:    baseURL,
		contextID:  strings.TrimSpace(cfg.ContextID),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		pagePolicy: pagePolicy,
		pageFns:    map[uint64]func(statesync.Message){},
	}
}

func (c *Client) Invalidated() bool {
	return c.invalid.Load()
}

// Instance reports the pinned master instance, if any.
func (c *Client) Instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

func (c *Client) SendOneShot(ctx context.Context, msg statesync.Message) (statesync.Message, error) {
	if c.invalid.Load() {
		return nil, statesync.ErrContextInvalidated
	}
	body, err := statesync.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return nil, err
	}
	return statesync.DecodeMessage(payload)
}

func (c *Client) OpenChannel(ctx context.Context, name string) (statesync.Connection, error) {
	if c.invalid.Load() {
		return nil, statesync.ErrContextInvalidated
	}
	q := url.Values{}
	q.Set("name", name)
	if c.contextID != "" {
		q.Set("context", c.contextID)
	}
	ws, resp, err := websocket.Dial(ctx, c.wsURL("/v1/channel", q), &websocket.DialOptions{
		HTTPClient: c.dialClient(),
		HTTPHeader: c.headers(),
	})
	if err != nil {
		if resp != nil {
			if statusErr := c.statusError(resp.StatusCode, nil, resp.Header); statusErr != nil {
				return nil, statusErr
			}
		}
		return nil, &statesync.TransportError{Op: "dial", Err: err}
	}
	if resp != nil {
		if err := c.observeInstance(resp.Header.Get(InstanceHeader)); err != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return nil, err
		}
	}
	id := c.contextID
	if id == "" {
		id = name
	}
	return newWSConn(id, ws, c.logger.Named("channel")), nil
}

// ListenBroadcast streams page broadcasts to fn. The stream is opened with
// the first listener and closed with the last.
func (c *Client) ListenBroadcast(fn func(statesync.Message)) func() {
	if fn == nil {
		return func() {}
	}
	c.pagesMu.Lock()
	c.pageNext++
	id := c.pageNext
	c.pageFns[id] = fn
	if c.pageCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.pageCancel = cancel
		c.pageStopped = make(chan struct{})
		go c.streamPages(ctx, c.pageStopped)
	}
	c.pagesMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.pagesMu.Lock()
			delete(c.pageFns, id)
			var stop context.CancelFunc
			if len(c.pageFns) == 0 {
				stop = c.pageCancel
				c.pageCancel = nil
			}
			c.pagesMu.Unlock()
			if stop != nil {
				stop()
			}
		})
	}
}

// Close stops the page stream.
func (c *Client) Close() error {
	c.pagesMu.Lock()
	stop := c.pageCancel
	stopped := c.pageStopped
	c.pageCancel = nil
	c.pageFns = map[uint64]func(statesync.Message){}
	c.pagesMu.Unlock()
	if stop != nil {
		stop()
		<-stopped
	}
	return nil
}

func (c *Client) streamPages(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	failures := 0
	for ctx.Err() == nil && !c.invalid.Load() {
		connected, err := c.readPages(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		}
		if errors.Is(err, statesync.ErrContextInvalidated) {
			c.logger.Warn("page stream stopped, context invalidated")
			return
		}
		failures++
		delay := c.pagePolicy.Delay(failures-1, 0)
		c.logger.Debug("page stream closed", zap.Int("attempt", failures), zap.Duration("delay", delay), zap.Error(err))
		if waitWithContext(ctx, delay) != nil {
			return
		}
	}
}

// readPages runs one page stream until it fails. connected reports whether
// the dial succeeded.
func (c *Client) readPages(ctx context.Context) (connected bool, err error) {
	q := url.Values{}
	if c.contextID != "" {
		q.Set("context", c.contextID)
	}
	ws, resp, err := websocket.Dial(ctx, c.wsURL("/v1/pages", q), &websocket.DialOptions{
		HTTPClient: c.dialClient(),
		HTTPHeader: c.headers(),
	})
	if err != nil {
		if resp != nil {
			if statusErr := c.statusError(resp.StatusCode, nil, resp.Header); statusErr != nil {
				return false, statusErr
			}
		}
		return false, err
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	if resp != nil {
		if err := c.observeInstance(resp.Header.Get(InstanceHeader)); err != nil {
			return true, err
		}
	}
	ws.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return true, err
		}
		msg, err := statesync.DecodeMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed page frame", zap.Error(err))
			continue
		}
		c.pagesMu.Lock()
		fns := make([]func(statesync.Message), 0, len(c.pageFns))
		for _, fn := range c.pageFns {
			fns = append(fns, fn)
		}
		c.pagesMu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}
	}
}

// do sends one request, retrying transport failures, 429 and 5xx responses
// other than 503 no_receiver.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = c.headers()
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, &statesync.TransportError{Op: "request", Err: waitErr}
				}
				continue
			}
			return nil, &statesync.TransportError{Op: "request", Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &statesync.TransportError{Op: "read response", Err: readErr}
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if err := c.observeInstance(resp.Header.Get(InstanceHeader)); err != nil {
				return nil, err
			}
			return payload, nil
		}
		statusErr := c.statusError(resp.StatusCode, payload, resp.Header)
		var httpErr *HTTPError
		retryable := errors.As(statusErr, &httpErr) &&
			(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, &statesync.TransportError{Op: "request", Err: waitErr}
			}
			continue
		}
		return nil, statusErr
	}
}

// statusError maps a non-2xx response onto the statesync error taxonomy.
func (c *Client) statusError(status int, payload []byte, header http.Header) error {
	if status >= 200 && status <= 299 {
		return nil
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	switch {
	case status == http.StatusGone:
		c.invalid.Store(true)
		return statesync.ErrContextInvalidated
	case status == http.StatusServiceUnavailable && errPayload.Code == "no_receiver":
		return &statesync.TransportError{Op: "request", Err: statesync.ErrNoReceiver}
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", statesync.ErrInvalidMessage, errPayload.Message)
	}
	return &HTTPError{StatusCode: status, Code: errPayload.Code, Message: errPayload.Message}
}

// observeInstance pins the first master instance seen and reports
// ErrContextInvalidated when another one answers.
func (c *Client) observeInstance(instance string) error {
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instance == "" {
		c.instance = instance
		return nil
	}
	if c.instance != instance {
		c.invalid.Store(true)
		return statesync.ErrContextInvalidated
	}
	return nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.contextID != "" {
		h.Set(ContextHeader, c.contextID)
	}
	if instance := c.Instance(); instance != "" {
		h.Set(InstanceHeader, instance)
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// dialClient drops the overall timeout, which would cut long-lived
// websockets short.
func (c *Client) dialClient() *http.Client {
	if c.httpClient.Timeout == 0 {
		return c.httpClient
	}
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *Client) wsURL(path string, q url.Values) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if len(q) == 0 {
		return base + path
	}
	return base + path + "?" + q.Encode()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
