package httpapi

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaystate/internal/statesync"
)

const (
	maxFrameBytes = 1 << 20
	inboxSize     = 256
)

// wsConn adapts a websocket to statesync.Connection. Each text frame carries
// one message envelope.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	logger *zap.Logger

	inbox chan statesync.Message
	done  chan struct{}

	writeMu   sync.Mutex
	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newWSConn(id string, ws *websocket.Conn, logger *zap.Logger) *wsConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws.SetReadLimit(maxFrameBytes)
	c := &wsConn{
		id:     id,
		ws:     ws,
		logger: logger,
		inbox:  make(chan statesync.Message, inboxSize),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, msg statesync.Message) error {
	select {
	case <-c.done:
		return &statesync.TransportError{Op: "send", Err: c.Err()}
	default:
	}
	data, err := statesync.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.fail(statesync.ErrDisconnected)
		return &statesync.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *wsConn) Messages() <-chan statesync.Message { return c.inbox }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.closeWith(websocket.StatusNormalClosure, "", statesync.ErrDisconnected)
	return nil
}

func (c *wsConn) closeWith(code websocket.StatusCode, reason string, cause error) {
	c.fail(cause)
	_ = c.ws.Close(code, reason)
}

func (c *wsConn) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) readLoop() {
	defer close(c.inbox)
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.fail(statesync.ErrDisconnected)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := statesync.DecodeMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.String("conn", c.id), zap.Error(err))
			continue
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}
