package statesync

import (
	"context"
	"fmt"
	"strings"
)

// ContextKind is the kind of execution context an engine runs in.
type ContextKind string

const (
	KindBackground ContextKind = "background"
	KindPopup      ContextKind = "popup"
	KindContent    ContextKind = "content"
)

func ParseContextKind(raw string) (ContextKind, error) {
	switch kind := ContextKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindBackground, KindPopup, KindContent:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: context kind %q", ErrInvalidInput, raw)
	}
}

// Connection is a long-lived bidirectional channel between one replica and
// the master. Messages delivered on one side arrive in send order on the
// other.
type Connection interface {
	ID() string
	Send(ctx context.Context, msg Message) error
	Messages() <-chan Message
	// Done is closed once the connection is gone; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// MasterHandler is implemented by the master engine and driven by a
// MasterHost.
type MasterHandler interface {
	// HandleConnection takes ownership of conn. It must not block.
	HandleConnection(conn Connection)
	// HandleMessage answers a one-shot request from the context named from.
	HandleMessage(ctx context.Context, from string, msg Message) (Message, error)
}

// MasterHost is the background context's view of the messaging runtime.
type MasterHost interface {
	// Serve starts dispatching connections and one-shot requests to h and
	// returns once h is installed.
	Serve(ctx context.Context, h MasterHandler) error
	// Broadcast delivers msg to every live page listener and reports how
	// many received it. It never fails.
	Broadcast(ctx context.Context, msg Message) int
}

// ReplicaHost is a popup or content context's view of the messaging runtime.
type ReplicaHost interface {
	SendOneShot(ctx context.Context, msg Message) (Message, error)
	OpenChannel(ctx context.Context, name string) (Connection, error)
	// ListenBroadcast registers fn for page broadcasts and returns a remover.
	ListenBroadcast(fn func(Message)) func()
	// Invalidated reports whether this context can no longer reach a
	// master it previously talked to.
	Invalidated() bool
}
