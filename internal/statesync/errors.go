package statesync

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidNamespace   = errors.New("invalid namespace")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrClosed             = errors.New("engine closed")
	ErrTransport          = errors.New("transport error")
	ErrDisconnected       = errors.New("channel disconnected")
	ErrNoReceiver         = errors.New("could not establish connection: receiving end does not exist")
	ErrContextInvalidated = errors.New("extension context invalidated")
	ErrSyncTimeout        = errors.New("full sync timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotImplemented     = errors.New("not implemented")
)

// TransportError wraps a failed send, dial or receive.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrContextInvalidated) {
		return err
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
