package statesync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const memoryChannelBuffer = 256

// Hub is an in-process messaging runtime. Every message crosses a JSON
// encode/decode boundary so contexts never share memory.
type Hub struct {
	mu          sync.Mutex
	handler     MasterHandler
	offline     bool
	invalidated map[string]bool
	pages       map[string]map[uint64]func(Message)
	conns       map[string][]*memoryPipe
	nextID      uint64
	connSeq     atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		invalidated: map[string]bool{},
		pages:       map[string]map[uint64]func(Message){},
		conns:       map[string][]*memoryPipe{},
	}
}

func (h *Hub) MasterHost() MasterHost {
	return &hubMaster{hub: h}
}

func (h *Hub) ReplicaHost(contextID string) ReplicaHost {
	return &hubReplica{hub: h, contextID: contextID}
}

// Invalidate makes contextID unable to reach the master, closing its
// channels with ErrContextInvalidated.
func (h *Hub) Invalidate(contextID string) {
	h.mu.Lock()
	h.invalidated[contextID] = true
	pipes := h.conns[contextID]
	delete(h.conns, contextID)
	delete(h.pages, contextID)
	h.mu.Unlock()
	for _, p := range pipes {
		p.close(ErrContextInvalidated)
	}
}

// Disconnect closes every channel held by contextID.
func (h *Hub) Disconnect(contextID string) {
	h.mu.Lock()
	pipes := h.conns[contextID]
	delete(h.conns, contextID)
	h.mu.Unlock()
	for _, p := range pipes {
		p.close(ErrDisconnected)
	}
}

// SetOffline simulates the master going away. While offline, open channels
// are dropped and new requests fail with ErrNoReceiver.
func (h *Hub) SetOffline(offline bool) {
	h.mu.Lock()
	h.offline = offline
	var pipes []*memoryPipe
	if offline {
		for id, ps := range h.conns {
			pipes = append(pipes, ps...)
			delete(h.conns, id)
		}
	}
	h.mu.Unlock()
	for _, p := range pipes {
		p.close(ErrDisconnected)
	}
}

// OpenChannels reports how many live channels contextID holds.
func (h *Hub) OpenChannels(contextID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, p := range h.conns[contextID] {
		if !p.isClosed() {
			count++
		}
	}
	return count
}

func (h *Hub) reachable(contextID string) (MasterHandler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.invalidated[contextID] {
		return nil, ErrContextInvalidated
	}
	if h.offline || h.handler == nil {
		return nil, ErrNoReceiver
	}
	return h.handler, nil
}

type hubMaster struct {
	hub *Hub
}

func (m *hubMaster) Serve(ctx context.Context, handler MasterHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is nil", ErrInvalidInput)
	}
	m.hub.mu.Lock()
	m.hub.handler = handler
	m.hub.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.hub.mu.Lock()
		if m.hub.handler == handler {
			m.hub.handler = nil
		}
		m.hub.mu.Unlock()
	}()
	return nil
}

func (m *hubMaster) Broadcast(ctx context.Context, msg Message) int {
	data, err := EncodeMessage(msg)
	if err != nil {
		return 0
	}
	m.hub.mu.Lock()
	var targets []func(Message)
	for id, listeners := range m.hub.pages {
		if m.hub.invalidated[id] {
			continue
		}
		for _, fn := range listeners {
			targets = append(targets, fn)
		}
	}
	m.hub.mu.Unlock()

	delivered := 0
	for _, fn := range targets {
		if ctx.Err() != nil {
			break
		}
		decoded, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		fn(decoded)
		delivered++
	}
	return delivered
}

type hubReplica struct {
	hub       *Hub
	contextID string
}

func (r *hubReplica) SendOneShot(ctx context.Context, msg Message) (Message, error) {
	handler, err := r.hub.reachable(r.contextID)
	if err != nil {
		return nil, transportError("send", err)
	}
	req, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}
	resp, err := handler.HandleMessage(ctx, r.contextID, req)
	if err != nil {
		return nil, transportError("send", err)
	}
	if resp == nil {
		return nil, transportError("send", ErrNoReceiver)
	}
	return roundTrip(resp)
}

func (r *hubReplica) OpenChannel(ctx context.Context, name string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError("dial", err)
	}
	handler, err := r.hub.reachable(r.contextID)
	if err != nil {
		return nil, transportError("dial", err)
	}
	seq := r.hub.connSeq.Add(1)
	pipe := newMemoryPipe(fmt.Sprintf("%s/%s/%d", r.contextID, name, seq))

	r.hub.mu.Lock()
	r.hub.conns[r.contextID] = append(livePipes(r.hub.conns[r.contextID]), pipe)
	r.hub.mu.Unlock()

	handler.HandleConnection(pipe.master)
	return pipe.replica, nil
}

func (r *hubReplica) ListenBroadcast(fn func(Message)) func() {
	if fn == nil {
		return func() {}
	}
	r.hub.mu.Lock()
	r.hub.nextID++
	id := r.hub.nextID
	if r.hub.pages[r.contextID] == nil {
		r.hub.pages[r.contextID] = map[uint64]func(Message){}
	}
	r.hub.pages[r.contextID][id] = fn
	r.hub.mu.Unlock()
	return func() {
		r.hub.mu.Lock()
		defer r.hub.mu.Unlock()
		delete(r.hub.pages[r.contextID], id)
	}
}

func (r *hubReplica) Invalidated() bool {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.hub.invalidated[r.contextID]
}

// memoryPipe joins two connection endpoints sharing one lifetime.
type memoryPipe struct {
	master  *memoryEndpoint
	replica *memoryEndpoint

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

type memoryEndpoint struct {
	id    string
	pipe  *memoryPipe
	inbox chan Message
	peer  *memoryEndpoint
}

func newMemoryPipe(id string) *memoryPipe {
	p := &memoryPipe{done: make(chan struct{})}
	p.master = &memoryEndpoint{id: id, pipe: p, inbox: make(chan Message, memoryChannelBuffer)}
	p.replica = &memoryEndpoint{id: id, pipe: p, inbox: make(chan Message, memoryChannelBuffer)}
	p.master.peer = p.replica
	p.replica.peer = p.master
	return p
}

// livePipes drops pipes closed by either side.
func livePipes(pipes []*memoryPipe) []*memoryPipe {
	live := make([]*memoryPipe, 0, len(pipes)+1)
	for _, p := range pipes {
		if !p.isClosed() {
			live = append(live, p)
		}
	}
	return live
}

func (p *memoryPipe) close(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *memoryPipe) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (e *memoryEndpoint) ID() string { return e.id }

func (e *memoryEndpoint) Send(ctx context.Context, msg Message) error {
	if e.pipe.isClosed() {
		return transportError("send", e.Err())
	}
	decoded, err := roundTrip(msg)
	if err != nil {
		return err
	}
	select {
	case e.peer.inbox <- decoded:
		return nil
	case <-e.pipe.done:
		return transportError("send", e.Err())
	case <-ctx.Done():
		return transportError("send", ctx.Err())
	}
}

func (e *memoryEndpoint) Messages() <-chan Message { return e.inbox }

func (e *memoryEndpoint) Done() <-chan struct{} { return e.pipe.done }

func (e *memoryEndpoint) Err() error {
	e.pipe.mu.Lock()
	defer e.pipe.mu.Unlock()
	if e.pipe.err == nil && e.pipe.isClosed() {
		return ErrDisconnected
	}
	return e.pipe.err
}

func (e *memoryEndpoint) Close() error {
	e.pipe.close(ErrDisconnected)
	return nil
}
