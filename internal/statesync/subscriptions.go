package statesync

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

// Listener receives the new record, the previous record and the patch that
// produced the change. patch is nil for whole-record replacements.
type Listener func(newRecord, oldRecord Record, patch Patch)

type notification struct {
	ns        Namespace
	newRecord Record
	oldRecord Record
	patch     Patch
	subs      []subscription
}

type subscription struct {
	id uint64
	fn Listener
	// mu orders the initial call before any queued delivery and guards seed.
	mu   *sync.Mutex
	seed *seedValue
}

// seedValue is the record handed to the initial call. A change merged into
// the store before Subscribe read it but published after is queued for the
// new listener too; the first delivery is dropped when it carries the same
// record.
type seedValue struct {
	rec     Record
	pending bool
}

// Registry keeps per-namespace listeners and delivers notifications in the
// order they were published from a single dispatcher goroutine.
type Registry struct {
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	nextID    uint64
	listeners map[Namespace][]subscription
	active    map[uint64]bool
	queue     []notification
	busy      bool
	closed    bool
	done      chan struct{}
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger,
		listeners: map[Namespace][]subscription{},
		active:    map[uint64]bool{},
		done:      make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.dispatch()
	return r
}

// Subscribe registers fn for ns and calls it once with the value returned by
// current before returning. The returned function removes the listener and
// may be called any number of times.
func (r *Registry) Subscribe(ns Namespace, current func() Record, fn Listener) (func(), error) {
	if !ns.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: listener is nil", ErrInvalidInput)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.nextID++
	id := r.nextID
	sub := subscription{id: id, fn: fn, mu: &sync.Mutex{}, seed: &seedValue{}}
	r.listeners[ns] = append(r.listeners[ns], sub)
	r.active[id] = true
	sub.mu.Lock()
	// Read under r.mu: anything published before this point is already in
	// the value, anything after is queued for this listener. A change stored
	// but not yet published shows up in both; seed drops the repeat.
	value := current()
	r.mu.Unlock()
	sub.seed.rec = value
	sub.seed.pending = true

	r.invoke(ns, fn, notification{ns: ns, newRecord: value, oldRecord: value})
	sub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(ns, id) })
	}, nil
}

func (r *Registry) remove(ns Namespace, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
	subs := r.listeners[ns]
	for i, sub := range subs {
		if sub.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			r.listeners[ns] = next
			return
		}
	}
}

// Publish queues a notification. It never blocks on listeners.
func (r *Registry) Publish(ns Namespace, newRecord, oldRecord Record, patch Patch) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	subs := r.listeners[ns]
	if len(subs) == 0 {
		return
	}
	r.queue = append(r.queue, notification{
		ns:        ns,
		newRecord: newRecord,
		oldRecord: oldRecord,
		patch:     patch,
		subs:      append([]subscription(nil), subs...),
	})
	r.cond.Broadcast()
}

func (r *Registry) dispatch() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.busy = false
			r.cond.Broadcast()
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.busy = false
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
		n := r.queue[0]
		r.queue[0] = notification{}
		r.queue = r.queue[1:]
		r.busy = true
		r.mu.Unlock()

		for _, sub := range n.subs {
			sub.mu.Lock()
			if r.isActive(sub.id) && !sub.seed.repeats(n.newRecord) {
				r.invoke(n.ns, sub.fn, n)
			}
			sub.mu.Unlock()
		}
	}
}

// repeats reports whether rec is the record the initial call already
// delivered. Only the first delivery after Subscribe is checked.
func (s *seedValue) repeats(rec Record) bool {
	if !s.pending {
		return false
	}
	s.pending = false
	seed := s.rec
	s.rec = nil
	return seed != nil && recordsEqual(seed, rec)
}

func (r *Registry) invoke(ns Namespace, fn Listener, n notification) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.ListenerFailures.WithLabelValues(string(ns)).Inc()
			r.logger.Error("listener panicked",
				zap.String("namespace", string(ns)),
				zap.Any("panic", rec),
			)
		}
	}()
	fn(n.newRecord.Clone(), n.oldRecord.Clone(), n.patch.Clone())
}

func (r *Registry) isActive(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// waitIdle blocks until every queued notification has been delivered.
func (r *Registry) waitIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) > 0 || r.busy {
		r.cond.Wait()
	}
}

// Close drains queued notifications, then drops every listener.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
	r.mu.Lock()
	r.listeners = map[Namespace][]subscription{}
	r.active = map[uint64]bool{}
	r.mu.Unlock()
}
