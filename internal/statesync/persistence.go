package statesync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

const (
	defaultPersistDebounce = 100 * time.Millisecond
	persistWriteTimeout    = 5 * time.Second
)

// writeQueue is the persistence layer: it coalesces writes per namespace into
// one storage write per window and tracks which namespaces have a write
// outstanding.
type writeQueue struct {
	storage  StorageHost
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[Namespace]bool
	queued  map[Namespace]Record
	timers  map[Namespace]*time.Timer
	writers map[Namespace]*sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

func newWriteQueue(storage StorageHost, interval time.Duration, logger *zap.Logger) *writeQueue {
	if interval <= 0 {
		interval = defaultPersistDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &writeQueue{
		storage:  storage,
		logger:   logger,
		interval: interval,
		pending:  map[Namespace]bool{},
		queued:   map[Namespace]Record{},
		timers:   map[Namespace]*time.Timer{},
		writers:  map[Namespace]*sync.Mutex{},
	}
}

// Load reads every persisted namespace present in storage.
func (q *writeQueue) Load(ctx context.Context) (map[Namespace]Record, error) {
	out := map[Namespace]Record{}
	if q == nil || q.storage == nil {
		return out, nil
	}
	persisted := PersistedNamespaces()
	keys := make([]string, 0, len(persisted))
	for _, ns := range persisted {
		keys = append(keys, ns.StorageKey())
	}
	values, err := q.storage.Get(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, ns := range persisted {
		raw, ok := values[ns.StorageKey()]
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			q.logger.Warn("discarding unreadable persisted record",
				zap.String("namespace", string(ns)),
				zap.Error(err),
			)
			continue
		}
		if rec != nil {
			out[ns] = rec
		}
	}
	return out, nil
}

// Schedule queues rec as the next value of ns. Writes within one window
// coalesce into a single write of the latest record. The window is fixed from
// the first queued change, so a steady stream of updates still gets written.
func (q *writeQueue) Schedule(ns Namespace, rec Record) {
	if q == nil || q.storage == nil || !ns.Persisted() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.queued[ns] = rec.Clone()
	q.pending[ns] = true
	if q.timers[ns] == nil {
		q.wg.Add(1)
		q.timers[ns] = time.AfterFunc(q.interval, func() {
			defer q.wg.Done()
			q.flushNamespace(ns)
		})
	}
}

// IsPending reports whether a write for ns is queued or in flight.
func (q *writeQueue) IsPending(ns Namespace) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[ns]
}

// Flush writes every queued record now.
func (q *writeQueue) Flush(ctx context.Context) {
	if q == nil {
		return
	}
	q.mu.Lock()
	var due []Namespace
	for ns, timer := range q.timers {
		if timer.Stop() {
			q.wg.Done()
		}
		delete(q.timers, ns)
		due = append(due, ns)
	}
	for ns := range q.queued {
		if !containsNamespace(due, ns) {
			due = append(due, ns)
		}
	}
	q.mu.Unlock()
	for _, ns := range due {
		q.write(ctx, ns)
	}
}

// Watch forwards storage changes to persisted namespaces as decoded records.
func (q *writeQueue) Watch(fn func(ns Namespace, rec Record)) func() {
	if q == nil || q.storage == nil || fn == nil {
		return func() {}
	}
	return q.storage.OnChanged(func(changes map[string]StorageChange) {
		for key, change := range changes {
			ns, ok := namespaceFromStorageKey(key)
			if !ok || !ns.Persisted() || change.NewValue == nil {
				continue
			}
			rec, err := decodeRecord(change.NewValue)
			if err != nil || rec == nil {
				q.logger.Warn("ignoring unreadable storage change",
					zap.String("namespace", string(ns)),
					zap.Error(err),
				)
				continue
			}
			fn(ns, rec)
		}
	})
}

// Close flushes queued writes and refuses new ones.
func (q *writeQueue) Close(ctx context.Context) {
	if q == nil {
		return
	}
	q.Flush(ctx)
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *writeQueue) flushNamespace(ns Namespace) {
	q.mu.Lock()
	delete(q.timers, ns)
	q.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
	defer cancel()
	q.write(ctx, ns)
}

func (q *writeQueue) write(ctx context.Context, ns Namespace) {
	q.mu.Lock()
	writer := q.writers[ns]
	if writer == nil {
		writer = &sync.Mutex{}
		q.writers[ns] = writer
	}
	q.mu.Unlock()

	writer.Lock()
	defer writer.Unlock()

	q.mu.Lock()
	rec, ok := q.queued[ns]
	delete(q.queued, ns)
	q.mu.Unlock()
	if !ok {
		q.settle(ns)
		return
	}

	err := q.store(ctx, ns, rec)
	if err != nil {
		telemetry.PersistWrites.WithLabelValues(string(ns), "error").Inc()
		q.logger.Warn("persist write failed",
			zap.String("namespace", string(ns)),
			zap.Error(err),
		)
	} else {
		telemetry.PersistWrites.WithLabelValues(string(ns), "ok").Inc()
	}
	q.settle(ns)
}

func (q *writeQueue) store(ctx context.Context, ns Namespace, rec Record) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return q.storage.Set(ctx, map[string]json.RawMessage{ns.StorageKey(): raw})
}

// settle clears the pending mark unless a newer write is already queued.
func (q *writeQueue) settle(ns Namespace) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, queued := q.queued[ns]; queued {
		return
	}
	if q.timers[ns] != nil {
		return
	}
	delete(q.pending, ns)
}

func containsNamespace(list []Namespace, ns Namespace) bool {
	for _, item := range list {
		if item == ns {
			return true
		}
	}
	return false
}
