package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

type journalEntry struct {
	ns    Namespace
	patch Patch
}

// replica mirrors the master's store. The mirror changes only through
// master-originated messages, except for degraded writes and storage polls.
type replica struct {
	e    *Engine
	host ReplicaHost
	rc   *reconnector

	applyMu  sync.Mutex
	replayMu sync.Mutex

	mu         sync.Mutex
	conn       Connection
	acks       map[string]chan UpdateAck
	journal    []journalEntry
	instanceID string
	connected  chan struct{}
	settled    chan struct{}

	degraded    atomic.Bool
	polling     atomic.Bool
	removePages func()
}

func newReplica(e *Engine, host ReplicaHost) *replica {
	r := &replica{
		e:         e,
		host:      host,
		acks:      map[string]chan UpdateAck{},
		connected: make(chan struct{}),
		settled:   make(chan struct{}),
	}
	r.rc = &reconnector{
		policy:  e.opts.Reconnect,
		invalid: e.invalidated,
		random:  e.opts.Random,
		logger:  e.logger.Named("reconnect"),
		dial: func(ctx context.Context) (Connection, error) {
			return host.OpenChannel(ctx, e.opts.ChannelName)
		},
		onConnect:    r.attach,
		onDisconnect: r.detach,
		onGiveUp:     r.giveUp,
	}
	return r
}

func (r *replica) start(ctx context.Context) error {
	if r.e.opts.Kind == KindContent {
		r.removePages = r.host.ListenBroadcast(r.onBroadcast)
	}
	r.e.goBackground(func() { r.rc.run(r.e.ctx) })

	timer := time.NewTimer(r.e.opts.SyncTimeout)
	defer timer.Stop()
	select {
	case <-r.connected:
	case <-r.settled:
	case <-timer.C:
	case <-ctx.Done():
	case <-r.e.ctx.Done():
		return ErrClosed
	}

	syncCtx, cancel := context.WithTimeout(ctx, r.e.opts.SyncTimeout)
	defer cancel()
	if err := r.syncOneShot(syncCtx); err != nil {
		r.e.logger.Warn("initial full sync failed, using persisted state", zap.Error(err))
		r.loadFromStorage(ctx)
	}
	return nil
}

func (r *replica) close() {
	if r.removePages != nil {
		r.removePages()
	}
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// syncOneShot requests a full snapshot over one-shot messaging.
func (r *replica) syncOneShot(ctx context.Context) error {
	resp, err := r.host.SendOneShot(ctx, SyncRequest{ID: r.e.nextRequestID()})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrSyncTimeout, err)
		}
		return err
	}
	full, ok := resp.(FullSync)
	if !ok {
		return fmt.Errorf("%w: expected full_sync, got %s", ErrInvalidMessage, resp.Type())
	}
	r.applyFullSync(full, false)
	if r.degraded.Load() && !r.degradedMarked() {
		r.applyLocal(NamespaceSystem, Patch{"degraded": true})
	}
	return nil
}

func (r *replica) loadFromStorage(ctx context.Context) {
	loaded, err := r.e.persist.Load(ctx)
	if err != nil {
		r.e.logger.Warn("read persisted state failed", zap.Error(err))
		return
	}
	for ns, rec := range loaded {
		r.applyRecord(ns, rec, nil, true)
	}
}

func (r *replica) attach(conn Connection) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	r.e.goBackground(func() { r.readLoop(conn) })

	if r.replayJournal(conn) {
		if err := conn.Send(r.e.ctx, SyncRequest{ID: r.e.nextRequestID()}); err != nil {
			r.e.logger.Debug("channel sync request failed", zap.Error(err))
		}
	}
	r.signal(r.connected)
}

func (r *replica) detach(err error) {
	r.mu.Lock()
	r.conn = nil
	acks := r.acks
	r.acks = map[string]chan UpdateAck{}
	r.mu.Unlock()
	for _, ch := range acks {
		close(ch)
	}
	r.e.logger.Debug("channel closed", zap.Error(err))
}

func (r *replica) giveUp(err error) {
	r.signal(r.settled)
	if errors.Is(err, ErrContextInvalidated) {
		r.e.logger.Warn("context invalidated, reconnection stopped")
		r.degraded.Store(true)
		r.applyLocal(NamespaceSystem, Patch{
			"contextInvalidated": true,
			"degraded":           true,
			"error":              ErrContextInvalidated.Error(),
		})
		return
	}
	r.e.logger.Warn("falling back to polling", zap.Duration("interval", r.e.opts.PollInterval))
	r.degraded.Store(true)
	r.applyLocal(NamespaceSystem, Patch{"degraded": true})
	if r.polling.CompareAndSwap(false, true) {
		r.e.goBackground(r.poll)
	}
}

func (r *replica) signal(ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (r *replica) readLoop(conn Connection) {
	for {
		select {
		case <-r.e.ctx.Done():
			return
		case msg, ok := <-conn.Messages():
			if !ok {
				return
			}
			r.handle(msg)
		case <-conn.Done():
			// Deliver what was already received before the channel closed.
			for {
				select {
				case msg, ok := <-conn.Messages():
					if !ok {
						return
					}
					r.handle(msg)
				default:
					return
				}
			}
		}
	}
}

func (r *replica) handle(msg Message) {
	switch m := msg.(type) {
	case FullSync:
		// Channel snapshots are followed by every later update on the same
		// queue, so they may replace newer records safely.
		r.applyFullSync(m, true)
	case StateUpdate:
		if !m.Namespace.Valid() {
			r.e.logger.Warn("dropping update for unknown namespace", zap.String("namespace", string(m.Namespace)))
			return
		}
		r.applyRecord(m.Namespace, m.Record, m.Patch, false)
	case UpdateAck:
		r.mu.Lock()
		ch, ok := r.acks[m.ID]
		delete(r.acks, m.ID)
		r.mu.Unlock()
		if ok {
			ch <- m
			close(ch)
		}
	default:
		r.e.logger.Debug("ignoring unexpected message", zap.String("type", string(msg.Type())))
	}
}

func (r *replica) onBroadcast(msg Message) {
	if update, ok := msg.(StateUpdate); ok {
		r.handle(update)
	}
}

func (r *replica) applyFullSync(full FullSync, force bool) {
	r.mu.Lock()
	restarted := r.instanceID != "" && full.InstanceID != r.instanceID
	switch {
	case restarted:
		force = true
	case len(r.journal) > 0:
		// Unacknowledged local writes stay until the journal is replayed.
		force = false
	case full.InstanceID != r.instanceID:
		force = true
	}
	r.instanceID = full.InstanceID
	r.mu.Unlock()
	for ns, rec := range full.Snapshot {
		if !ns.Valid() {
			r.e.logger.Warn("dropping snapshot entry for unknown namespace", zap.String("namespace", string(ns)))
			continue
		}
		r.applyRecord(ns, rec, nil, force)
	}
}

// applyRecord replaces the mirror of ns with rec and notifies listeners when
// it changed. Unless force is set, records older than the mirror are ignored:
// the same update can arrive over both the page broadcast and the channel.
func (r *replica) applyRecord(ns Namespace, rec Record, patch Patch, force bool) {
	if rec == nil {
		return
	}
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	if !force {
		current, err := r.e.store.Get(ns)
		if err == nil && LastUpdate(rec) < LastUpdate(current) {
			return
		}
	}
	old, changed := r.e.store.Replace(ns, rec)
	if !changed {
		return
	}
	r.e.subs.Publish(ns, rec.Clone(), old, patch)
}

// applyLocal merges patch into the mirror without involving the master.
func (r *replica) applyLocal(ns Namespace, patch Patch) Record {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	next, old, err := r.e.store.Merge(ns, patch)
	if err != nil {
		return nil
	}
	r.e.subs.Publish(ns, next, old, patch)
	return next
}

func (r *replica) currentConn() Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *replica) update(ctx context.Context, ns Namespace, patch Patch) {
	if !r.drainJournal(ctx) {
		r.degradedWrite(ns, patch)
		return
	}
	req := UpdateRequest{ID: r.e.nextRequestID(), Namespace: ns, Patch: patch}
	ack, err := r.request(ctx, req, req.ID)
	if err == nil {
		if ack.Error != "" {
			r.e.logger.Warn("master rejected update",
				zap.String("namespace", string(ns)),
				zap.String("error", ack.Error),
			)
			return
		}
		r.applyRecord(ns, ack.Record, patch, false)
		return
	}
	r.e.logger.Debug("master unreachable, applying update locally",
		zap.String("namespace", string(ns)),
		zap.Error(err),
	)
	r.degradedWrite(ns, patch)
}

func (r *replica) reset(ctx context.Context, namespaces []Namespace) {
	req := ResetRequest{ID: r.e.nextRequestID(), Namespaces: namespaces}
	var (
		ack UpdateAck
		err = ErrDisconnected
	)
	if r.drainJournal(ctx) {
		ack, err = r.request(ctx, req, req.ID)
	}
	if err == nil {
		if ack.Record != nil && ack.Namespace.Valid() {
			r.applyRecord(ack.Namespace, ack.Record, nil, false)
		}
		if r.currentConn() == nil {
			syncCtx, cancel := context.WithTimeout(ctx, r.e.opts.RequestTimeout)
			defer cancel()
			if err := r.syncOneShot(syncCtx); err != nil {
				r.e.logger.Debug("refresh after reset failed", zap.Error(err))
			}
		}
		return
	}
	for _, ns := range namespaces {
		r.degradedWrite(ns, patchFromRecord(DefaultRecord(ns)))
	}
}

// request sends msg over the channel when one is open and waits for the ack;
// otherwise, or when that fails, it falls back to one-shot messaging.
func (r *replica) request(ctx context.Context, msg Message, id string) (UpdateAck, error) {
	if conn := r.currentConn(); conn != nil {
		ack, err := r.requestOnChannel(ctx, conn, msg, id)
		if err == nil {
			return ack, nil
		}
		r.e.logger.Debug("channel request failed, trying one-shot", zap.Error(err))
	}
	reqCtx, cancel := context.WithTimeout(ctx, r.e.opts.RequestTimeout)
	defer cancel()
	resp, err := r.host.SendOneShot(reqCtx, msg)
	if err != nil {
		return UpdateAck{}, err
	}
	ack, ok := resp.(UpdateAck)
	if !ok {
		return UpdateAck{}, fmt.Errorf("%w: expected update_ack, got %s", ErrInvalidMessage, resp.Type())
	}
	return ack, nil
}

func (r *replica) requestOnChannel(ctx context.Context, conn Connection, msg Message, id string) (UpdateAck, error) {
	ch := make(chan UpdateAck, 1)
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return UpdateAck{}, ErrDisconnected
	}
	r.acks[id] = ch
	r.mu.Unlock()
	forget := func() {
		r.mu.Lock()
		delete(r.acks, id)
		r.mu.Unlock()
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.e.opts.RequestTimeout)
	defer cancel()
	if err := conn.Send(reqCtx, msg); err != nil {
		forget()
		return UpdateAck{}, err
	}
	select {
	case ack, ok := <-ch:
		if !ok {
			return UpdateAck{}, ErrDisconnected
		}
		return ack, nil
	case <-reqCtx.Done():
		forget()
		return UpdateAck{}, transportError("await ack", reqCtx.Err())
	}
}

// degradedWrite applies patch to the local mirror, persists it and keeps it
// for replay once the master is reachable again.
func (r *replica) degradedWrite(ns Namespace, patch Patch) {
	telemetry.DegradedWrites.WithLabelValues(string(ns)).Inc()
	next := r.applyLocal(ns, patch)
	if next != nil {
		r.e.persist.Schedule(ns, next)
	}
	r.mu.Lock()
	r.journal = append(r.journal, journalEntry{ns: ns, patch: patch.Clone()})
	if over := len(r.journal) - r.e.opts.JournalLimit; over > 0 {
		r.journal = append([]journalEntry(nil), r.journal[over:]...)
	}
	r.mu.Unlock()
	r.degraded.Store(true)
	if !r.degradedMarked() {
		r.applyLocal(NamespaceSystem, Patch{"degraded": true})
	}
	// The channel may still look open after a lost request. Dropping it
	// makes the reconnector redial and replay the journal on attach.
	if conn := r.currentConn(); conn != nil {
		_ = conn.Close()
	}
}

func (r *replica) degradedMarked() bool {
	rec, err := r.e.store.Get(NamespaceSystem)
	if err != nil {
		return false
	}
	flag, _ := rec["degraded"].(bool)
	return flag
}

// journalLen reports how many degraded writes wait for replay.
func (r *replica) journalLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.journal)
}

// replayJournal resends degraded writes over conn in order. It reports
// whether the whole journal was delivered.
func (r *replica) replayJournal(conn Connection) bool {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()
	r.mu.Lock()
	pending := append([]journalEntry(nil), r.journal...)
	r.mu.Unlock()
	if len(pending) == 0 {
		r.degraded.Store(false)
		return true
	}
	r.e.logger.Info("replaying degraded writes", zap.Int("count", len(pending)))
	for i, entry := range pending {
		req := UpdateRequest{ID: r.e.nextRequestID(), Namespace: entry.ns, Patch: entry.patch}
		if _, err := r.requestOnChannel(r.e.ctx, conn, req, req.ID); err != nil {
			r.e.logger.Warn("journal replay interrupted", zap.Int("replayed", i), zap.Error(err))
			r.dropJournal(i)
			return false
		}
	}
	r.dropJournal(len(pending))
	r.degraded.Store(false)
	return true
}

func (r *replica) replayOneShot(ctx context.Context) bool {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()
	r.mu.Lock()
	pending := append([]journalEntry(nil), r.journal...)
	r.mu.Unlock()
	for i, entry := range pending {
		req := UpdateRequest{ID: r.e.nextRequestID(), Namespace: entry.ns, Patch: entry.patch}
		reqCtx, cancel := context.WithTimeout(ctx, r.e.opts.RequestTimeout)
		_, err := r.host.SendOneShot(reqCtx, req)
		cancel()
		if err != nil {
			r.dropJournal(i)
			return false
		}
	}
	r.dropJournal(len(pending))
	return true
}

// drainJournal replays pending degraded writes ahead of a new request so
// the master sees them in order. It reports whether the journal is empty.
func (r *replica) drainJournal(ctx context.Context) bool {
	if r.journalLen() == 0 {
		return true
	}
	if r.e.invalidated() {
		return false
	}
	conn := r.currentConn()
	if conn == nil {
		return r.replayOneShot(ctx)
	}
	if !r.replayJournal(conn) {
		return false
	}
	// Refresh the mirror, system.degraded included, from the master.
	if err := conn.Send(r.e.ctx, SyncRequest{ID: r.e.nextRequestID()}); err != nil {
		r.e.logger.Debug("channel sync request failed", zap.Error(err))
	}
	return true
}

// dropJournal removes the first n entries, keeping anything appended since.
func (r *replica) dropJournal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.journal) {
		r.journal = nil
		return
	}
	r.journal = append([]journalEntry(nil), r.journal[n:]...)
}

// poll runs once the reconnector has given up. Each tick tries a one-shot
// sync and falls back to reading storage.
func (r *replica) poll() {
	ticker := time.NewTicker(r.e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.e.ctx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(r.e.ctx, r.e.opts.RequestTimeout)
		if !r.e.invalidated() && r.replayOneShot(ctx) {
			if err := r.syncOneShot(ctx); err == nil {
				cancel()
				continue
			}
		}
		r.loadFromStorage(ctx)
		cancel()
	}
}
