package statesync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

const masterConnQueue = 256

// master owns the authoritative store. Every merge, together with its
// persistence scheduling, broadcast and fan-out to channels, runs under mu so
// patches resolve in arrival order.
type master struct {
	e    *Engine
	host MasterHost

	mu    sync.Mutex
	conns map[string]*masterConn

	removeWatch func()
}

type masterConn struct {
	conn Connection
	out  chan Message
	gone chan struct{}
	once sync.Once
}

func (c *masterConn) drop() {
	c.once.Do(func() {
		close(c.gone)
		_ = c.conn.Close()
	})
}

// enqueue never blocks; a connection that cannot keep up is dropped and
// resyncs when it reconnects.
func (c *masterConn) enqueue(msg Message) bool {
	select {
	case <-c.gone:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		c.drop()
		return false
	}
}

func newMaster(e *Engine, host MasterHost) *master {
	return &master{
		e:     e,
		host:  host,
		conns: map[string]*masterConn{},
	}
}

func (m *master) start(ctx context.Context) error {
	loaded, err := m.e.persist.Load(ctx)
	if err != nil {
		m.e.logger.Warn("load persisted state failed, starting from defaults", zap.Error(err))
	}
	for ns, rec := range loaded {
		m.e.store.overlay(ns, rec)
	}
	m.removeWatch = m.e.persist.Watch(m.onStorageChange)
	if err := m.host.Serve(m.e.ctx, m); err != nil {
		return fmt.Errorf("serve master: %w", err)
	}
	m.update(NamespaceSystem, Patch{"isInitialized": true, "error": nil}, "local")
	m.e.logger.Info("master ready", zap.Int("restored", len(loaded)))
	return nil
}

func (m *master) close() {
	if m.removeWatch != nil {
		m.removeWatch()
	}
	m.mu.Lock()
	conns := make([]*masterConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = map[string]*masterConn{}
	m.mu.Unlock()
	for _, c := range conns {
		c.drop()
	}
	telemetry.ConnectedReplicas.Set(0)
}

func (m *master) update(ns Namespace, patch Patch, origin string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(ns, patch, origin, true)
}

func (m *master) reset(namespaces []Namespace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(namespaces)
}

func (m *master) resetLocked(namespaces []Namespace) {
	for _, ns := range namespaces {
		patch := patchFromRecord(DefaultRecord(ns))
		if ns == NamespaceSystem {
			patch["isInitialized"] = true
			patch["connectedReplicas"] = float64(len(m.conns))
		}
		m.mergeLocked(ns, patch, "reset", true)
	}
}

// mergeLocked runs steps merge, persist, broadcast and notify for one patch.
func (m *master) mergeLocked(ns Namespace, patch Patch, origin string, persist bool) Record {
	next, old, err := m.e.store.Merge(ns, patch)
	if err != nil {
		m.e.logger.Warn("merge rejected", zap.String("namespace", string(ns)), zap.Error(err))
		return nil
	}
	telemetry.Merges.WithLabelValues(string(ns), origin).Inc()
	if persist {
		m.e.persist.Schedule(ns, next)
	}

	msg := StateUpdate{Namespace: ns, Record: next, Patch: patch}
	pages := m.host.Broadcast(m.e.ctx, msg)
	channels := 0
	for _, c := range m.conns {
		if c.enqueue(msg) {
			channels++
		}
	}
	telemetry.Broadcasts.WithLabelValues(string(ns)).Inc()
	telemetry.BroadcastDeliveries.WithLabelValues("page").Add(float64(pages))
	telemetry.BroadcastDeliveries.WithLabelValues("channel").Add(float64(channels))

	m.e.subs.Publish(ns, next, old, patch)
	return next
}

func (m *master) snapshotLocked(id string) FullSync {
	return FullSync{ID: id, InstanceID: m.e.opts.InstanceID, Snapshot: m.e.store.GetAll()}
}

// HandleConnection registers conn, sends it the current snapshot and starts
// its reader and writer.
func (m *master) HandleConnection(conn Connection) {
	if m.e.closed.Load() {
		_ = conn.Close()
		return
	}
	mc := &masterConn{
		conn: conn,
		out:  make(chan Message, masterConnQueue),
		gone: make(chan struct{}),
	}
	m.mu.Lock()
	if prev, ok := m.conns[conn.ID()]; ok {
		prev.drop()
	}
	m.conns[conn.ID()] = mc
	mc.enqueue(m.snapshotLocked(""))
	m.connectedChangedLocked()
	m.mu.Unlock()

	m.e.logger.Debug("replica connected", zap.String("conn", conn.ID()))
	m.e.goBackground(func() { m.writeLoop(mc) })
	m.e.goBackground(func() { m.readLoop(mc) })
}

func (m *master) connectedChangedLocked() {
	telemetry.ConnectedReplicas.Set(float64(len(m.conns)))
	m.mergeLocked(NamespaceSystem, Patch{"connectedReplicas": float64(len(m.conns))}, "local", false)
}

func (m *master) writeLoop(mc *masterConn) {
	for {
		select {
		case <-mc.gone:
			return
		case <-mc.conn.Done():
			return
		case <-m.e.ctx.Done():
			return
		case msg := <-mc.out:
			ctx, cancel := context.WithTimeout(m.e.ctx, m.e.opts.RequestTimeout)
			err := mc.conn.Send(ctx, msg)
			cancel()
			if err != nil {
				m.e.logger.Debug("send to replica failed", zap.String("conn", mc.conn.ID()), zap.Error(err))
				mc.drop()
				return
			}
		}
	}
}

func (m *master) readLoop(mc *masterConn) {
	defer m.detach(mc)
	for {
		select {
		case <-mc.gone:
			return
		case <-mc.conn.Done():
			return
		case <-m.e.ctx.Done():
			return
		case msg, ok := <-mc.conn.Messages():
			if !ok {
				return
			}
			m.handleChannelMessage(mc, msg)
		}
	}
}

func (m *master) detach(mc *masterConn) {
	mc.drop()
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.conns[mc.conn.ID()]; !ok || current != mc {
		return
	}
	delete(m.conns, mc.conn.ID())
	if m.e.closed.Load() {
		return
	}
	m.connectedChangedLocked()
	m.e.logger.Debug("replica disconnected", zap.String("conn", mc.conn.ID()))
}

func (m *master) handleChannelMessage(mc *masterConn, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch req := msg.(type) {
	case SyncRequest:
		mc.enqueue(m.snapshotLocked(req.ID))
	case UpdateRequest:
		// The ack follows the broadcast on the same FIFO queue, so the replica
		// holds the merged record by the time its Update returns.
		mc.enqueue(m.applyUpdateLocked(req))
	case ResetRequest:
		mc.enqueue(m.applyResetLocked(req))
	default:
		m.e.logger.Debug("ignoring unexpected channel message",
			zap.String("conn", mc.conn.ID()),
			zap.String("type", string(msg.Type())),
		)
	}
}

// HandleMessage answers one-shot requests.
func (m *master) HandleMessage(ctx context.Context, from string, msg Message) (Message, error) {
	if m.e.closed.Load() {
		return nil, ErrNoReceiver
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch req := msg.(type) {
	case SyncRequest:
		return m.snapshotLocked(req.ID), nil
	case UpdateRequest:
		return m.applyUpdateLocked(req), nil
	case ResetRequest:
		return m.applyResetLocked(req), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a request", ErrInvalidMessage, msg.Type())
	}
}

func (m *master) applyUpdateLocked(req UpdateRequest) UpdateAck {
	if !req.Namespace.Valid() {
		return UpdateAck{ID: req.ID, Namespace: req.Namespace, Error: ErrInvalidNamespace.Error()}
	}
	patch, err := normalizePatch(req.Patch)
	if err != nil {
		return UpdateAck{ID: req.ID, Namespace: req.Namespace, Error: err.Error()}
	}
	next := m.mergeLocked(req.Namespace, patch, "replica", true)
	return UpdateAck{ID: req.ID, Namespace: req.Namespace, Record: next}
}

func (m *master) applyResetLocked(req ResetRequest) UpdateAck {
	namespaces := req.Namespaces
	for _, ns := range namespaces {
		if !ns.Valid() {
			return UpdateAck{ID: req.ID, Namespace: ns, Error: ErrInvalidNamespace.Error()}
		}
	}
	if len(namespaces) == 0 {
		namespaces = Namespaces()
	}
	m.resetLocked(namespaces)
	ack := UpdateAck{ID: req.ID}
	if len(namespaces) == 1 {
		ack.Namespace = namespaces[0]
		ack.Record, _ = m.e.store.Get(namespaces[0])
	}
	return ack
}

// onStorageChange ingests writes made by other contexts sharing the storage
// host. The master's own writes are recognised by the pending mark or by
// carrying the content it already holds.
func (m *master) onStorageChange(ns Namespace, stored Record) {
	if m.e.closed.Load() {
		return
	}
	if m.e.persist.IsPending(ns) {
		telemetry.EchoSuppressed.WithLabelValues(string(ns), "pending").Inc()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.e.store.Get(ns)
	if err != nil {
		return
	}
	if sameContent(current, stored) {
		telemetry.EchoSuppressed.WithLabelValues(string(ns), "unchanged").Inc()
		return
	}
	m.e.logger.Debug("applying external storage change", zap.String("namespace", string(ns)))
	m.mergeLocked(ns, patchFromRecord(stored), "storage", false)
}
