package statesync

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultChannelName    = "relaystate"
	DefaultInstanceID     = "relaystate"
	defaultSyncTimeout    = 5 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultPollInterval   = 5 * time.Second
	defaultJournalLimit   = 64
	closeFlushTimeout     = 5 * time.Second
)

type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// RoleFor maps an execution context kind to its role.
func RoleFor(kind ContextKind) Role {
	if kind == KindBackground {
		return RoleMaster
	}
	return RoleReplica
}

type Options struct {
	Kind      ContextKind
	ContextID string

	// Master is required for background contexts, Replica for the others.
	Master  MasterHost
	Replica ReplicaHost
	Storage StorageHost

	// Validity reports true once this context has been invalidated.
	Validity func() bool
	Logger   *zap.Logger

	// InstanceID identifies a master incarnation to its replicas.
	InstanceID      string
	PersistDebounce time.Duration
	SyncTimeout     time.Duration
	RequestTimeout  time.Duration
	Reconnect       ReconnectPolicy
	PollInterval    time.Duration
	ChannelName     string
	JournalLimit    int

	Now    func() time.Time
	Random func() float64
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if strings.TrimSpace(o.ContextID) == "" {
		o.ContextID = string(o.Kind)
	}
	if strings.TrimSpace(o.InstanceID) == "" {
		o.InstanceID = DefaultInstanceID
	}
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = defaultPersistDebounce
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = defaultSyncTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if strings.TrimSpace(o.ChannelName) == "" {
		o.ChannelName = DefaultChannelName
	}
	if o.JournalLimit <= 0 {
		o.JournalLimit = defaultJournalLimit
	}
	o.Reconnect = o.Reconnect.withDefaults()
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Random == nil {
		o.Random = rand.Float64
	}
	return o
}

// Client is the consumer-facing surface of an engine.
type Client interface {
	Get(ns Namespace) (Record, error)
	GetAll() Snapshot
	Update(ctx context.Context, ns Namespace, patch Patch) error
	Subscribe(ns Namespace, listener Listener) (func(), error)
	Reset(ctx context.Context, namespaces ...Namespace) error
}

var _ Client = (*Engine)(nil)

// Engine is one execution context's view of the shared state. Background
// contexts run it as the master; popup and content contexts as replicas.
type Engine struct {
	opts    Options
	role    Role
	logger  *zap.Logger
	store   *Store
	subs    *Registry
	persist *writeQueue

	ctx    context.Context
	cancel context.CancelFunc
	bgMu   sync.Mutex
	wg     sync.WaitGroup

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	requestID atomic.Uint64

	master  *master
	replica *replica
}

func New(opts Options) (*Engine, error) {
	if _, err := ParseContextKind(string(opts.Kind)); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	role := RoleFor(opts.Kind)
	switch role {
	case RoleMaster:
		if opts.Master == nil {
			return nil, fmt.Errorf("%w: background context needs a master host", ErrInvalidInput)
		}
	case RoleReplica:
		if opts.Replica == nil {
			return nil, fmt.Errorf("%w: %s context needs a replica host", ErrInvalidInput, opts.Kind)
		}
	}
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	logger := opts.Logger.With(
		zap.String("context", opts.ContextID),
		zap.String("role", string(role)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    opts,
		role:    role,
		logger:  logger,
		store:   NewStore(opts.Now),
		subs:    NewRegistry(logger.Named("subscriptions")),
		persist: newWriteQueue(opts.Storage, opts.PersistDebounce, logger.Named("persistence")),
		ctx:     ctx,
		cancel:  cancel,
	}
	if role == RoleMaster {
		e.master = newMaster(e, opts.Master)
	} else {
		e.replica = newReplica(e, opts.Replica)
	}
	return e, nil
}

func (e *Engine) Role() Role {
	return e.role
}

// Start brings the engine online. Masters load persisted state and begin
// serving; replicas connect and perform the initial full sync, falling back
// to storage when the master does not answer within SyncTimeout.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	if e.master != nil {
		return e.master.start(ctx)
	}
	return e.replica.start(ctx)
}

func (e *Engine) Get(ns Namespace) (Record, error) {
	return e.store.Get(ns)
}

func (e *Engine) GetAll() Snapshot {
	return e.store.GetAll()
}

// Update applies patch to ns. Replicas route it through the master; when the
// master is unreachable the patch is applied locally and journaled.
func (e *Engine) Update(ctx context.Context, ns Namespace, patch Patch) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !ns.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	normalized, err := normalizePatch(patch)
	if err != nil {
		return err
	}
	if e.master != nil {
		e.master.update(ns, normalized, "local")
		return nil
	}
	e.replica.update(ctx, ns, normalized)
	return nil
}

func (e *Engine) Subscribe(ns Namespace, listener Listener) (func(), error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.subs.Subscribe(ns, func() Record {
		rec, _ := e.store.Get(ns)
		return rec
	}, listener)
}

// Reset restores defaults for the given namespaces, or for all of them.
func (e *Engine) Reset(ctx context.Context, namespaces ...Namespace) error {
	if e.closed.Load() {
		return ErrClosed
	}
	for _, ns := range namespaces {
		if !ns.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
		}
	}
	if len(namespaces) == 0 {
		namespaces = Namespaces()
	}
	if e.master != nil {
		e.master.reset(namespaces)
		return nil
	}
	e.replica.reset(ctx, namespaces)
	return nil
}

// ConnectionState reports the replica channel state. Masters are always
// connected.
func (e *Engine) ConnectionState() ConnState {
	if e.replica != nil {
		return e.replica.rc.State()
	}
	return StateConnected
}

// Degraded reports whether a replica is applying writes locally because the
// master is unreachable.
func (e *Engine) Degraded() bool {
	if e.replica != nil {
		return e.replica.degraded.Load()
	}
	return false
}

// Close stops background work, flushes pending writes and releases
// listeners. The storage host is owned by the caller and stays open.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.bgMu.Lock()
		e.closed.Store(true)
		e.bgMu.Unlock()
		e.cancel()
		if e.master != nil {
			e.master.close()
		}
		if e.replica != nil {
			e.replica.close()
		}
		e.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		e.persist.Close(ctx)
		cancel()
		e.subs.Close()
	})
	return nil
}

func (e *Engine) nextRequestID() string {
	return e.opts.ContextID + "-" + strconv.FormatUint(e.requestID.Add(1), 10)
}

func (e *Engine) invalidated() bool {
	if e.opts.Validity != nil && e.opts.Validity() {
		return true
	}
	return e.replica != nil && e.replica.host.Invalidated()
}

func (e *Engine) goBackground(fn func()) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed.Load() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}
