package statesync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdDialTimeout = 5 * time.Second

// EtcdStorage maps storage keys below a key prefix and follows changes with
// a prefix Watch.
type EtcdStorage struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger

	mu       sync.Mutex
	cache    map[string]json.RawMessage
	notifier changeNotifier

	watchOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewEtcdStorage(endpoints []string, prefix string, logger *zap.Logger) (*EtcdStorage, error) {
	if len(endpoints) == 0 {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStorage{
		client: client,
		prefix: prefix,
		logger: logger,
		cache:  map[string]json.RawMessage{},
	}, nil
}

func (s *EtcdStorage) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ops := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, clientv3.OpGet(s.prefix+k))
	}
	resp, err := s.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Responses {
		rng := r.GetResponseRange()
		if rng == nil {
			continue
		}
		for _, kv := range rng.Kvs {
			out[strings.TrimPrefix(string(kv.Key), s.prefix)] = cloneRaw(kv.Value)
		}
	}
	return out, nil
}

func (s *EtcdStorage) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if s == nil {
		return ErrInvalidInput
	}
	ops := make([]clientv3.Op, 0, len(items))
	for k, v := range items {
		if !json.Valid(v) {
			return &storageValueError{key: k}
		}
		ops = append(ops, clientv3.OpPut(s.prefix+k, string(v)))
	}
	if len(ops) == 0 {
		return nil
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return err
	}
	s.mu.Lock()
	changes := diffItems(s.cache, items)
	for k := range changes {
		s.cache[k] = cloneRaw(items[k])
	}
	s.mu.Unlock()
	s.notifier.fire(changes)
	return nil
}

// OnChanged starts the prefix watch on first use.
func (s *EtcdStorage) OnChanged(fn func(map[string]StorageChange)) func() {
	remove := s.notifier.add(fn)
	s.watchOnce.Do(s.startWatch)
	return remove
}

func (s *EtcdStorage) Close() error {
	if s == nil {
		return nil
	}
	s.watchOnce.Do(func() {})
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.client.Close()
}

func (s *EtcdStorage) startWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	primeCtx, primeCancel := context.WithTimeout(ctx, etcdDialTimeout)
	resp, err := s.client.Get(primeCtx, s.prefix, clientv3.WithPrefix())
	primeCancel()
	var rev int64
	if err != nil {
		s.logger.Warn("etcd prime read failed", zap.Error(err))
	} else {
		s.mu.Lock()
		for _, kv := range resp.Kvs {
			s.cache[strings.TrimPrefix(string(kv.Key), s.prefix)] = cloneRaw(kv.Value)
		}
		s.mu.Unlock()
		rev = resp.Header.Revision + 1
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithPrevKV()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}
	watch := s.client.Watch(ctx, s.prefix, opts...)
	go func() {
		defer close(s.done)
		for wr := range watch {
			if err := wr.Err(); err != nil {
				s.logger.Warn("etcd watch error", zap.Error(err))
				continue
			}
			s.apply(wr.Events)
		}
	}()
}

func (s *EtcdStorage) apply(events []*clientv3.Event) {
	changes := map[string]StorageChange{}
	s.mu.Lock()
	for _, ev := range events {
		key := strings.TrimPrefix(string(ev.Kv.Key), s.prefix)
		old, had := s.cache[key]
		if ev.Type == clientv3.EventTypeDelete {
			if !had {
				continue
			}
			delete(s.cache, key)
			changes[key] = StorageChange{OldValue: old}
			continue
		}
		value := json.RawMessage(cloneRaw(ev.Kv.Value))
		if had && sameJSON(old, value) {
			continue
		}
		s.cache[key] = value
		var oldValue json.RawMessage
		if had {
			oldValue = old
		} else if ev.PrevKv != nil {
			oldValue = cloneRaw(ev.PrevKv.Value)
		}
		changes[key] = StorageChange{OldValue: oldValue, NewValue: cloneRaw(value)}
	}
	s.mu.Unlock()
	s.notifier.fire(changes)
}
