package statesync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type StorageFactory func(dsn string, logger *zap.Logger) (StorageHost, error)

var storageFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StorageFactory
}{
	factories: map[string]StorageFactory{},
}

// RegisterStorageFactory installs a storage host for scheme, taking
// precedence over the built-in hosts.
func RegisterStorageFactory(scheme string, factory StorageFactory) {
	scheme = normalizeStorageScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storageFactoryRegistry.mu.Lock()
	defer storageFactoryRegistry.mu.Unlock()
	storageFactoryRegistry.factories[scheme] = factory
}

func lookupStorageFactory(scheme string) (StorageFactory, bool) {
	scheme = normalizeStorageScheme(scheme)
	storageFactoryRegistry.mu.RLock()
	defer storageFactoryRegistry.mu.RUnlock()
	factory, ok := storageFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeStorageScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStorageFromDSN chooses a storage host from dsn. An empty dsn selects
// in-memory storage.
func BuildStorageFromDSN(dsn string, logger *zap.Logger) (StorageHost, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStorage(), nil
	}
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		if factory, found := lookupStorageFactory(scheme); found {
			return factory(dsn, logger)
		}
		if normalizeStorageScheme(scheme) == "etcd" {
			endpoints, prefix, err := etcdTarget(dsn)
			if err != nil {
				return nil, err
			}
			return NewEtcdStorage(endpoints, prefix, logger.Named("etcd"))
		}
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStorageScheme(parsed.Scheme)
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStorage(path, logger.Named("file"))
	case "memory", "mem", "inmem":
		return NewMemoryStorage(), nil
	case "postgres", "postgresql":
		return NewPostgresStorage(dsn, logger.Named("postgres"))
	case "redis", "sqlite":
		return nil, fmt.Errorf("%w: storage %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// etcdTarget splits etcd://h1:2379,h2:2379/prefix?tls=true into endpoints
// and a key prefix. net/url rejects comma separated hosts, so the DSN is cut
// by hand.
func etcdTarget(dsn string) ([]string, string, error) {
	_, rest, _ := strings.Cut(strings.TrimSpace(dsn), "://")
	rest, rawQuery, _ := strings.Cut(rest, "?")
	hosts, path, _ := strings.Cut(rest, "/")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tls := query.Get("tls") == "true"
	var endpoints []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if tls {
			endpoints = append(endpoints, "https://"+h)
		} else {
			endpoints = append(endpoints, "http://"+h)
		}
	}
	if len(endpoints) == 0 {
		return nil, "", fmt.Errorf("%w: etcd dsn needs at least one endpoint", ErrInvalidInput)
	}
	prefix := strings.Trim(path, "/")
	if prefix == "" {
		prefix = "relaystate"
	}
	return endpoints, "/" + prefix + "/", nil
}
