package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileStorage keeps every key in one JSON object on disk. Writes from other
// processes sharing the file are picked up through fsnotify.
type FileStorage struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	cache    map[string]json.RawMessage
	notifier changeNotifier

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

func NewFileStorage(path string, logger *zap.Logger) (*FileStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStorage{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	values, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cache = values

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("file watcher unavailable, external writes will not be observed", zap.Error(err))
		close(s.done)
		return s, nil
	}
	// The directory is watched because atomic renames replace the file inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		logger.Warn("watch storage directory failed", zap.String("path", path), zap.Error(err))
		close(s.done)
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileStorage) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = cloneRaw(v)
		}
	}
	return out, nil
}

func (s *FileStorage) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if s == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, v := range items {
		if !json.Valid(v) {
			return &storageValueError{key: k}
		}
	}
	s.mu.Lock()
	values, err := s.read()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// Changes made by other writers since the last reload are reported too.
	changes := diffItems(s.cache, values)
	for k, v := range items {
		values[k] = cloneRaw(v)
	}
	for k, c := range diffItems(s.cache, items) {
		changes[k] = c
	}
	if err := s.writeAtomic(values); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cache = values
	s.mu.Unlock()
	s.notifier.fire(changes)
	return nil
}

func (s *FileStorage) OnChanged(fn func(map[string]StorageChange)) func() {
	return s.notifier.add(fn)
}

func (s *FileStorage) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			err = s.watcher.Close()
			<-s.done
		}
	})
	return err
}

func (s *FileStorage) watch() {
	defer close(s.done)
	name := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", zap.String("path", s.path), zap.Error(err))
		}
	}
}

func (s *FileStorage) reload() {
	s.mu.Lock()
	values, err := s.read()
	if err != nil {
		s.mu.Unlock()
		// Partially written files from non-atomic writers settle on the next event.
		s.logger.Debug("reload storage file failed", zap.String("path", s.path), zap.Error(err))
		return
	}
	changes := diffItems(s.cache, values)
	s.cache = values
	s.mu.Unlock()
	s.notifier.fire(changes)
}

func (s *FileStorage) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	values := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *FileStorage) writeAtomic(values map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
