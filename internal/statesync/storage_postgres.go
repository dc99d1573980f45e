package statesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	postgresStorageTableName = "relaystate_kv"
	postgresNotifyChannel    = "relaystate_changes"
	postgresOperationTimeout = 5 * time.Second
	postgresListenerPing     = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStorage stores each key as a row and fans changes out with
// LISTEN/NOTIFY so every process sharing the database observes them.
type PostgresStorage struct {
	dsn       string
	tableName string
	channel   string
	openDB    sqlOpenFunc
	logger    *zap.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenOnce sync.Once
	listener   *pq.Listener
	stop       chan struct{}
	stopped    chan struct{}

	mu       sync.Mutex
	cache    map[string]json.RawMessage
	notifier changeNotifier
}

func NewPostgresStorage(dsn string, logger *zap.Logger) (*PostgresStorage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStorage{
		dsn:       dsn,
		tableName: postgresStorageTableName,
		channel:   postgresNotifyChannel,
		openDB:    sql.Open,
		logger:    logger,
		stop:      make(chan struct{}),
		cache:     map[string]json.RawMessage{},
	}, nil
}

func (s *PostgresStorage) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.query(ctx, keys)
}

func (s *PostgresStorage) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if s == nil {
		return ErrInvalidInput
	}
	for k, v := range items {
		if !json.Valid(v) {
			return &storageValueError{key: k}
		}
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	upsert := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	for k, v := range items {
		if _, err := tx.ExecContext(ctx, upsert, k, string(v)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, k); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Local listeners fire immediately; the NOTIFY echo then finds nothing new.
	s.mu.Lock()
	changes := diffItems(s.cache, items)
	for k := range changes {
		s.cache[k] = cloneRaw(items[k])
	}
	s.mu.Unlock()
	s.notifier.fire(changes)
	return nil
}

// OnChanged starts the LISTEN loop on first use.
func (s *PostgresStorage) OnChanged(fn func(map[string]StorageChange)) func() {
	remove := s.notifier.add(fn)
	if err := s.startListener(); err != nil {
		s.logger.Warn("postgres change listener unavailable", zap.Error(err))
	}
	return remove
}

func (s *PostgresStorage) Close() error {
	if s == nil {
		return nil
	}
	s.listenOnce.Do(func() {})
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if s.stopped != nil {
		<-s.stopped
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStorage) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStorage) startListener() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	var startErr error
	s.listenOnce.Do(func() {
		select {
		case <-s.stop:
			startErr = ErrClosed
			return
		default:
		}
		// Prime the cache so the first notification produces a real diff.
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		current, err := s.queryAll(ctx)
		cancel()
		if err != nil {
			startErr = err
			return
		}
		s.mu.Lock()
		s.cache = current
		s.mu.Unlock()

		listener := pq.NewListener(s.dsn, 10*time.Millisecond, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("postgres listener event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
		if err := listener.Listen(s.channel); err != nil {
			_ = listener.Close()
			startErr = err
			return
		}
		s.listener = listener
		s.stopped = make(chan struct{})
		go s.listen()
	})
	return startErr
}

func (s *PostgresStorage) listen() {
	defer close(s.stopped)
	ping := time.NewTicker(postgresListenerPing)
	defer ping.Stop()
	for {
		select {
		case <-s.stop:
			return
		case n := <-s.listener.Notify:
			// A nil notification follows a reconnect; anything may have changed.
			if n == nil {
				s.refresh(nil)
				continue
			}
			s.refresh([]string{n.Extra})
		case <-ping.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Debug("postgres listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (s *PostgresStorage) refresh(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var (
		values map[string]json.RawMessage
		err    error
	)
	if keys == nil {
		values, err = s.queryAll(ctx)
	} else {
		values, err = s.query(ctx, keys)
	}
	if err != nil {
		s.logger.Warn("postgres refresh failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	changes := diffItems(s.cache, values)
	for k := range changes {
		s.cache[k] = cloneRaw(values[k])
	}
	s.mu.Unlock()
	s.notifier.fire(changes)
}

func (s *PostgresStorage) query(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query := fmt.Sprintf("SELECT key, value FROM %s WHERE key = ANY($1)", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStorageRows(rows, out)
}

func (s *PostgresStorage) queryAll(ctx context.Context) (map[string]json.RawMessage, error) {
	query := fmt.Sprintf("SELECT key, value FROM %s", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStorageRows(rows, map[string]json.RawMessage{})
}

func scanStorageRows(rows *sql.Rows, out map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
