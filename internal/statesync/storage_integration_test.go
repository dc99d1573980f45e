package statesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var storageIntegrationCounter uint64

func TestPostgresIntegrationStorageNotifies(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	first, err := NewPostgresStorage(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("new postgres storage: %v", err)
	}
	second, err := NewPostgresStorage(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("new postgres storage: %v", err)
	}
	table := storageIntegrationName("relaystate_kv_it")
	channel := storageIntegrationName("relaystate_changes_it")
	for _, s := range []*PostgresStorage{first, second} {
		s.tableName = table
		s.channel = channel
	}
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
		postgresIntegrationDropTable(t, dsn, table)
	})

	rec := &changeRecorder{}
	first.OnChanged(rec.record)

	key := NamespaceUser.StorageKey()
	value := json.RawMessage(`{"email":"pg@example.com"}`)
	if err := second.Set(context.Background(), map[string]json.RawMessage{key: value}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		last := rec.last()
		return last != nil && sameJSON(last[key].NewValue, value)
	}, "expected notification for %s", key)

	values, err := first.Get(context.Background(), []string{key})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !sameJSON(values[key], value) {
		t.Fatalf("expected %s, got %s", value, values[key])
	}
}

func TestEtcdIntegrationStorageWatches(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("RELAYSTATE_TEST_ETCD_ENDPOINTS"))
	if raw == "" {
		t.Skip("set RELAYSTATE_TEST_ETCD_ENDPOINTS to run etcd integration tests")
	}
	endpoints := strings.Split(raw, ",")
	prefix := "/" + storageIntegrationName("relaystate_it") + "/"
	first, err := NewEtcdStorage(endpoints, prefix, zap.NewNop())
	if err != nil {
		t.Fatalf("new etcd storage: %v", err)
	}
	defer first.Close()
	second, err := NewEtcdStorage(endpoints, prefix, zap.NewNop())
	if err != nil {
		t.Fatalf("new etcd storage: %v", err)
	}
	defer second.Close()

	rec := &changeRecorder{}
	first.OnChanged(rec.record)

	key := NamespaceEyeTracker.StorageKey()
	value := json.RawMessage(`{"isConnected":true}`)
	if err := second.Set(context.Background(), map[string]json.RawMessage{key: value}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		last := rec.last()
		return last != nil && sameJSON(last[key].NewValue, value)
	}, "expected watch event for %s", key)
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYSTATE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYSTATE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func storageIntegrationName(prefix string) string {
	n := atomic.AddUint64(&storageIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
