package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
)

func TestPostgresBackendRetriesFailedInit(t *testing.T) {
	backend, err := NewPostgresBackend("postgres://fieldsync@127.0.0.1:1/fieldsync?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	pg := backend.(*PostgresBackend)
	unreachable := errors.New("db temporarily unreachable")
	var mu sync.Mutex
	calls := 0
	pg.openDB = func(driverName, dsn string) (*sql.DB, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, unreachable
		}
		return sql.Open(driverName, dsn)
	}
	t.Cleanup(func() { _ = backend.Close() })

	ctx := context.Background()
	if err := backend.Save(ctx, "user:3", NewState(3)); !errors.Is(err, unreachable) {
		t.Fatalf("expected open failure, got %v", err)
	}
	// Nothing listens on port 1, so the second attempt opens a handle and
	// fails creating the table instead of repeating the first error.
	err = backend.Save(ctx, "user:3", NewState(3))
	if err == nil || errors.Is(err, unreachable) {
		t.Fatalf("expected a fresh init attempt, got %v", err)
	}
	if _, err := backend.Load(ctx, "user:3"); err == nil {
		t.Fatalf("expected load to fail while the database is down")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected every call to retry init, got %d opens", calls)
	}
	if pg.db != nil {
		t.Fatalf("expected no handle to be kept after failed init")
	}
}
