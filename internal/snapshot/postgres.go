package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTableName = "fieldsync_snapshot"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend upserts one row per key into fieldsync_snapshot, creating
// the table on first use.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	// mu guards db, which stays nil until the table exists. A failed init is
	// retried on the next call.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgresBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresSnapshotTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, key string) (*State, error) {
	if b == nil {
		return nil, nil
	}
	db, err := b.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *PostgresBackend) Save(ctx context.Context, key string, state *State) error {
	if b == nil || state == nil {
		return nil
	}
	db, err := b.ensureReady(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = db.ExecContext(ctx, query, key, string(payload))
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *PostgresBackend) ensureReady(ctx context.Context) (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(b.tableName))
	if _, err := db.ExecContext(initCtx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
