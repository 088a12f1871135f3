// Package recordstore is a SQLite system of record for write-behind caches.
package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"tiercache/internal/logging"
	"tiercache/internal/writebehind"
)

const (
	sqliteDriver       = "sqlite3"
	defaultBusyTimeout = 5 * time.Second
)

// Record is one row of the backing table
type Record struct {
	Key       string `db:"key"`
	Value     []byte `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// Store implements writebehind.Writer on a single SQLite table
type Store struct {
	mu    sync.Mutex
	db    *sqlx.DB
	table string
	now   func() time.Time
}

var _ writebehind.Writer = (*Store)(nil)

// Open opens or creates the database at path and ensures the table exists
func Open(ctx context.Context, path, table string) (*Store, error) {
	if table == "" {
		table = "cache_entries"
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record store directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%v?_busy_timeout=%v&_synchronous=FULL", url.QueryEscape(path), int64(defaultBusyTimeout/time.Millisecond))
	db, err := sqlx.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping record store %q: %w", path, err)
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema to record store %q: %w", path, err)
	}

	logging.Info(ctx, logging.ComponentRecordStore, logging.ActionStart, "Record store opened", map[string]interface{}{
		"path":  path,
		"table": table,
	})
	return &Store{db: db, table: table, now: time.Now}, nil
}

func validIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

func (s *Store) upsertQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (:key, :value, :updated_at)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.table)
}

// Write upserts one key
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	return s.WriteAll(ctx, []writebehind.KeyValue{{Key: key, Value: value}})
}

// WriteAll upserts a batch in one transaction
func (s *Store) WriteAll(ctx context.Context, batch []writebehind.KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, s.upsertQuery())
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.now().UnixMilli()
		for _, kv := range batch {
			value := kv.Value
			if value == nil {
				value = []byte{}
			}
			if _, err := stmt.ExecContext(ctx, Record{Key: kv.Key, Value: value, UpdatedAt: now}); err != nil {
				return fmt.Errorf("failed to write %q: %w", kv.Key, err)
			}
		}
		return nil
	})
}

// Delete removes one key; deleting a missing key succeeds
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.DeleteAll(ctx, []string{key})
}

// DeleteAll removes a batch of keys in one statement
func (s *Store) DeleteAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE key IN (?)", s.table), keys)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete %d key(s): %w", len(keys), err)
	}
	return nil
}

// Get reads a key back
func (s *Store) Get(ctx context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Record
	err := s.db.GetContext(ctx, &r, fmt.Sprintf("SELECT key, value, updated_at FROM %s WHERE key = ?", s.table), key)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Keys returns every stored key in order
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	if err := s.db.SelectContext(ctx, &keys, fmt.Sprintf("SELECT key FROM %s ORDER BY key", s.table)); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) tx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
