package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a Store backed by a single SQLite table, so the current
// session survives agent restarts.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the snapshot table if needed. db should come from
// infra.OpenSQLite.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS snapshots (
  key           TEXT PRIMARY KEY,
  value         BLOB NOT NULL,
  expires_at_ms INTEGER NOT NULL DEFAULT 0
);`); err != nil {
		return nil, fmt.Errorf("ensure snapshots table: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at_ms FROM snapshots WHERE key = ?`, key).Scan(&value, &expMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	if expMS > 0 && s.now().UnixMilli() > expMS {
		_ = s.Delete(ctx, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expMS int64
	if ttl > 0 {
		expMS = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO snapshots (key, value, expires_at_ms) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms`,
		key, value, expMS)
	if err != nil {
		return fmt.Errorf("set snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}
