package offset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteStore keeps offsets in the offsets table created by db.InitSchema.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM offsets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load offset %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Store(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offsets (key, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store offset %q: %w", key, err)
	}
	return nil
}
