// Package offset persists the getUpdates checkpoint: a single int64 cell per
// key. Load treats a missing or unreadable cell as 0 so a first run starts
// from the beginning; Store overwrites the cell completely.
package offset

import "context"

// Store is a durable int64 cell addressed by key.
type Store interface {
	Load(ctx context.Context, key string) (int64, error)
	Store(ctx context.Context, key string, value int64) error
}

// Backend names accepted by configuration.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)
