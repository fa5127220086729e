package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// Store persists versioned JSON snapshots of agent state. It backs the
// persist-and-clear hook of in-memory profile arenas.
type Store interface {
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) (int64, error)
	// Get decodes the stored value into dst and returns its version.
	Get(ctx context.Context, key string, dst interface{}) (int64, error)
	// Txn writes every value atomically.
	Txn(ctx context.Context, values map[string]interface{}, ttl time.Duration) error
	Close() error
}
