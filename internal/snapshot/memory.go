package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	version int64
	data    []byte
	expires time.Time
}

// MemoryStore is an in-process Store. Values are kept JSON-encoded so Get
// behaves exactly like the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: time.Now}
}

func (m *MemoryStore) putLocked(key string, value interface{}, ttl time.Duration) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	e := m.live(key)
	e.version++
	e.data = data
	e.expires = time.Time{}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return e.version, nil
}

// live returns the entry for key, dropping it if expired.
func (m *MemoryStore) live(key string) entry {
	e, ok := m.entries[key]
	if !ok {
		return entry{}
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return entry{}
	}
	return e
}

// Put stores value and returns its new version.
func (m *MemoryStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, value, ttl)
}

// Get decodes the value for key into dst.
func (m *MemoryStore) Get(ctx context.Context, key string, dst interface{}) (int64, error) {
	m.mu.Lock()
	e := m.live(key)
	m.mu.Unlock()
	if e.data == nil {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return 0, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return e.version, nil
}

// Txn stores every value under one lock.
func (m *MemoryStore) Txn(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		if _, err := m.putLocked(k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
