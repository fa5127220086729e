package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisStore keeps each snapshot in a hash holding the JSON value and a
// monotonically increasing version.
type RedisStore struct {
	mu      sync.Mutex
	client  *redis.Client
	options *redis.Options
	prefix  string
	logger  *logrus.Logger
}

// NewRedisStore returns a new RedisStore with given options. Keys are
// prefixed with prefix ("pattern-agents:snapshot:" when empty).
func NewRedisStore(opts *redis.Options, prefix string, logger *logrus.Logger) *RedisStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if prefix == "" {
		prefix = "pattern-agents:snapshot:"
	}
	return &RedisStore{
		client:  redis.NewClient(opts),
		options: opts,
		prefix:  prefix,
		logger:  logger,
	}
}

// ensureConnection replaces the client when a ping fails.
func (s *RedisStore) ensureConnection(ctx context.Context) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.WithField("component", "snapshot").WithError(err).Warn("reconnecting to redis")
		s.client = redis.NewClient(s.options)
	}
}

// Put encodes value under key, bumping its version inside a WATCH
// transaction. A positive ttl refreshes the expiry.
func (s *RedisStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConnection(ctx)

	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	hkey := s.prefix + key
	var ver int64
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		res, err := tx.HGet(ctx, hkey, "version").Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		ver = res + 1
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, hkey, "value", data, "version", ver)
		if ttl > 0 {
			pipe.Expire(ctx, hkey, ttl)
		}
		_, err = pipe.Exec(ctx)
		return err
	}, hkey)
	if err != nil {
		return 0, fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return ver, nil
}

// Get decodes a value into dst and returns its version.
func (s *RedisStore) Get(ctx context.Context, key string, dst interface{}) (int64, error) {
	s.mu.Lock()
	s.ensureConnection(ctx)
	client := s.client
	s.mu.Unlock()

	res, err := client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	if len(res) == 0 {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal([]byte(res["value"]), dst); err != nil {
		return 0, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	ver, err := parseInt(res["version"])
	if err != nil {
		return 0, fmt.Errorf("snapshot %s version: %w", key, err)
	}
	return ver, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Txn writes every snapshot in one MULTI/EXEC.
func (s *RedisStore) Txn(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureConnection(ctx)

	pipe := s.client.TxPipeline()
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", k, err)
		}
		hkey := s.prefix + k
		pipe.HIncrBy(ctx, hkey, "version", 1)
		pipe.HSet(ctx, hkey, "value", data)
		if ttl > 0 {
			pipe.Expire(ctx, hkey, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot txn: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
