package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisProvider stores each user's history in two sorted sets scored by
// the record time in unix milliseconds.
type RedisProvider struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// RedisOption configures a RedisProvider.
type RedisOption func(*RedisProvider)

// WithRetention trims records older than d on every write. Zero keeps all.
func WithRetention(d time.Duration) RedisOption {
	return func(p *RedisProvider) { p.retention = d }
}

// WithRedisClock overrides the clock used for windows and retention.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(p *RedisProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewRedisProvider creates a provider on a new client for opts.
func NewRedisProvider(opts *redis.Options, prefix string, options ...RedisOption) *RedisProvider {
	if prefix == "" {
		prefix = "pattern-agents:history:"
	}
	p := &RedisProvider{
		client: redis.NewClient(opts),
		prefix: prefix,
		now:    time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

type redisMember struct {
	ID string `json:"id"`
	IncomeRecord
}

type redisExpenseMember struct {
	ID string `json:"id"`
	ExpenseRecord
}

func (p *RedisProvider) incomeKey(userID string) string  { return p.prefix + "income:" + userID }
func (p *RedisProvider) expenseKey(userID string) string { return p.prefix + "expense:" + userID }

func (p *RedisProvider) add(ctx context.Context, key string, at time.Time, member interface{}) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: data})
	if p.retention > 0 {
		cutoff := p.now().Add(-p.retention).UnixMilli()
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (p *RedisProvider) window(ctx context.Context, key string, days int) ([]string, error) {
	from := "-inf"
	if days > 0 {
		from = strconv.FormatInt(windowStart(p.now(), days).UnixMilli(), 10)
	}
	return p.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: from, Max: "+inf"}).Result()
}

// RecordIncome adds an income record.
func (p *RedisProvider) RecordIncome(ctx context.Context, userID string, rec IncomeRecord) error {
	if err := validIncome(userID, rec); err != nil {
		return err
	}
	return p.add(ctx, p.incomeKey(userID), rec.Date, redisMember{ID: uuid.New().String(), IncomeRecord: rec})
}

// RecordExpense adds an expense record.
func (p *RedisProvider) RecordExpense(ctx context.Context, userID string, rec ExpenseRecord) error {
	if err := validExpense(userID, rec); err != nil {
		return err
	}
	return p.add(ctx, p.expenseKey(userID), rec.Date, redisExpenseMember{ID: uuid.New().String(), ExpenseRecord: rec})
}

// IncomeHistory returns income inside the window.
func (p *RedisProvider) IncomeHistory(ctx context.Context, userID string, days int) ([]IncomeRecord, error) {
	raw, err := p.window(ctx, p.incomeKey(userID), days)
	if err != nil {
		return nil, fmt.Errorf("income history: %w", err)
	}
	out := make([]IncomeRecord, 0, len(raw))
	for _, s := range raw {
		var m redisMember
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		out = append(out, m.IncomeRecord)
	}
	sortIncome(out)
	return out, nil
}

// ExpenseHistory returns expenses inside the window.
func (p *RedisProvider) ExpenseHistory(ctx context.Context, userID string, days int) ([]ExpenseRecord, error) {
	raw, err := p.window(ctx, p.expenseKey(userID), days)
	if err != nil {
		return nil, fmt.Errorf("expense history: %w", err)
	}
	out := make([]ExpenseRecord, 0, len(raw))
	for _, s := range raw {
		var m redisExpenseMember
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		out = append(out, m.ExpenseRecord)
	}
	sortExpenses(out)
	return out, nil
}

// Close closes the Redis connection.
func (p *RedisProvider) Close() error { return p.client.Close() }

var _ Store = (*RedisProvider)(nil)
