package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"go-pattern-agents/internal/core"
)

const (
	// DefaultChannelPrefix prefixes every Redis channel used by the relay.
	DefaultChannelPrefix = "pattern-agents:"
	relayPriority        = -1 << 20
)

// RedisRelay bridges a local bus and Redis Pub/Sub: outbound kinds are
// forwarded to Redis for out-of-process consumers, inbound channels are
// republished onto the local bus. Reconnects when a ping fails.
type RedisRelay struct {
	mu            sync.Mutex
	client        *redis.Client
	options       *redis.Options
	bus           Bus
	prefix        string
	subscriptions map[string]*redis.PubSub
	forwards      map[core.EventKind]string
	logger        *logrus.Logger
}

// NewRedisRelay creates a relay for bus using the given Redis options. An
// empty prefix selects DefaultChannelPrefix.
func NewRedisRelay(opts *redis.Options, bus Bus, prefix string, logger *logrus.Logger) *RedisRelay {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisRelay{
		client:        redis.NewClient(opts),
		options:       opts,
		bus:           bus,
		prefix:        prefix,
		subscriptions: make(map[string]*redis.PubSub),
		forwards:      make(map[core.EventKind]string),
		logger:        logger,
	}
}

// Channel returns the Redis channel for kind.
func (r *RedisRelay) Channel(kind core.EventKind) string { return r.prefix + string(kind) }

func (r *RedisRelay) log() *logrus.Entry {
	return r.logger.WithField("component", "redis_relay")
}

// ensureConnection pings the server and reconnects if necessary.
func (r *RedisRelay) ensureConnection(ctx context.Context) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.log().WithError(err).Warn("reconnecting to redis")
		r.client = redis.NewClient(r.options)
	}
}

// Forward mirrors every local event of the given kinds to Redis. The relay
// listens at the lowest priority so local consumers run first.
func (r *RedisRelay) Forward(kinds ...core.EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range kinds {
		if _, ok := r.forwards[kind]; ok {
			continue
		}
		r.forwards[kind] = r.bus.Subscribe(kind, r.forward, WithPriority(relayPriority))
	}
}

func (r *RedisRelay) forward(ctx context.Context, ev core.Event) (interface{}, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.ensureConnection(ctx)
	client := r.client
	r.mu.Unlock()
	return nil, client.Publish(ctx, r.Channel(ev.Kind), data).Err()
}

// receive republishes messages from pubsub until ctx ends.
func (r *RedisRelay) receive(ctx context.Context, pubsub *redis.PubSub) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == redis.ErrClosed {
				return
			}
			r.log().WithError(err).Warn("receive error")
			time.Sleep(time.Second)
			continue
		}
		var ev core.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.log().WithError(err).WithField("channel", msg.Channel).Warn("undecodable message dropped")
			continue
		}
		if ev.Kind == "" {
			ev.Kind = core.EventKind(strings.TrimPrefix(msg.Channel, r.prefix))
		}
		if err := r.bus.Publish(ctx, ev.Kind, ev.Payload); err != nil {
			r.log().WithError(err).WithField("kind", ev.Kind).Warn("republish failed")
		}
	}
}

// Ingest subscribes to the channels of kinds and republishes their events
// on the local bus. Blocks until the subscription is confirmed.
func (r *RedisRelay) Ingest(ctx context.Context, kinds ...core.EventKind) error {
	channels := make([]string, 0, len(kinds))
	for _, k := range kinds {
		channels = append(channels, r.Channel(k))
	}
	r.mu.Lock()
	r.ensureConnection(ctx)
	ps := r.client.Subscribe(ctx, channels...)
	r.mu.Unlock()
	return r.start(ctx, strings.Join(channels, ","), ps)
}

// IngestPattern is Ingest for a glob over the relay prefix, e.g. "*".
func (r *RedisRelay) IngestPattern(ctx context.Context, pattern string) error {
	r.mu.Lock()
	r.ensureConnection(ctx)
	ps := r.client.PSubscribe(ctx, r.prefix+pattern)
	r.mu.Unlock()
	return r.start(ctx, r.prefix+pattern, ps)
}

func (r *RedisRelay) start(ctx context.Context, key string, ps *redis.PubSub) error {
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	r.mu.Lock()
	r.subscriptions[key] = ps
	r.mu.Unlock()
	go r.receive(ctx, ps)
	return nil
}

// Close stops forwarding, terminates all subscriptions and closes the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, id := range r.forwards {
		r.bus.Unsubscribe(kind, id)
	}
	r.forwards = make(map[core.EventKind]string)
	for _, ps := range r.subscriptions {
		_ = ps.Close()
	}
	r.subscriptions = make(map[string]*redis.PubSub)
	return r.client.Close()
}
