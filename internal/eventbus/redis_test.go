package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pattern-agents/internal/core"
)

func TestRelayForward(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	bus := NewLocalBus(WithLogger(quietLogger()))
	relay := NewRedisRelay(&redis.Options{Addr: s.Addr()}, bus, "", quietLogger())
	defer relay.Close()
	relay.Forward(core.KindAgentAlert)
	relay.Forward(core.KindAgentAlert)
	assert.Equal(t, 1, bus.ListenerCount(core.KindAgentAlert))

	ctx := context.Background()
	sub := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, relay.Channel(core.KindAgentAlert))
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, core.KindAgentAlert, map[string]interface{}{"message": "slow down"}))

	select {
	case msg := <-ps.Channel():
		var ev core.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, core.KindAgentAlert, ev.Kind)
		assert.Equal(t, "slow down", ev.Payload["message"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for forwarded event")
	}
}

func TestRelayIngest(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	bus := NewLocalBus(WithLogger(quietLogger()))
	got := make(chan core.Event, 1)
	bus.Subscribe(core.KindExpenseAdded, func(ctx context.Context, ev core.Event) (interface{}, error) {
		got <- ev
		return nil, nil
	})

	relay := NewRedisRelay(&redis.Options{Addr: s.Addr()}, bus, "test:", quietLogger())
	defer relay.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, relay.Ingest(ctx, core.KindExpenseAdded))

	ev := core.NewEvent(core.KindExpenseAdded, map[string]interface{}{"userId": "u1", "amount": 250.0}, time.Now())
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	pub := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer pub.Close()
	require.NoError(t, pub.Publish(ctx, "test:EXPENSE_ADDED", data).Err())

	select {
	case in := <-got:
		assert.Equal(t, "u1", in.Payload["userId"])
		assert.Equal(t, 250.0, in.Payload["amount"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ingested event")
	}
}

func TestRelayIngestPattern(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	bus := NewLocalBus(WithLogger(quietLogger()))
	got := make(chan core.Event, 1)
	bus.Subscribe(core.KindIncomeAdded, func(ctx context.Context, ev core.Event) (interface{}, error) {
		got <- ev
		return nil, nil
	})
	relay := NewRedisRelay(&redis.Options{Addr: s.Addr()}, bus, "", quietLogger())
	defer relay.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, relay.IngestPattern(ctx, "INCOME_*"))

	// Kind missing from the body is recovered from the channel name.
	pub := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer pub.Close()
	require.NoError(t, pub.Publish(ctx, relay.Channel(core.KindIncomeAdded), `{"payload":{"userId":"u2"}}`).Err())

	select {
	case in := <-got:
		assert.Equal(t, core.KindIncomeAdded, in.Kind)
		assert.Equal(t, "u2", in.Payload["userId"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pattern event")
	}
}
