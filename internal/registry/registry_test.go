package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/eventbus"
	"go-pattern-agents/internal/history"
	"go-pattern-agents/internal/metrics"
	"go-pattern-agents/internal/snapshot"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fixture struct {
	bus      *eventbus.LocalBus
	store    *history.MemoryProvider
	registry *Registry
	events   map[core.EventKind][]core.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:    eventbus.NewLocalBus(eventbus.WithLogger(quietLogger()), eventbus.WithClock(clock)),
		store:  history.NewMemoryProvider(clock),
		events: make(map[core.EventKind][]core.Event),
	}
	for _, k := range core.OutboundKinds() {
		f.bus.Subscribe(k, func(ctx context.Context, ev core.Event) (interface{}, error) {
			f.events[ev.Kind] = append(f.events[ev.Kind], ev)
			return nil, nil
		})
	}
	history.Attach(f.bus, f.store, quietLogger())
	f.registry = New(Deps{
		Bus:       f.bus,
		Config:    config.Default(),
		History:   f.store,
		Snapshots: snapshot.NewMemoryStore(),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Logger:    quietLogger(),
		Clock:     clock,
	})
	return f
}

func TestStartSpawnsConfiguredAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx))

	assert.Equal(t, []string{config.AgentIncomeVariability, config.AgentSpendingPattern}, f.registry.Names())
	// recorder plus one agent per inbound kind
	assert.Equal(t, 2, f.bus.ListenerCount(core.KindIncomeAdded))
	assert.Equal(t, 2, f.bus.ListenerCount(core.KindExpenseAdded))
	assert.Equal(t, 2, f.bus.ListenerCount(core.KindVoiceExpenseDetected))

	statuses := f.registry.Statuses()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Enabled)

	_, err := f.registry.Spawn(ctx, config.AgentSpendingPattern)
	assert.ErrorIs(t, err, ErrAlreadySpawned)

	require.NoError(t, f.registry.Stop(ctx))
	assert.Empty(t, f.registry.Names())
	assert.Equal(t, 1, f.bus.ListenerCount(core.KindIncomeAdded))
	assert.Equal(t, 1, f.bus.ListenerCount(core.KindExpenseAdded))
}

func TestIncomeFlowsThroughBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx))

	amounts := []float64{4000, 12000, 4000, 13000, 5000}
	for i, amt := range amounts {
		date := fixedNow.AddDate(0, 0, -7*(len(amounts)-1-i))
		require.NoError(t, f.bus.Publish(ctx, core.KindIncomeAdded, map[string]interface{}{
			"userId": "u1",
			"amount": amt,
			"date":   date.Format(time.RFC3339),
		}))
	}

	budgets := f.events[core.KindBudgetUpdated]
	require.NotEmpty(t, budgets)
	last := budgets[len(budgets)-1].Payload
	assert.Equal(t, "FLEX", last["budgetType"])
	essentials := last["flexBudget"].(map[string]interface{})["allocations"].(map[string]interface{})["essentials"].(map[string]interface{})
	assert.Equal(t, float64(50), essentials["percentage"])
	assert.NotEmpty(t, f.events[core.KindIncomeVariabilityDetected])
	assert.NotEmpty(t, f.events[core.KindAgentAction])
}

func TestExpenseFlowsThroughBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx))

	publish := func(amount float64, at time.Time) {
		require.NoError(t, f.bus.Publish(ctx, core.KindExpenseAdded, map[string]interface{}{
			"userId":   "u1",
			"amount":   amount,
			"category": "food",
			"date":     at.Format(time.RFC3339),
		}))
	}
	for i, amt := range []float64{400, 600, 400, 600} {
		publish(amt, time.Date(2026, 2, 23+i, 13, 0, 0, 0, time.UTC))
	}
	publish(900, time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC))

	require.Len(t, f.events[core.KindAnomalyDetected], 1)
	anomaly := f.events[core.KindAnomalyDetected][0].Payload["anomaly"].(map[string]interface{})
	assert.Equal(t, "HIGH", anomaly["severity"])
}

func TestSetEnabledSilencesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Start(ctx))
	require.NoError(t, f.registry.SetEnabled(config.AgentIncomeVariability, false))

	for i := 0; i < 4; i++ {
		require.NoError(t, f.bus.Publish(ctx, core.KindIncomeAdded, map[string]interface{}{
			"userId": "u1",
			"amount": 8000.0,
			"date":   fixedNow.AddDate(0, 0, -7*i).Format(time.RFC3339),
		}))
	}
	assert.Empty(t, f.events)

	ag, ok := f.registry.Agent(config.AgentIncomeVariability)
	require.True(t, ok)
	assert.False(t, ag.Status().Enabled)

	assert.ErrorIs(t, f.registry.SetEnabled("nope", true), ErrUnknownAgent)
}

type echoAgent struct {
	*core.Base
	seen    int
	stopped bool
}

func (e *echoAgent) Process(ctx context.Context, ev core.Event) error {
	e.seen++
	return nil
}

func (e *echoAgent) Stop(ctx context.Context) error {
	e.stopped = true
	return errors.New("stop failed")
}

func TestCustomFactory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	echo := &echoAgent{Base: core.NewBase(core.BaseOptions{
		Name:   "echo",
		Kinds:  []core.EventKind{"PING"},
		Logger: quietLogger(),
	})}
	f.registry.Register("echo", func(Deps) (core.Agent, error) { return echo, nil })
	f.registry.Register("broken", func(Deps) (core.Agent, error) { return nil, errors.New("no config") })

	_, err := f.registry.Spawn(ctx, "broken")
	assert.Error(t, err)
	_, err = f.registry.Spawn(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = f.registry.Spawn(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, "PING", nil))
	assert.Equal(t, 1, echo.seen)

	echo.SetEnabled(false)
	require.NoError(t, f.bus.Publish(ctx, "PING", nil))
	assert.Equal(t, 1, echo.seen)

	err = f.registry.Stop(ctx)
	assert.ErrorContains(t, err, "stop failed")
	assert.True(t, echo.stopped)
	assert.Equal(t, 0, f.bus.ListenerCount("PING"))
}
