// Package registry owns the event bus wiring of the agents. It constructs
// agents from named factories, subscribes them to the kinds they consume and
// manages their lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-pattern-agents/internal/agents/income"
	"go-pattern-agents/internal/agents/spending"
	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/eventbus"
	"go-pattern-agents/internal/history"
	"go-pattern-agents/internal/metrics"
	"go-pattern-agents/internal/snapshot"
)

var (
	// ErrUnknownAgent is returned for names without a factory or instance.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAlreadySpawned is returned when an agent name is spawned twice.
	ErrAlreadySpawned = errors.New("agent already spawned")
)

// Deps are the collaborators handed to every factory. Only Bus is required.
type Deps struct {
	Bus       eventbus.Bus
	Config    config.Config
	History   history.Provider
	Snapshots snapshot.Store
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Clock     func() time.Time
}

// Factory creates an agent.
type Factory func(Deps) (core.Agent, error)

type entry struct {
	agent core.Agent
	subs  map[core.EventKind]string
}

// Registry manages the lifecycle of agents.
type Registry struct {
	deps Deps
	log  *logrus.Entry

	mu        sync.RWMutex
	factories map[string]Factory
	agents    map[string]*entry
	order     []string
}

// New returns a registry with the built-in factories registered.
func New(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	r := &Registry{
		deps:      deps,
		log:       deps.Logger.WithField("component", "registry"),
		factories: make(map[string]Factory),
		agents:    make(map[string]*entry),
	}
	r.Register(config.AgentIncomeVariability, newIncomeAgent)
	r.Register(config.AgentSpendingPattern, newSpendingAgent)
	return r
}

func newIncomeAgent(d Deps) (core.Agent, error) {
	return income.New(income.Options{
		Config:    d.Config.Income,
		Publisher: d.Bus,
		History:   d.History,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
		Clock:     d.Clock,
	}), nil
}

func newSpendingAgent(d Deps) (core.Agent, error) {
	return spending.New(spending.Options{
		Config:    d.Config.Spending,
		Publisher: d.Bus,
		History:   d.History,
		Snapshots: d.Snapshots,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
		Clock:     d.Clock,
	}), nil
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Start spawns every agent enabled in the configuration.
func (r *Registry) Start(ctx context.Context) error {
	for _, name := range r.deps.Config.Agents.Enabled {
		if _, err := r.Spawn(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Spawn creates, starts and subscribes the named agent.
func (r *Registry) Spawn(ctx context.Context, name string) (core.Agent, error) {
	if r.deps.Bus == nil {
		return nil, errors.New("registry has no bus")
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	_, exists := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownAgent)
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadySpawned)
	}

	ag, err := f(r.deps)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", name, err)
	}
	if err := ag.Start(ctx); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", name, err)
	}

	e := &entry{agent: ag, subs: make(map[core.EventKind]string)}
	handler := func(ctx context.Context, ev core.Event) (interface{}, error) {
		if !ag.ShouldTakeAction(ev) {
			return nil, nil
		}
		return nil, ag.Process(ctx, ev)
	}
	for _, kind := range ag.Kinds() {
		e.subs[kind] = r.deps.Bus.Subscribe(kind, handler, eventbus.WithPriority(ag.Priority()))
	}

	r.mu.Lock()
	r.agents[name] = e
	r.order = append(r.order, name)
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"agent": name, "kinds": ag.Kinds()}).Info("agent started")
	return ag, nil
}

// Stop unsubscribes and stops every agent in reverse start order.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	order := r.order
	entries := r.agents
	r.order = nil
	r.agents = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		e := entries[order[i]]
		for kind, id := range e.subs {
			r.deps.Bus.Unsubscribe(kind, id)
		}
		if err := e.agent.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop agent %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

// Agent returns the spawned agent with the given name.
func (r *Registry) Agent(name string) (core.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// Names returns the spawned agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Statuses reports every spawned agent.
func (r *Registry) Statuses() []core.AgentStatus {
	names := r.Names()
	out := make([]core.AgentStatus, 0, len(names))
	for _, n := range names {
		if ag, ok := r.Agent(n); ok {
			out = append(out, ag.Status())
		}
	}
	return out
}

// SetEnabled toggles a spawned agent at runtime.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	ag, ok := r.Agent(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownAgent)
	}
	ag.SetEnabled(enabled)
	return nil
}
