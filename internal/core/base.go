package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultActionHistory = 100

// BaseOptions configures a Base.
type BaseOptions struct {
	Name     string
	Priority int
	Kinds    []EventKind
	// Required lists payload fields the default confidence score checks.
	Required      []string
	ActionHistory int
	Publisher     Publisher
	Observer      ActionObserver
	Logger        *logrus.Logger
	Clock         func() time.Time
}

// Base carries the shared agent behaviour: lifecycle flags, confidence
// scoring and action recording. Concrete agents embed it and override
// Process and, optionally, ShouldTakeAction.
type Base struct {
	mu         sync.RWMutex
	name       string
	priority   int
	kinds      []EventKind
	required   []string
	enabled    bool
	lastAction *ActionRecord
	history    []ActionRecord
	maxHistory int
	total      int
	confidence float64

	publisher Publisher
	observer  ActionObserver
	logger    *logrus.Logger
	now       func() time.Time
}

// NewBase returns an enabled Base.
func NewBase(opts BaseOptions) *Base {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ActionHistory <= 0 {
		opts.ActionHistory = defaultActionHistory
	}
	return &Base{
		name:       opts.Name,
		priority:   opts.Priority,
		kinds:      opts.Kinds,
		required:   opts.Required,
		enabled:    true,
		maxHistory: opts.ActionHistory,
		publisher:  opts.Publisher,
		observer:   opts.Observer,
		logger:     opts.Logger,
		now:        opts.Clock,
	}
}

// Name returns the agent name.
func (b *Base) Name() string { return b.name }

// Kinds returns the consumed event kinds.
func (b *Base) Kinds() []EventKind { return append([]EventKind(nil), b.kinds...) }

// Priority is the listener priority used when the agent is wired to a bus.
func (b *Base) Priority() int { return b.priority }

// Start is a no-op for agents without background work.
func (b *Base) Start(ctx context.Context) error { return nil }

// Stop is a no-op for agents without background work.
func (b *Base) Stop(ctx context.Context) error { return nil }

// Process must be overridden.
func (b *Base) Process(ctx context.Context, ev Event) error {
	return fmt.Errorf("%s: %w", b.name, ErrNotImplemented)
}

// ShouldTakeAction gates processing on the enabled flag.
func (b *Base) ShouldTakeAction(ev Event) bool { return b.Enabled() }

// Enabled reports whether the agent is active.
func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled toggles the agent at runtime.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
	b.logger.WithFields(logrus.Fields{"component": "agent", "agent": b.name, "enabled": enabled}).Info("agent toggled")
}

// CalculateConfidence is the share of required fields present and non-null.
func (b *Base) CalculateConfidence(data map[string]interface{}) float64 {
	if len(b.required) == 0 {
		return 1
	}
	present := 0
	for _, field := range b.required {
		if v, ok := data[field]; ok && v != nil {
			if s, isString := v.(string); isString && s == "" {
				continue
			}
			present++
		}
	}
	return float64(present) / float64(len(b.required))
}

// SetConfidence stores the confidence used for subsequent action records.
func (b *Base) SetConfidence(c float64) {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	b.mu.Lock()
	b.confidence = c
	b.mu.Unlock()
}

// Confidence returns the most recent confidence score.
func (b *Base) Confidence() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.confidence
}

// Execute runs action when the agent is enabled, records it and announces
// it with an AGENT_ACTION event. Failures are logged and yield ok=false.
func (b *Base) Execute(ctx context.Context, action Action) (result interface{}, ok bool) {
	if !b.Enabled() {
		b.observe(action.Type(), "disabled")
		return nil, false
	}
	log := b.logger.WithFields(logrus.Fields{"component": "agent", "agent": b.name, "action": action.Type()})

	res, err := b.run(ctx, action)
	if err != nil {
		log.WithError(err).Error("action failed")
		b.observe(action.Type(), "failed")
		return nil, false
	}

	b.mu.Lock()
	rec := ActionRecord{Type: action.Type(), Timestamp: b.now(), Result: res, Confidence: b.confidence}
	b.lastAction = &rec
	b.history = append(b.history, rec)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	b.total++
	b.mu.Unlock()

	b.observe(action.Type(), "ok")
	if b.publisher != nil {
		payload := map[string]interface{}{
			"agent":      b.name,
			"action":     rec.Type,
			"confidence": rec.Confidence,
			"timestamp":  rec.Timestamp.Format(time.RFC3339Nano),
		}
		if err := b.publisher.Publish(ctx, KindAgentAction, payload); err != nil {
			log.WithError(err).Warn("publish agent action")
		}
	}
	return res, true
}

func (b *Base) run(ctx context.Context, action Action) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()
	return action.Execute(ctx)
}

func (b *Base) observe(actionType, result string) {
	if b.observer != nil {
		b.observer.ObserveAction(b.name, actionType, result)
	}
}

// ActionHistory returns a copy of the recorded actions, oldest first.
func (b *Base) ActionHistory() []ActionRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]ActionRecord(nil), b.history...)
}

// Status reports the agent state.
func (b *Base) Status() AgentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := AgentStatus{
		Name:         b.name,
		Enabled:      b.enabled,
		TotalActions: b.total,
		Confidence:   b.confidence,
	}
	if b.lastAction != nil {
		last := *b.lastAction
		st.LastAction = &last
	}
	return st
}

// Publish emits through the configured publisher.
func (b *Base) Publish(ctx context.Context, kind EventKind, payload map[string]interface{}) error {
	if b.publisher == nil {
		return nil
	}
	return b.publisher.Publish(ctx, kind, payload)
}

// Logger returns the agent logger with its component fields.
func (b *Base) Logger() *logrus.Entry {
	return b.logger.WithFields(logrus.Fields{"component": "agent", "agent": b.name})
}

// Now returns the agent clock reading.
func (b *Base) Now() time.Time { return b.now() }

var _ Agent = (*Base)(nil)
