package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/metrics"
)

const (
	defaultHistorySize = 100
	defaultMaxDepth    = 16
)

type depthKey struct{}

// DispatchDepth reports how many publishes are nested on ctx.
func DispatchDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

type listener struct {
	id       string
	handler  Handler
	priority int
	once     bool
	seq      uint64

	fired   atomic.Bool
	removed atomic.Bool
}

// LocalBus is the in-process, synchronous, priority-ordered bus. Dispatch is
// depth-first: a listener that publishes sees its nested publish complete
// before it continues. The listener table and history are guarded by a
// mutex that is never held while listeners run.
type LocalBus struct {
	mu        sync.Mutex
	listeners map[core.EventKind][]*listener
	history   *ring
	seq       uint64
	closed    bool

	maxDepth int
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a LocalBus.
type Option func(*LocalBus)

// WithHistorySize sets the ring buffer capacity. Default is 100.
func WithHistorySize(n int) Option {
	return func(b *LocalBus) { b.history = newRing(n) }
}

// WithMaxDepth bounds re-entrant publishing. Default is 16.
func WithMaxDepth(n int) Option {
	return func(b *LocalBus) {
		if n > 0 {
			b.maxDepth = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(b *LocalBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *LocalBus) { b.metrics = m }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *LocalBus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewLocalBus creates an empty bus.
func NewLocalBus(opts ...Option) *LocalBus {
	b := &LocalBus{
		listeners: make(map[core.EventKind][]*listener),
		history:   newRing(defaultHistorySize),
		maxDepth:  defaultMaxDepth,
		logger:    logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for kind and returns the listener ID.
func (b *LocalBus) Subscribe(kind core.EventKind, h Handler, opts ...SubscribeOption) string {
	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	l := &listener{
		id:       uuid.New().String(),
		handler:  h,
		priority: cfg.priority,
		once:     cfg.once,
		seq:      b.seq,
	}
	cur := b.listeners[kind]
	ls := make([]*listener, 0, len(cur)+1)
	ls = append(append(ls, cur...), l)
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].priority != ls[j].priority {
			return ls[i].priority > ls[j].priority
		}
		return ls[i].seq < ls[j].seq
	})
	b.listeners[kind] = ls
	return l.id
}

// Unsubscribe removes a listener. Unknown IDs are ignored.
func (b *LocalBus) Unsubscribe(kind core.EventKind, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(kind, id)
}

func (b *LocalBus) removeLocked(kind core.EventKind, id string) {
	ls := b.listeners[kind]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		l.removed.Store(true)
		// Copy so an in-flight dispatch snapshot is never mutated.
		next := make([]*listener, 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, kind)
		} else {
			b.listeners[kind] = next
		}
		return
	}
}

// ListenerCount returns the number of listeners registered for kind.
func (b *LocalBus) ListenerCount(kind core.EventKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[kind])
}

// begin records the event and snapshots the listeners for kind.
func (b *LocalBus) begin(ctx context.Context, kind core.EventKind, payload map[string]interface{}) (core.Event, []*listener, context.Context, error) {
	depth := DispatchDepth(ctx) + 1
	if depth > b.maxDepth {
		b.metrics.RecordDepthExceeded()
		b.logger.WithFields(logrus.Fields{
			"component": "eventbus",
			"kind":      kind,
			"depth":     depth,
		}).Error("dispatch depth exceeded, event dropped")
		return core.Event{}, nil, ctx, ErrMaxDepth
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.Event{}, nil, ctx, ErrBusClosed
	}
	ev := core.NewEvent(kind, payload, b.now())
	b.history.push(ev)
	snapshot := b.listeners[kind]
	b.mu.Unlock()

	b.metrics.RecordPublish(string(kind))
	return ev, snapshot, context.WithValue(ctx, depthKey{}, depth), nil
}

// finish drops once-listeners that fired during this dispatch.
func (b *LocalBus) finish(kind core.EventKind, fired []string) {
	if len(fired) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range fired {
		b.removeLocked(kind, id)
	}
}

// claim reports whether l may run for the current dispatch.
func claim(l *listener) bool {
	if l.removed.Load() {
		return false
	}
	if l.once {
		return l.fired.CompareAndSwap(false, true)
	}
	return true
}

func (b *LocalBus) invoke(ctx context.Context, l *listener, ev core.Event) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
		if err != nil {
			b.metrics.RecordListenerFailure(string(ev.Kind))
			b.logger.WithFields(logrus.Fields{
				"component":   "eventbus",
				"kind":        ev.Kind,
				"listener_id": l.id,
			}).WithError(err).Warn("listener failed")
		}
	}()
	return l.handler(ctx, ev)
}

// Publish dispatches synchronously to every listener of kind, highest
// priority first. Listener failures are logged and do not stop siblings.
func (b *LocalBus) Publish(ctx context.Context, kind core.EventKind, payload map[string]interface{}) error {
	ev, snapshot, dctx, err := b.begin(ctx, kind, payload)
	if err != nil {
		return err
	}
	var fired []string
	for _, l := range snapshot {
		if !claim(l) {
			continue
		}
		if l.once {
			fired = append(fired, l.id)
		}
		_, _ = b.invoke(dctx, l, ev)
	}
	b.finish(kind, fired)
	return nil
}

// PublishAsync dispatches in the same order as Publish, awaiting each
// listener in turn and collecting its value or error. It never fails as a
// whole: bus-level errors are reported as a single Result.
func (b *LocalBus) PublishAsync(ctx context.Context, kind core.EventKind, payload map[string]interface{}) []Result {
	ev, snapshot, dctx, err := b.begin(ctx, kind, payload)
	if err != nil {
		return []Result{{Err: err}}
	}
	results := make([]Result, 0, len(snapshot))
	var fired []string
	for _, l := range snapshot {
		if !claim(l) {
			continue
		}
		if l.once {
			fired = append(fired, l.id)
		}
		if cerr := ctx.Err(); cerr != nil {
			results = append(results, Result{ListenerID: l.id, Err: cerr})
			continue
		}
		v, err := b.invoke(dctx, l, ev)
		results = append(results, Result{ListenerID: l.id, Value: v, Err: err})
	}
	b.finish(kind, fired)
	return results
}

// RecentHistory returns the last count events, most recent last.
func (b *LocalBus) RecentHistory(count int) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.last(count)
}

// Close drops every listener; later publishes fail with ErrBusClosed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for kind, ls := range b.listeners {
		for _, l := range ls {
			l.removed.Store(true)
		}
		delete(b.listeners, kind)
	}
	return nil
}

var _ Bus = (*LocalBus)(nil)
