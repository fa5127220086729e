package eventbus

import (
	"context"
	"errors"

	"go-pattern-agents/internal/core"
)

var (
	// ErrBusClosed is returned when publishing after Close.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrMaxDepth is returned when re-entrant publishing nests too deep.
	ErrMaxDepth = errors.New("max dispatch depth exceeded")
)

// Handler receives a dispatched event. The returned value is collected by
// PublishAsync; errors are logged and never stop sibling listeners.
type Handler func(ctx context.Context, ev core.Event) (interface{}, error)

// Result is one listener outcome collected by PublishAsync.
type Result struct {
	ListenerID string
	Value      interface{}
	Err        error
}

// Bus defines publish/subscribe semantics for events.
type Bus interface {
	core.Publisher
	Subscribe(kind core.EventKind, h Handler, opts ...SubscribeOption) string
	Unsubscribe(kind core.EventKind, id string)
	PublishAsync(ctx context.Context, kind core.EventKind, payload map[string]interface{}) []Result
	RecentHistory(count int) []core.Event
	ListenerCount(kind core.EventKind) int
	Close() error
}

type subscribeConfig struct {
	priority int
	once     bool
}

// SubscribeOption tunes a listener registration.
type SubscribeOption func(*subscribeConfig)

// WithPriority sets the listener priority; higher runs first.
func WithPriority(p int) SubscribeOption {
	return func(c *subscribeConfig) { c.priority = p }
}

// Once removes the listener after its first invocation.
func Once() SubscribeOption {
	return func(c *subscribeConfig) { c.once = true }
}
