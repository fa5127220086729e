package core

import (
	"context"
	"errors"
	"time"
)

// ErrNotImplemented is returned by Base.Process; concrete agents override it.
var ErrNotImplemented = errors.New("process not implemented")

// Publisher is the slice of the event bus agents need for emission.
type Publisher interface {
	Publish(ctx context.Context, kind EventKind, payload map[string]interface{}) error
}

// Agent defines the capability contract every pattern-processing unit meets.
type Agent interface {
	Name() string
	// Kinds lists the event kinds the agent consumes.
	Kinds() []EventKind
	Priority() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Process(ctx context.Context, ev Event) error
	ShouldTakeAction(ev Event) bool
	Execute(ctx context.Context, action Action) (interface{}, bool)
	CalculateConfidence(data map[string]interface{}) float64
	Status() AgentStatus
	SetEnabled(enabled bool)
}

// Action is a unit of work an agent performs through Execute.
type Action interface {
	Type() string
	Execute(ctx context.Context) (interface{}, error)
}

type funcAction struct {
	typ string
	fn  func(ctx context.Context) (interface{}, error)
}

func (a funcAction) Type() string { return a.typ }

func (a funcAction) Execute(ctx context.Context) (interface{}, error) { return a.fn(ctx) }

// NewAction wraps fn as an Action of the given type.
func NewAction(typ string, fn func(ctx context.Context) (interface{}, error)) Action {
	return funcAction{typ: typ, fn: fn}
}

// ActionRecord is kept for every executed action.
type ActionRecord struct {
	Type       string      `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Result     interface{} `json:"result,omitempty"`
	Confidence float64     `json:"confidence"`
}

// AgentStatus is a point-in-time view of an agent.
type AgentStatus struct {
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	LastAction   *ActionRecord `json:"lastAction,omitempty"`
	TotalActions int           `json:"totalActions"`
	Confidence   float64       `json:"confidence"`
}

// ActionObserver is notified after each Execute call. result is "ok",
// "failed" or "disabled".
type ActionObserver interface {
	ObserveAction(agent, actionType, result string)
}
