package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a class of events exchanged over the bus.
type EventKind string

const (
	KindIncomeAdded               EventKind = "INCOME_ADDED"
	KindExpenseAdded              EventKind = "EXPENSE_ADDED"
	KindVoiceExpenseDetected      EventKind = "VOICE_EXPENSE_DETECTED"
	KindAgentAction               EventKind = "AGENT_ACTION"
	KindAgentAlert                EventKind = "AGENT_ALERT"
	KindAgentRecommendation       EventKind = "AGENT_RECOMMENDATION"
	KindAnomalyDetected           EventKind = "ANOMALY_DETECTED"
	KindIncomeVariabilityDetected EventKind = "INCOME_VARIABILITY_DETECTED"
	KindLowIncomePeriodPredicted  EventKind = "LOW_INCOME_PERIOD_PREDICTED"
	KindBudgetUpdated             EventKind = "BUDGET_UPDATED"
)

var knownKinds = map[EventKind]bool{
	KindIncomeAdded:               true,
	KindExpenseAdded:              true,
	KindVoiceExpenseDetected:      true,
	KindAgentAction:               true,
	KindAgentAlert:                true,
	KindAgentRecommendation:       true,
	KindAnomalyDetected:           true,
	KindIncomeVariabilityDetected: true,
	KindLowIncomePeriodPredicted:  true,
	KindBudgetUpdated:             true,
}

// Known reports whether the kind belongs to the fixed vocabulary. Unknown
// kinds are still legal on the bus.
func (k EventKind) Known() bool { return knownKinds[k] }

// InboundKinds are published by external collaborators.
func InboundKinds() []EventKind {
	return []EventKind{KindIncomeAdded, KindExpenseAdded, KindVoiceExpenseDetected}
}

// OutboundKinds are published by agents for the notification layer.
func OutboundKinds() []EventKind {
	return []EventKind{
		KindAgentAction,
		KindAgentAlert,
		KindAgentRecommendation,
		KindAnomalyDetected,
		KindIncomeVariabilityDetected,
		KindLowIncomePeriodPredicted,
		KindBudgetUpdated,
	}
}

// Event represents a message exchanged between producers and agents.
type Event struct {
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"kind"`
	Source    string                 `json:"source,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// NewEvent stamps a fresh event with an ID and timestamp.
func NewEvent(kind EventKind, payload map[string]interface{}, now time.Time) Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: now,
		Payload:   payload,
	}
}
