package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pattern_agents"

// Metrics holds the Prometheus collectors of the core. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	EventsPublished       *prometheus.CounterVec
	ListenerFailures      *prometheus.CounterVec
	DispatchDepthExceeded prometheus.Counter
	AgentActions          *prometheus.CounterVec
	Interventions         *prometheus.CounterVec
	Anomalies             *prometheus.CounterVec
	IncomeClassifications *prometheus.CounterVec
	ProfilesEvicted       prometheus.Counter
	HistoryFetchFailures  *prometheus.CounterVec
}

// New registers the collectors on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus by kind",
		}, []string{"kind"}),
		ListenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Listener errors and panics caught at the bus boundary",
		}, []string{"kind"}),
		DispatchDepthExceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_depth_exceeded_total",
			Help:      "Publishes rejected because re-entrant dispatch nested too deep",
		}),
		AgentActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_actions_total",
			Help:      "Agent actions by agent and outcome",
		}, []string{"agent", "result"}),
		Interventions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_total",
			Help:      "Proactive interventions by reason",
		}, []string{"reason"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Spending anomalies by severity",
		}, []string{"severity"}),
		IncomeClassifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "income_classifications_total",
			Help:      "Income variability classifications by recommendation",
		}, []string{"recommendation"}),
		ProfilesEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profiles_evicted_total",
			Help:      "Behavioral profiles evicted from memory",
		}),
		HistoryFetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetch_failures_total",
			Help:      "Historical data fetches that failed or timed out",
		}, []string{"source"}),
	}
}

// RecordPublish counts a published event.
func (m *Metrics) RecordPublish(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// RecordListenerFailure counts a failed listener invocation.
func (m *Metrics) RecordListenerFailure(kind string) {
	if m == nil {
		return
	}
	m.ListenerFailures.WithLabelValues(kind).Inc()
}

// RecordDepthExceeded counts a rejected nested publish.
func (m *Metrics) RecordDepthExceeded() {
	if m == nil {
		return
	}
	m.DispatchDepthExceeded.Inc()
}

// ObserveAction implements core.ActionObserver.
func (m *Metrics) ObserveAction(agent, actionType, result string) {
	if m == nil {
		return
	}
	m.AgentActions.WithLabelValues(agent, result).Inc()
}

// RecordIntervention counts an intervention.
func (m *Metrics) RecordIntervention(reason string) {
	if m == nil {
		return
	}
	m.Interventions.WithLabelValues(reason).Inc()
}

// RecordAnomaly counts an anomaly.
func (m *Metrics) RecordAnomaly(severity string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(severity).Inc()
}

// RecordClassification counts an income classification.
func (m *Metrics) RecordClassification(recommendation string) {
	if m == nil {
		return
	}
	m.IncomeClassifications.WithLabelValues(recommendation).Inc()
}

// RecordEviction counts an evicted profile.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.ProfilesEvicted.Inc()
}

// RecordFetchFailure counts a failed history fetch.
func (m *Metrics) RecordFetchFailure(source string) {
	if m == nil {
		return
	}
	m.HistoryFetchFailures.WithLabelValues(source).Inc()
}
