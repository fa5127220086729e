package income

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/eventbus"
	"go-pattern-agents/internal/history"
	"go-pattern-agents/internal/metrics"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// weekly seeds one payment per week, the last one a week before now.
func weekly(t *testing.T, p *history.MemoryProvider, user string, amounts ...float64) {
	t.Helper()
	for i, amt := range amounts {
		at := fixedNow.AddDate(0, 0, -7*(len(amounts)-i))
		require.NoError(t, p.RecordIncome(context.Background(), user, history.IncomeRecord{Amount: amt, Date: at}))
	}
}

type harness struct {
	bus      *eventbus.LocalBus
	provider *history.MemoryProvider
	agent    *Agent
	metrics  *metrics.Metrics
	events   map[core.EventKind][]core.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:      eventbus.NewLocalBus(eventbus.WithLogger(quietLogger()), eventbus.WithClock(clock)),
		provider: history.NewMemoryProvider(clock),
		metrics:  metrics.New(prometheus.NewRegistry()),
		events:   make(map[core.EventKind][]core.Event),
	}
	for _, k := range core.OutboundKinds() {
		h.bus.Subscribe(k, func(ctx context.Context, ev core.Event) (interface{}, error) {
			h.events[ev.Kind] = append(h.events[ev.Kind], ev)
			return nil, nil
		})
	}
	h.agent = New(Options{
		Config:    config.Default().Income,
		Publisher: h.bus,
		History:   h.provider,
		Metrics:   h.metrics,
		Logger:    quietLogger(),
		Clock:     clock,
	})
	return h
}

func (h *harness) income(t *testing.T, user string, amount float64) {
	t.Helper()
	ev := core.NewEvent(core.KindIncomeAdded, map[string]interface{}{
		"userId": user,
		"amount": amount,
		"date":   fixedNow.Format("2006-01-02"),
	}, fixedNow)
	require.NoError(t, h.agent.Process(context.Background(), ev))
}

func TestAnalyzeScaleInvariant(t *testing.T) {
	cfg := config.Default().Income
	base := []float64{4000, 12000, 4000, 13000, 5000}
	want := Analyze(cfg, base).VariabilityScore
	for _, k := range []float64{0.01, 0.5, 3, 1000} {
		scaled := make([]float64, len(base))
		for i, v := range base {
			scaled[i] = v * k
		}
		assert.InDelta(t, want, Analyze(cfg, scaled).VariabilityScore, 1e-9, "k=%v", k)
	}
}

func TestAnalyzeClassification(t *testing.T) {
	cfg := config.Default().Income

	a := Analyze(cfg, []float64{8000, 8000})
	assert.False(t, a.Sufficient)
	assert.Equal(t, RecommendInsufficientData, a.Recommendation)

	a = Analyze(cfg, []float64{8000, 8000, 8000, 8000})
	assert.True(t, a.Sufficient)
	assert.False(t, a.IsVariable)
	assert.Equal(t, 0.0, a.VariabilityScore)
	assert.Equal(t, RecommendStable, a.Recommendation)

	a = Analyze(cfg, []float64{5000, 11000, 5000, 11000})
	assert.InDelta(t, 0.375, a.VariabilityScore, 1e-9)
	assert.True(t, a.IsVariable)
	assert.Equal(t, RecommendModerate, a.Recommendation)

	a = Analyze(cfg, []float64{4000, 12000, 4000, 13000, 5000})
	assert.InDelta(t, 7600, a.Mean, 1e-9)
	assert.Greater(t, a.VariabilityScore, 0.5)
	assert.Equal(t, 4000.0, a.Min)
	assert.Equal(t, 13000.0, a.Max)
	assert.Equal(t, RecommendHighVariability, a.Recommendation)
}

func TestFlexBudgetAndWeeklyAdaptation(t *testing.T) {
	cfg := config.Default().Income
	a := Analyze(cfg, []float64{5000, 15000, 5000, 15000})
	fb := CreateFlexBudget(cfg.Flex, a)

	assert.Equal(t, 10000.0, fb.BaseIncome)
	assert.Equal(t, 50.0, fb.Allocations.Essentials.Percentage)
	assert.False(t, fb.Allocations.Essentials.Adjustable)
	assert.Equal(t, []string{"housing", "food", "healthcare", "transport"}, fb.Allocations.Essentials.Categories)
	assert.Equal(t, 10.0, fb.Allocations.Savings.MinPercentage)
	assert.Equal(t, 1, fb.Allocations.Discretionary.CutOrder)
	assert.Equal(t, 12000.0, fb.WeeklyRules.HighIncomeWeek.Threshold)
	assert.Equal(t, 7000.0, fb.WeeklyRules.LowIncomeWeek.Threshold)
	assert.NotEmpty(t, fb.Alerts)

	normal := fb.AdaptWeek(10000)
	assert.Equal(t, WeekNormal, normal.Type)
	assert.Equal(t, Share{Percentage: 20, Amount: 2000}, normal.Savings)

	high := fb.AdaptWeek(13000)
	assert.Equal(t, WeekHigh, high.Type)
	assert.Equal(t, 50.0, high.Essentials.Percentage)
	assert.Equal(t, 30.0, high.Savings.Percentage)
	assert.Equal(t, 20.0, high.Discretionary.Percentage)
	assert.Equal(t, 3900.0, high.Savings.Amount)

	low := fb.AdaptWeek(6000)
	assert.Equal(t, WeekLow, low.Type)
	assert.Equal(t, 15.0, low.Discretionary.Percentage)
	assert.Equal(t, 10.0, low.Savings.Percentage)
	assert.Equal(t, 75.0, low.Essentials.Percentage)

	for _, w := range []WeekAllocation{normal, high, low} {
		assert.InDelta(t, 100, w.Essentials.Percentage+w.Savings.Percentage+w.Discretionary.Percentage, 1e-9)
		assert.GreaterOrEqual(t, w.Essentials.Percentage, 50.0)
		assert.GreaterOrEqual(t, w.Savings.Percentage, 10.0)
	}
}

func TestPredictLowIncome(t *testing.T) {
	cfg := config.Default().Income.Trend
	records := func(amounts ...float64) []history.IncomeRecord {
		var out []history.IncomeRecord
		for i, a := range amounts {
			out = append(out, history.IncomeRecord{Amount: a, Date: fixedNow.AddDate(0, 0, -7*(len(amounts)-i))})
		}
		return out
	}

	p := PredictLowIncome(cfg, records(10000, 10000, 7000))
	assert.False(t, p.Predicted)
	assert.Zero(t, p.Confidence)

	p = PredictLowIncome(cfg, records(10000, 10000, 9000, 9000))
	assert.False(t, p.Predicted)
	assert.InDelta(t, 0.1, p.Drop, 1e-9)

	p = PredictLowIncome(cfg, records(10000, 10000, 7000, 7000))
	require.True(t, p.Predicted)
	assert.Equal(t, 0.8, p.Confidence)
	assert.InDelta(t, 0.3, p.Drop, 1e-9)
	assert.Equal(t, 2100.0, p.BufferNeeded)
	assert.Equal(t, "2 weeks", p.Duration)
	assert.NotEmpty(t, p.Reasoning)
}

func TestPredictLowIncomeSumsWithinWeek(t *testing.T) {
	cfg := config.Default().Income.Trend
	monday := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	var recs []history.IncomeRecord
	for w, amounts := range [][]float64{{5000, 5000}, {10000}, {3000, 3000}, {6000}} {
		for _, a := range amounts {
			recs = append(recs, history.IncomeRecord{Amount: a, Date: monday.AddDate(0, 0, 7*w+2)})
		}
	}
	p := PredictLowIncome(cfg, recs)
	require.True(t, p.Predicted)
	assert.InDelta(t, 0.4, p.Drop, 1e-9)
}

func TestStableIncomeNoFlexBudget(t *testing.T) {
	h := newHarness(t)
	weekly(t, h.provider, "u1", 8000, 8000, 8000, 8000)
	h.income(t, "u1", 8000)

	assert.Empty(t, h.events[core.KindBudgetUpdated])
	assert.Empty(t, h.events[core.KindIncomeVariabilityDetected])
	assert.Empty(t, h.events[core.KindLowIncomePeriodPredicted])
	require.Len(t, h.events[core.KindAgentRecommendation], 1)
	rec := h.events[core.KindAgentRecommendation][0].Payload
	assert.Equal(t, "low", rec["impact"])
	assert.Equal(t, string(RecommendStable), rec["type"])
	assert.Equal(t, config.AgentIncomeVariability, rec["agent"])
	assert.NotEmpty(t, rec["recommendation"])
}

func TestHighVariabilityPublishesFlexBudget(t *testing.T) {
	h := newHarness(t)
	weekly(t, h.provider, "u1", 4000, 12000, 4000, 13000, 5000)
	h.income(t, "u1", 5000)

	require.Len(t, h.events[core.KindIncomeVariabilityDetected], 1)
	v := h.events[core.KindIncomeVariabilityDetected][0].Payload
	assert.Equal(t, "u1", v["userId"])
	assert.Greater(t, v["variabilityScore"].(float64), 0.5)
	assert.Equal(t, string(RecommendHighVariability), v["recommendation"])

	require.Len(t, h.events[core.KindBudgetUpdated], 1)
	b := h.events[core.KindBudgetUpdated][0].Payload
	assert.Equal(t, BudgetTypeFlex, b["budgetType"])
	assert.Equal(t, true, b["autonomous"])
	flex := b["flexBudget"].(map[string]interface{})
	allocations := flex["allocations"].(map[string]interface{})
	essentials := allocations["essentials"].(map[string]interface{})
	assert.Equal(t, float64(50), essentials["percentage"])
	// nothing earned yet this week
	assert.NotContains(t, b, "currentWeek")

	require.Len(t, h.events[core.KindAgentRecommendation], 1)
	assert.Equal(t, "high", h.events[core.KindAgentRecommendation][0].Payload["impact"])

	// every emission is mirrored as an AGENT_ACTION
	assert.Len(t, h.events[core.KindAgentAction], 3)
	st := h.agent.Status()
	assert.Equal(t, 3, st.TotalActions)
	require.NotNil(t, st.LastAction)
	assert.Equal(t, ActionRecommend, st.LastAction.Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IncomeClassifications.WithLabelValues(string(RecommendHighVariability))))
}

func TestFlexBudgetAdaptsCurrentWeek(t *testing.T) {
	h := newHarness(t)
	weekly(t, h.provider, "u1", 4000, 12000, 4000, 13000, 5000)
	// the recorder stores the payment before the agent sees it
	require.NoError(t, h.provider.RecordIncome(context.Background(), "u1", history.IncomeRecord{Amount: 2000, Date: fixedNow}))
	h.income(t, "u1", 2000)

	report, err := h.agent.Evaluate(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, report.FlexBudget)
	require.NotNil(t, report.Week)
	assert.Equal(t, WeekLow, report.Week.Type)
	assert.Equal(t, 2000.0, report.Week.Income)
	assert.Equal(t, Share{Percentage: 15, Amount: 300}, report.Week.Discretionary)
	assert.Equal(t, Share{Percentage: 10, Amount: 200}, report.Week.Savings)
	assert.Equal(t, Share{Percentage: 75, Amount: 1500}, report.Week.Essentials)

	require.Len(t, h.events[core.KindBudgetUpdated], 1)
	week := h.events[core.KindBudgetUpdated][0].Payload["currentWeek"].(map[string]interface{})
	assert.Equal(t, string(WeekLow), week["type"])
	assert.Equal(t, 2000.0, week["income"])
	assert.Equal(t, 15.0, week["discretionary"].(map[string]interface{})["percentage"])
}

func TestModerateVariabilityRecommendsBuffer(t *testing.T) {
	h := newHarness(t)
	weekly(t, h.provider, "u1", 5000, 11000, 5000, 11000)
	h.income(t, "u1", 11000)

	assert.Empty(t, h.events[core.KindBudgetUpdated])
	require.Len(t, h.events[core.KindAgentRecommendation], 1)
	rec := h.events[core.KindAgentRecommendation][0].Payload
	assert.Equal(t, "high", rec["impact"])
	assert.Equal(t, 2000.0, rec["bufferAmount"])
}

func TestDownwardTrendPublishesPrediction(t *testing.T) {
	h := newHarness(t)
	weekly(t, h.provider, "u1", 10000, 10000, 7000, 7000)
	h.income(t, "u1", 7000)

	require.Len(t, h.events[core.KindLowIncomePeriodPredicted], 1)
	pred := h.events[core.KindLowIncomePeriodPredicted][0].Payload["prediction"].(map[string]interface{})
	assert.Equal(t, 0.8, pred["confidence"])
	assert.Equal(t, 2100.0, pred["bufferNeeded"])
}

func TestInsufficientDataAbstains(t *testing.T) {
	h := newHarness(t)
	weekly(t, h.provider, "u1", 8000, 9000)
	h.income(t, "u1", 9000)

	assert.Empty(t, h.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IncomeClassifications.WithLabelValues(string(RecommendInsufficientData))))
}

type slowProvider struct{ history.Provider }

func (slowProvider) IncomeHistory(ctx context.Context, userID string, days int) ([]history.IncomeRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHistoryTimeoutAbstains(t *testing.T) {
	h := newHarness(t)
	cfg := config.Default().Income
	cfg.HistoryTimeout = 10 * time.Millisecond
	h.agent = New(Options{
		Config:    cfg,
		Publisher: h.bus,
		History:   slowProvider{},
		Metrics:   h.metrics,
		Logger:    quietLogger(),
		Clock:     clock,
	})
	h.income(t, "u1", 8000)

	assert.Empty(t, h.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HistoryFetchFailures.WithLabelValues("income")))
}

func TestDisabledAndLowConfidenceAbstain(t *testing.T) {
	h := newHarness(t)
	weekly(t, h.provider, "u1", 4000, 12000, 4000, 13000, 5000)

	h.agent.SetEnabled(false)
	h.income(t, "u1", 5000)
	assert.Empty(t, h.events)

	h.agent.SetEnabled(true)
	ev := core.NewEvent(core.KindIncomeAdded, map[string]interface{}{"userId": "u1"}, fixedNow)
	require.NoError(t, h.agent.Process(context.Background(), ev))
	assert.Empty(t, h.events)
	assert.InDelta(t, 1.0/3, h.agent.Confidence(), 1e-9)
}

func TestIgnoresOtherKinds(t *testing.T) {
	h := newHarness(t)
	ev := core.NewEvent(core.KindExpenseAdded, map[string]interface{}{"userId": "u1", "amount": 10.0}, fixedNow)
	assert.False(t, h.agent.ShouldTakeAction(ev))
	require.NoError(t, h.agent.Process(context.Background(), ev))
	assert.Empty(t, h.events)
}
