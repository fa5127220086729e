// Package income implements the income variability agent: it classifies the
// stability of a user's income, builds flex budgets for highly variable
// earners and predicts low income periods from weekly trends.
package income

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/history"
	"go-pattern-agents/internal/metrics"
)

// Action types recorded by the agent.
const (
	ActionRecommend      = "recommend_income_strategy"
	ActionFlagVariable   = "flag_income_variability"
	ActionCreateFlex     = "create_flex_budget"
	ActionPredictLowWeek = "predict_low_income"
)

// BudgetTypeFlex marks a flex budget in BUDGET_UPDATED payloads.
const BudgetTypeFlex = "FLEX"

// Agent consumes INCOME_ADDED events.
type Agent struct {
	*core.Base
	cfg      config.IncomeConfig
	flex     config.FlexConfig
	provider history.Provider
	metrics  *metrics.Metrics
}

// Options wires the agent's collaborators.
type Options struct {
	Config    config.IncomeConfig
	Publisher core.Publisher
	History   history.Provider
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Clock     func() time.Time
}

// New returns an enabled agent.
func New(opts Options) *Agent {
	base := core.NewBase(core.BaseOptions{
		Name:      config.AgentIncomeVariability,
		Priority:  opts.Config.Priority,
		Kinds:     []core.EventKind{core.KindIncomeAdded},
		Required:  []string{"userId", "amount", "date"},
		Publisher: opts.Publisher,
		Observer:  opts.Metrics,
		Logger:    opts.Logger,
		Clock:     opts.Clock,
	})
	return &Agent{
		Base:     base,
		cfg:      opts.Config,
		flex:     opts.Config.Flex,
		provider: opts.History,
		metrics:  opts.Metrics,
	}
}

// ShouldTakeAction accepts income events while enabled.
func (a *Agent) ShouldTakeAction(ev core.Event) bool {
	return a.Enabled() && ev.Kind == core.KindIncomeAdded
}

// Report is everything derived from one evaluation. Week is the flex budget
// applied to income earned so far in the current ISO week.
type Report struct {
	UserID     string          `json:"userId"`
	Analysis   Analysis        `json:"analysis"`
	FlexBudget *FlexBudget     `json:"flexBudget,omitempty"`
	Week       *WeekAllocation `json:"currentWeek,omitempty"`
	Prediction Prediction      `json:"prediction"`
}

// Process evaluates the user's income after a new payment.
func (a *Agent) Process(ctx context.Context, ev core.Event) error {
	if !a.ShouldTakeAction(ev) {
		return nil
	}
	log := a.Logger()
	conf := a.CalculateConfidence(ev.Payload)
	a.SetConfidence(conf)
	if conf < a.cfg.MinConfidence {
		log.WithField("confidence", conf).Debug("income event below confidence threshold")
		return nil
	}
	userID, _, err := history.IncomeFromPayload(ev.Payload, ev.Timestamp)
	if err != nil {
		log.WithError(err).Debug("income event ignored")
		return nil
	}

	report, err := a.Evaluate(ctx, userID)
	if err != nil {
		a.metrics.RecordFetchFailure("income")
		log.WithError(err).WithField("user", userID).Warn("income history unavailable; skipping classification")
		return nil
	}
	a.metrics.RecordClassification(string(report.Analysis.Recommendation))
	if !report.Analysis.Sufficient {
		log.WithFields(logrus.Fields{"user": userID, "samples": report.Analysis.Samples}).Debug("insufficient income data")
		return nil
	}
	a.emit(ctx, report)
	return nil
}

// Evaluate fetches the income window and derives the analysis, flex budget
// and trend prediction without publishing anything.
func (a *Agent) Evaluate(ctx context.Context, userID string) (Report, error) {
	records, err := a.fetch(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	amounts := make([]float64, 0, len(records))
	for _, r := range records {
		amounts = append(amounts, r.Amount)
	}
	report := Report{UserID: userID, Analysis: Analyze(a.cfg, amounts)}
	if !report.Analysis.Sufficient {
		return report, nil
	}
	if report.Analysis.Recommendation == RecommendHighVariability {
		fb := CreateFlexBudget(a.flex, report.Analysis)
		report.FlexBudget = &fb
		if earned := weekIncome(records, a.Now()); earned > 0 {
			w := fb.AdaptWeek(earned)
			report.Week = &w
		}
	}
	report.Prediction = PredictLowIncome(a.cfg.Trend, records)
	return report, nil
}

// weekIncome sums the records in the ISO week containing now.
func weekIncome(records []history.IncomeRecord, now time.Time) float64 {
	year, week := now.ISOWeek()
	var sum float64
	for _, r := range records {
		if y, w := r.Date.ISOWeek(); y == year && w == week {
			sum += r.Amount
		}
	}
	return sum
}

func (a *Agent) fetch(ctx context.Context, userID string) ([]history.IncomeRecord, error) {
	if a.provider == nil {
		return nil, nil
	}
	if a.cfg.HistoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.HistoryTimeout)
		defer cancel()
	}
	records, err := a.provider.IncomeHistory(ctx, userID, a.cfg.WindowDays)
	if err != nil {
		return nil, fmt.Errorf("income history for %s: %w", userID, err)
	}
	return records, nil
}

func (a *Agent) emit(ctx context.Context, r Report) {
	an := r.Analysis
	stamp := func() string { return a.Now().Format(time.RFC3339Nano) }

	if r.FlexBudget != nil {
		a.Execute(ctx, core.NewAction(ActionFlagVariable, func(ctx context.Context) (interface{}, error) {
			payload := map[string]interface{}{
				"agent":            a.Name(),
				"userId":           r.UserID,
				"variabilityScore": round2(an.VariabilityScore),
				"recommendation":   string(an.Recommendation),
				"timestamp":        stamp(),
			}
			return payload, a.Publish(ctx, core.KindIncomeVariabilityDetected, payload)
		}))
		a.Execute(ctx, core.NewAction(ActionCreateFlex, func(ctx context.Context) (interface{}, error) {
			budget, err := core.ToPayload(r.FlexBudget)
			if err != nil {
				return nil, err
			}
			payload := map[string]interface{}{
				"agent":      a.Name(),
				"userId":     r.UserID,
				"budgetType": BudgetTypeFlex,
				"flexBudget": budget,
				"autonomous": true,
				"timestamp":  stamp(),
			}
			if r.Week != nil {
				week, err := core.ToPayload(r.Week)
				if err != nil {
					return nil, err
				}
				payload["currentWeek"] = week
			}
			return r.FlexBudget, a.Publish(ctx, core.KindBudgetUpdated, payload)
		}))
	}

	a.Execute(ctx, core.NewAction(ActionRecommend, func(ctx context.Context) (interface{}, error) {
		payload := a.recommendation(r.UserID, an)
		payload["timestamp"] = stamp()
		return payload, a.Publish(ctx, core.KindAgentRecommendation, payload)
	}))

	if p := r.Prediction; p.Predicted {
		a.Execute(ctx, core.NewAction(ActionPredictLowWeek, func(ctx context.Context) (interface{}, error) {
			prediction, err := core.ToPayload(p)
			if err != nil {
				return nil, err
			}
			payload := map[string]interface{}{
				"agent":      a.Name(),
				"userId":     r.UserID,
				"prediction": prediction,
				"timestamp":  stamp(),
			}
			return p, a.Publish(ctx, core.KindLowIncomePeriodPredicted, payload)
		}))
	}
}

func (a *Agent) recommendation(userID string, an Analysis) map[string]interface{} {
	payload := map[string]interface{}{
		"agent":            a.Name(),
		"userId":           userID,
		"type":             string(an.Recommendation),
		"variabilityScore": round2(an.VariabilityScore),
		"impact":           string(core.ImpactLow),
	}
	if an.IsVariable {
		payload["impact"] = string(core.ImpactHigh)
	}
	switch an.Recommendation {
	case RecommendHighVariability:
		payload["recommendation"] = fmt.Sprintf(
			"Your income varies by %.0f%% week to week. A flex budget now adapts your savings and discretionary spending to each week's earnings.",
			an.VariabilityScore*100)
	case RecommendModerate:
		buffer := round2(an.Mean * a.cfg.BufferFraction)
		payload["bufferAmount"] = buffer
		payload["recommendation"] = fmt.Sprintf(
			"Your income varies moderately. Keep a one-week buffer of ₹%.0f (%.0f%% of your average income) for slower weeks.",
			buffer, a.cfg.BufferFraction*100)
	default:
		payload["recommendation"] = "Your income is stable. Keep following your regular budget."
	}
	return payload
}

var _ core.Agent = (*Agent)(nil)
