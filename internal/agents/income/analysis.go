package income

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/history"
)

// Recommendation classifies income stability.
type Recommendation string

const (
	RecommendInsufficientData Recommendation = "INSUFFICIENT_DATA"
	RecommendHighVariability  Recommendation = "HIGH_VARIABILITY"
	RecommendModerate         Recommendation = "MODERATE_VARIABILITY"
	RecommendStable           Recommendation = "STABLE"
)

// Analysis is recomputed on every income event and never stored.
type Analysis struct {
	Sufficient       bool           `json:"sufficient"`
	Samples          int            `json:"samples"`
	IsVariable       bool           `json:"isVariable"`
	VariabilityScore float64        `json:"variabilityScore"`
	Mean             float64        `json:"mean"`
	StdDev           float64        `json:"stdDev"`
	Min              float64        `json:"min"`
	Max              float64        `json:"max"`
	Recommendation   Recommendation `json:"recommendation"`
}

// Analyze computes the coefficient of variation of amounts and classifies
// it. Fewer than cfg.MinSamples observations yield an insufficient result.
func Analyze(cfg config.IncomeConfig, amounts []float64) Analysis {
	a := Analysis{Samples: len(amounts), Recommendation: RecommendInsufficientData}
	if len(amounts) < cfg.MinSamples || len(amounts) == 0 {
		return a
	}
	data := stats.Float64Data(amounts)
	mean, err := data.Mean()
	if err != nil {
		return a
	}
	sd, err := data.StandardDeviationPopulation()
	if err != nil {
		return a
	}
	a.Min, _ = data.Min()
	a.Max, _ = data.Max()
	a.Sufficient = true
	a.Mean = mean
	a.StdDev = sd
	if mean > 0 {
		a.VariabilityScore = sd / mean
	}
	a.IsVariable = a.VariabilityScore > cfg.VariabilityThreshold
	switch {
	case a.VariabilityScore > cfg.HighVariabilityThreshold:
		a.Recommendation = RecommendHighVariability
	case a.VariabilityScore > cfg.VariabilityThreshold:
		a.Recommendation = RecommendModerate
	default:
		a.Recommendation = RecommendStable
	}
	return a
}

// Allocation is one bucket of a flex budget. Percentages are percentage
// points of income.
type Allocation struct {
	Percentage     float64  `json:"percentage"`
	Amount         float64  `json:"amount"`
	Categories     []string `json:"categories,omitempty"`
	Adjustable     bool     `json:"adjustable"`
	AdjustableDown bool     `json:"adjustableDown"`
	MinPercentage  float64  `json:"minPercentage,omitempty"`
	// CutOrder ranks buckets for reduction; 1 is cut first, 0 never.
	CutOrder int    `json:"cutOrder"`
	Note     string `json:"note,omitempty"`
}

// Allocations groups the three flex buckets.
type Allocations struct {
	Essentials    Allocation `json:"essentials"`
	Savings       Allocation `json:"savings"`
	Discretionary Allocation `json:"discretionary"`
}

// WeeklyRule adapts allocations for a week whose income crosses Threshold.
type WeeklyRule struct {
	Multiplier       float64 `json:"multiplier"`
	Threshold        float64 `json:"threshold"`
	Action           string  `json:"action"`
	SavingsBoost     float64 `json:"savingsBoost,omitempty"`
	DiscretionaryCut float64 `json:"discretionaryCut,omitempty"`
}

// WeeklyRules holds the high and low income week adaptations.
type WeeklyRules struct {
	HighIncomeWeek WeeklyRule `json:"highIncomeWeek"`
	LowIncomeWeek  WeeklyRule `json:"lowIncomeWeek"`
}

// IncomeRange is the observed span of income.
type IncomeRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// FlexBudget adapts week to week around the mean income.
type FlexBudget struct {
	BaseIncome       float64     `json:"baseIncome"`
	IncomeRange      IncomeRange `json:"incomeRange"`
	VariabilityScore float64     `json:"variabilityScore"`
	Allocations      Allocations `json:"allocations"`
	WeeklyRules      WeeklyRules `json:"weeklyRules"`
	Alerts           []string    `json:"alerts"`
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// CreateFlexBudget builds a flex budget around the analysed mean income.
func CreateFlexBudget(cfg config.FlexConfig, a Analysis) FlexBudget {
	base := a.Mean
	amount := func(pct float64) float64 { return round2(base * pct / 100) }
	return FlexBudget{
		BaseIncome:       round2(base),
		IncomeRange:      IncomeRange{Min: a.Min, Max: a.Max},
		VariabilityScore: round2(a.VariabilityScore),
		Allocations: Allocations{
			Essentials: Allocation{
				Percentage: cfg.EssentialsPercent,
				Amount:     amount(cfg.EssentialsPercent),
				Categories: append([]string(nil), cfg.EssentialCategories...),
				Adjustable: false,
				Note:       "Fixed needs; never reduced",
			},
			Savings: Allocation{
				Percentage:     cfg.SavingsPercent,
				Amount:         amount(cfg.SavingsPercent),
				Adjustable:     true,
				AdjustableDown: true,
				MinPercentage:  cfg.SavingsFloorPercent,
				CutOrder:       2,
				Note:           fmt.Sprintf("Target %g%%, never below %g%%", cfg.SavingsPercent, cfg.SavingsFloorPercent),
			},
			Discretionary: Allocation{
				Percentage:     cfg.DiscretionaryPercent,
				Amount:         amount(cfg.DiscretionaryPercent),
				Adjustable:     true,
				AdjustableDown: true,
				CutOrder:       1,
				Note:           "Cut first in low income weeks",
			},
		},
		WeeklyRules: WeeklyRules{
			HighIncomeWeek: WeeklyRule{
				Multiplier:   cfg.HighWeekMultiplier,
				Threshold:    round2(base * cfg.HighWeekMultiplier),
				Action:       fmt.Sprintf("Move an extra %g%% of income to savings", cfg.HighWeekSavingsBoost),
				SavingsBoost: cfg.HighWeekSavingsBoost,
			},
			LowIncomeWeek: WeeklyRule{
				Multiplier:       cfg.LowWeekMultiplier,
				Threshold:        round2(base * cfg.LowWeekMultiplier),
				Action:           fmt.Sprintf("Cut discretionary spending by %g%%", cfg.LowWeekDiscretionaryCut*100),
				DiscretionaryCut: cfg.LowWeekDiscretionaryCut,
			},
		},
		Alerts: []string{
			fmt.Sprintf("Income varies by %.0f%% around an average of ₹%.0f", a.VariabilityScore*100, base),
			fmt.Sprintf("Weeks above ₹%.0f boost savings; weeks below ₹%.0f cut discretionary spending",
				base*cfg.HighWeekMultiplier, base*cfg.LowWeekMultiplier),
		},
	}
}

// WeekType labels a week relative to the base income.
type WeekType string

const (
	WeekNormal WeekType = "NORMAL"
	WeekHigh   WeekType = "HIGH"
	WeekLow    WeekType = "LOW"
)

// Share is a concrete allocation for one week.
type Share struct {
	Percentage float64 `json:"percentage"`
	Amount     float64 `json:"amount"`
}

// WeekAllocation applies the weekly rules to one week's income.
type WeekAllocation struct {
	Type          WeekType `json:"type"`
	Income        float64  `json:"income"`
	Essentials    Share    `json:"essentials"`
	Savings       Share    `json:"savings"`
	Discretionary Share    `json:"discretionary"`
}

// AdaptWeek returns the allocation for a week with the given income. The
// three percentages always sum to 100; essentials are never reduced and
// savings never fall below their floor.
func (b FlexBudget) AdaptWeek(weekIncome float64) WeekAllocation {
	al := b.Allocations
	ess, sav, disc := al.Essentials.Percentage, al.Savings.Percentage, al.Discretionary.Percentage
	typ := WeekNormal

	switch high, low := b.WeeklyRules.HighIncomeWeek, b.WeeklyRules.LowIncomeWeek; {
	case weekIncome > high.Threshold:
		typ = WeekHigh
		boost := math.Min(high.SavingsBoost, disc)
		sav += boost
		disc -= boost
	case weekIncome < low.Threshold:
		typ = WeekLow
		disc = disc * (1 - low.DiscretionaryCut)
		sav = math.Max(al.Savings.MinPercentage, 0)
		ess = 100 - sav - disc
	}

	share := func(pct float64) Share {
		return Share{Percentage: round2(pct), Amount: round2(weekIncome * pct / 100)}
	}
	return WeekAllocation{
		Type:          typ,
		Income:        weekIncome,
		Essentials:    share(ess),
		Savings:       share(sav),
		Discretionary: share(disc),
	}
}

// Prediction forecasts a low income period.
type Prediction struct {
	Predicted    bool    `json:"predicted"`
	Confidence   float64 `json:"confidence"`
	Drop         float64 `json:"drop"`
	Duration     string  `json:"duration,omitempty"`
	BufferNeeded float64 `json:"bufferNeeded"`
	Reasoning    string  `json:"reasoning,omitempty"`
}

type weekKey struct{ year, week int }

// PredictLowIncome buckets income into ISO weeks and compares the mean of
// the most recent cfg.Weeks buckets with the preceding cfg.Weeks.
func PredictLowIncome(cfg config.TrendConfig, records []history.IncomeRecord) Prediction {
	totals := make(map[weekKey]float64)
	for _, r := range records {
		y, w := r.Date.ISOWeek()
		totals[weekKey{y, w}] += r.Amount
	}
	if len(totals) < 2*cfg.Weeks {
		return Prediction{}
	}
	keys := make([]weekKey, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].week < keys[j].week
	})

	mean := func(ks []weekKey) float64 {
		vals := make(stats.Float64Data, 0, len(ks))
		for _, k := range ks {
			vals = append(vals, totals[k])
		}
		m, _ := vals.Mean()
		return m
	}
	n := len(keys)
	recent := mean(keys[n-cfg.Weeks:])
	previous := mean(keys[n-2*cfg.Weeks : n-cfg.Weeks])
	if previous <= 0 {
		return Prediction{}
	}
	drop := (previous - recent) / previous
	if drop <= cfg.DropThreshold {
		return Prediction{Drop: round2(drop)}
	}
	return Prediction{
		Predicted:    true,
		Confidence:   cfg.Confidence,
		Drop:         round2(drop),
		Duration:     fmt.Sprintf("%d weeks", cfg.Weeks),
		BufferNeeded: round2(recent * cfg.BufferFraction),
		Reasoning: fmt.Sprintf("Weekly income over the last %d weeks averaged ₹%.0f, %.0f%% below the %d weeks before",
			cfg.Weeks, recent, drop*100, cfg.Weeks),
	}
}
