package spending

import (
	"fmt"
	"math"
	"time"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/history"
)

// TriggerType names a recurring behavioural condition.
type TriggerType string

const (
	TriggerWeekendFood TriggerType = "WEEKEND_FOOD_SPLURGE"
	TriggerLateNight   TriggerType = "LATE_NIGHT_IMPULSE"
	TriggerPayday      TriggerType = "PAYDAY_SPLURGE"
)

// Intervention is the nudge attached to a trigger.
type Intervention struct {
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// Trigger is a learned pattern. One entry is kept per type.
type Trigger struct {
	Type          TriggerType  `json:"type"`
	Description   string       `json:"description"`
	AverageAmount float64      `json:"averageAmount,omitempty"`
	Frequency     int          `json:"frequency,omitempty"`
	Confidence    float64      `json:"confidence"`
	Intervention  Intervention `json:"intervention"`
	FirstSeen     time.Time    `json:"firstSeen"`
	LastSeen      time.Time    `json:"lastSeen"`
	Occurrences   int          `json:"occurrences"`
}

type rules struct {
	cfg config.SpendingConfig
}

// lateNight reports whether hour falls in [start,24) or [0,end].
func (r rules) lateNight(hour int) bool {
	return hour >= r.cfg.LateNightStartHour || hour <= r.cfg.LateNightEndHour
}

// detect evaluates the heuristics in order and returns the ones satisfied
// by rec. The profile must already include rec.
func (r rules) detect(p *Profile, rec history.ExpenseRecord) []Trigger {
	var out []Trigger
	day := rec.Date.Weekday()

	if isFood(rec.Category) && isWeekend(day) {
		if n, avg := p.weekendFood(); n >= r.cfg.WeekendFoodMinCount && avg > r.cfg.WeekendFoodMinAverage {
			out = append(out, Trigger{
				Type:          TriggerWeekendFood,
				Description:   "Spends heavily on food over weekends",
				AverageAmount: math.Round(avg),
				Frequency:     n,
				Confidence:    0.85,
				Intervention: Intervention{
					Message:    fmt.Sprintf("Weekend food spending averages ₹%.0f per order.", avg),
					Suggestion: "Plan a home-cooked weekend meal or set a dining limit before heading out.",
				},
				LastSeen: rec.Date,
			})
		}
	}

	if r.lateNight(rec.Date.Hour()) && p.LateNightCount > r.cfg.LateNightMinCount {
		out = append(out, Trigger{
			Type:        TriggerLateNight,
			Description: "Makes frequent late-night purchases",
			Frequency:   p.LateNightCount,
			Confidence:  0.75,
			Intervention: Intervention{
				Message:    "Late-night purchases are often impulsive.",
				Suggestion: "Add the item to a wishlist and decide tomorrow morning.",
			},
			LastSeen: rec.Date,
		})
	}

	if day == time.Friday && rec.Amount > r.cfg.PaydayMinAmount {
		out = append(out, Trigger{
			Type:          TriggerPayday,
			Description:   "Spends big at the end of the week",
			AverageAmount: rec.Amount,
			Confidence:    0.70,
			Intervention: Intervention{
				Message:    "Large purchases tend to follow payday.",
				Suggestion: "Move this week's savings out first, then spend.",
			},
			LastSeen: rec.Date,
		})
	}
	return out
}

// Reason explains an intervention.
type Reason string

const (
	ReasonExceedingAverage Reason = "EXCEEDING_AVERAGE"
	ReasonRapidSpending    Reason = "RAPID_SPENDING"
	ReasonTriggerDetected  Reason = "TRIGGER_DETECTED"
)

// Decision is the single intervention outcome for a transaction.
type Decision struct {
	Intervene  bool        `json:"intervene"`
	Reason     Reason      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
	Trigger    TriggerType `json:"trigger,omitempty"`
}

// decide applies the intervention checks in precedence order; the first
// match wins. prior is the category state before rec; p includes rec.
func (r rules) decide(p *Profile, prior CategorySnapshot, rec history.ExpenseRecord) Decision {
	var recent []Transaction
	if cs, ok := p.ByCategory[rec.Category]; ok {
		recent = cs.Transactions
	}

	if prior.Count > 0 && prior.Average > 0 {
		y, m, d := rec.Date.Date()
		today := 0.0
		for _, t := range recent {
			if ty, tm, td := t.Date.In(rec.Date.Location()).Date(); ty == y && tm == m && td == d {
				today += t.Amount
			}
		}
		if today > r.cfg.InterventionMultiplier*prior.Average {
			return Decision{
				Intervene: true,
				Reason:    ReasonExceedingAverage,
				Message: fmt.Sprintf("You've spent ₹%.0f on %s today, more than %gx your usual ₹%.0f.",
					today, rec.Category, r.cfg.InterventionMultiplier, prior.Average),
				Suggestion: fmt.Sprintf("Pause further %s spending for today.", rec.Category),
			}
		}
	}

	from := rec.Date.Add(-r.cfg.RapidWindow)
	n := 0
	for _, t := range recent {
		if !t.Date.Before(from) && !t.Date.After(rec.Date) {
			n++
		}
	}
	if n >= r.cfg.RapidCount {
		return Decision{
			Intervene:  true,
			Reason:     ReasonRapidSpending,
			Message:    fmt.Sprintf("%d %s purchases in the last %s.", n, rec.Category, humanDuration(r.cfg.RapidWindow)),
			Suggestion: "Take a short break before the next purchase.",
		}
	}

	if t, ok := p.trigger(TriggerWeekendFood); ok && isFood(rec.Category) && isWeekend(rec.Date.Weekday()) {
		return triggerDecision(t)
	}
	if t, ok := p.trigger(TriggerLateNight); ok && r.lateNight(rec.Date.Hour()) {
		return triggerDecision(t)
	}
	return Decision{}
}

func triggerDecision(t Trigger) Decision {
	return Decision{
		Intervene:  true,
		Reason:     ReasonTriggerDetected,
		Message:    t.Intervention.Message,
		Suggestion: t.Intervention.Suggestion,
		Trigger:    t.Type,
	}
}

func humanDuration(d time.Duration) string {
	if d == time.Hour {
		return "hour"
	}
	return d.String()
}

// Alternative is a cheaper option offered with an alert.
type Alternative struct {
	Action           string  `json:"action"`
	Description      string  `json:"description"`
	SavingsFraction  float64 `json:"savingsFraction"`
	EstimatedSavings float64 `json:"estimatedSavings"`
}

type alternative struct {
	action, description string
	fraction            float64
}

var alternativesByCategory = map[string][]alternative{
	"food": {
		{"cook_at_home", "Cook at home instead", 0.7},
		{"cheaper_venue", "Pick a cheaper place", 0.5},
		{"smaller_portion", "Order a smaller portion", 0.3},
	},
	"transport": {
		{"public_transit", "Take public transport", 0.6},
		{"carpool", "Share the ride", 0.4},
	},
	"shopping": {
		{"wait_24h", "Wait 24 hours before buying", 1.0},
		{"buy_on_sale", "Wait for a sale", 0.3},
		{"buy_used", "Buy second-hand", 0.5},
	},
}

// Alternatives returns the category's cheaper options with their estimated
// savings on amount. Categories without options return nil.
func Alternatives(category string, amount float64) []Alternative {
	if category == "dining" {
		category = "food"
	}
	opts := alternativesByCategory[category]
	if len(opts) == 0 {
		return nil
	}
	out := make([]Alternative, 0, len(opts))
	for _, o := range opts {
		out = append(out, Alternative{
			Action:           o.action,
			Description:      o.description,
			SavingsFraction:  o.fraction,
			EstimatedSavings: math.Round(amount*o.fraction*100) / 100,
		})
	}
	return out
}
