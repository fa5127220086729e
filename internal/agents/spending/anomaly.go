package spending

import (
	"fmt"
	"math"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/core"
)

// Anomaly is the z-score verdict for one transaction.
type Anomaly struct {
	IsAnomaly           bool          `json:"isAnomaly"`
	Severity            core.Severity `json:"severity,omitempty"`
	ZScore              float64       `json:"zScore,omitempty"`
	Message             string        `json:"message,omitempty"`
	RequireConfirmation bool          `json:"requireConfirmation"`
	PossibleReasons     []string      `json:"possibleReasons,omitempty"`
}

// DetectAnomaly scores amount against the category statistics taken before
// it. Too little history yields no verdict. A category that never varied
// flags any different amount as HIGH and leaves ZScore unset.
func DetectAnomaly(cfg config.SpendingConfig, s CategorySnapshot, amount float64) Anomaly {
	if s.Count == 0 || len(s.Recent) < cfg.AnomalyMinSamples {
		return Anomaly{}
	}
	direction := "above"
	if amount < s.Mean {
		direction = "below"
	}

	var a Anomaly
	if s.StdDev == 0 {
		if amount == s.Mean {
			return a
		}
		a.Severity = core.SeverityHigh
		a.Message = fmt.Sprintf("₹%.0f on %s is %s the ₹%.0f you always spend here.",
			amount, s.Category, direction, s.Mean)
	} else {
		z := (amount - s.Mean) / s.StdDev
		a.ZScore = math.Round(z*100) / 100
		if math.Abs(z) <= cfg.AnomalyZ {
			return a
		}
		a.Severity = core.SeverityMedium
		if math.Abs(z) > cfg.AnomalyHighZ {
			a.Severity = core.SeverityHigh
		}
		a.Message = fmt.Sprintf("₹%.0f on %s is %.1f standard deviations %s your usual ₹%.0f.",
			amount, s.Category, math.Abs(z), direction, s.Mean)
	}
	a.IsAnomaly = true
	a.RequireConfirmation = true

	ratio := 0.0
	if s.Mean > 0 {
		ratio = amount / s.Mean
	}
	switch {
	case ratio > 3:
		a.PossibleReasons = []string{"One-time large purchase", "Bulk purchase"}
	case ratio >= 2:
		a.PossibleReasons = []string{"Special occasion", "Impulse purchase"}
	case ratio < 1:
		a.PossibleReasons = []string{"Discount or refund", "Smaller purchase than usual"}
	default:
		a.PossibleReasons = []string{"Price increase", "Different merchant"}
	}
	return a
}
