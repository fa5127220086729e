package spending

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"go-pattern-agents/internal/history"
)

// Slot is a coarse time-of-day bucket.
type Slot string

const (
	SlotMorning   Slot = "morning"
	SlotAfternoon Slot = "afternoon"
	SlotEvening   Slot = "evening"
	SlotNight     Slot = "night"
)

// TimeSlot maps an hour of day to its slot: morning 06-12, afternoon 12-17,
// evening 17-21, night otherwise.
func TimeSlot(hour int) Slot {
	switch {
	case hour >= 6 && hour < 12:
		return SlotMorning
	case hour >= 12 && hour < 17:
		return SlotAfternoon
	case hour >= 17 && hour < 21:
		return SlotEvening
	default:
		return SlotNight
	}
}

// Transaction is one learned expense.
type Transaction struct {
	Amount    float64   `json:"amount"`
	Date      time.Time `json:"date"`
	DayOfWeek int       `json:"dayOfWeek"`
	Hour      int       `json:"hour"`
}

// CategoryStats aggregates one category. Count, total and average are
// running values over every learned transaction; Transactions keeps only
// the most recent ones.
type CategoryStats struct {
	Count         int           `json:"count"`
	TotalAmount   float64       `json:"totalAmount"`
	AverageAmount float64       `json:"averageAmount"`
	Transactions  []Transaction `json:"transactions"`
}

// DayStats aggregates one weekday.
type DayStats struct {
	Count         int     `json:"count"`
	TotalAmount   float64 `json:"totalAmount"`
	AverageAmount float64 `json:"averageAmount"`
}

// SlotStats aggregates one time slot.
type SlotStats struct {
	Count       int            `json:"count"`
	TotalAmount float64        `json:"totalAmount"`
	Categories  map[string]int `json:"categories"`
}

// Profile is the learned behaviour of one user. It is owned by the agent
// and guarded by its own mutex.
type Profile struct {
	mu sync.Mutex
	// dirty is set by learning and cleared once persisted.
	dirty bool

	UserID         string                    `json:"userId"`
	ByCategory     map[string]*CategoryStats `json:"byCategory"`
	ByDayOfWeek    [7]DayStats               `json:"byDayOfWeek"`
	ByTimeOfDay    map[Slot]*SlotStats       `json:"byTimeOfDay"`
	Triggers       []Trigger                 `json:"triggers"`
	LateNightCount int                       `json:"lateNightCount"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

// NewProfile returns an empty profile.
func NewProfile(userID string) *Profile {
	p := &Profile{UserID: userID}
	p.ensure()
	return p
}

// ensure initialises maps left nil by decoding.
func (p *Profile) ensure() {
	if p.ByCategory == nil {
		p.ByCategory = make(map[string]*CategoryStats)
	}
	if p.ByTimeOfDay == nil {
		p.ByTimeOfDay = make(map[Slot]*SlotStats)
	}
	for _, s := range p.ByTimeOfDay {
		if s.Categories == nil {
			s.Categories = make(map[string]int)
		}
	}
}

// CategorySnapshot is a category's statistics before a transaction.
type CategorySnapshot struct {
	Category string
	Count    int
	// Average is the running average over all learned transactions.
	Average float64
	// Mean and StdDev are taken over the retained transactions.
	Mean   float64
	StdDev float64
	// Recent holds the retained transactions, oldest first.
	Recent []Transaction
}

func (p *Profile) snapshot(category string) CategorySnapshot {
	s := CategorySnapshot{Category: category}
	cs, ok := p.ByCategory[category]
	if !ok || cs.Count == 0 {
		return s
	}
	s.Count = cs.Count
	s.Average = cs.AverageAmount
	s.Recent = append([]Transaction(nil), cs.Transactions...)
	amounts := make(stats.Float64Data, 0, len(cs.Transactions))
	for _, t := range cs.Transactions {
		amounts = append(amounts, t.Amount)
	}
	s.Mean, _ = amounts.Mean()
	s.StdDev, _ = amounts.StandardDeviationPopulation()
	return s
}

// learn folds rec into the aggregates. Each step commits on its own so a
// failure part way keeps what was already learned.
func (p *Profile) learn(rec history.ExpenseRecord, maxTx int, lateNight func(hour int) bool) {
	day := int(rec.Date.Weekday())
	hour := rec.Date.Hour()
	p.dirty = true

	cs, ok := p.ByCategory[rec.Category]
	if !ok {
		cs = &CategoryStats{}
		p.ByCategory[rec.Category] = cs
	}
	cs.Count++
	cs.TotalAmount += rec.Amount
	cs.AverageAmount = cs.TotalAmount / float64(cs.Count)
	cs.Transactions = append(cs.Transactions, Transaction{Amount: rec.Amount, Date: rec.Date, DayOfWeek: day, Hour: hour})
	if maxTx > 0 && len(cs.Transactions) > maxTx {
		cs.Transactions = append([]Transaction(nil), cs.Transactions[len(cs.Transactions)-maxTx:]...)
	}

	ds := &p.ByDayOfWeek[day]
	ds.Count++
	ds.TotalAmount += rec.Amount
	ds.AverageAmount = ds.TotalAmount / float64(ds.Count)

	slot := TimeSlot(hour)
	ss, ok := p.ByTimeOfDay[slot]
	if !ok {
		ss = &SlotStats{Categories: make(map[string]int)}
		p.ByTimeOfDay[slot] = ss
	}
	ss.Count++
	ss.TotalAmount += rec.Amount
	ss.Categories[rec.Category]++

	if lateNight(hour) {
		p.LateNightCount++
	}
	if rec.Date.After(p.UpdatedAt) {
		p.UpdatedAt = rec.Date
	}
}

// weekendFood returns the count and average of retained weekend food
// transactions.
func (p *Profile) weekendFood() (int, float64) {
	n, total := 0, 0.0
	for cat, cs := range p.ByCategory {
		if !isFood(cat) {
			continue
		}
		for _, t := range cs.Transactions {
			if isWeekend(time.Weekday(t.DayOfWeek)) {
				n++
				total += t.Amount
			}
		}
	}
	if n == 0 {
		return 0, 0
	}
	return n, total / float64(n)
}

func (p *Profile) trigger(typ TriggerType) (Trigger, bool) {
	for _, t := range p.Triggers {
		if t.Type == typ {
			return t, true
		}
	}
	return Trigger{}, false
}

// addTrigger records t, refreshing an existing trigger of the same type and
// keeping at most max entries.
func (p *Profile) addTrigger(t Trigger, max int) {
	for i, existing := range p.Triggers {
		if existing.Type == t.Type {
			t.FirstSeen = existing.FirstSeen
			t.Occurrences = existing.Occurrences + 1
			p.Triggers[i] = t
			return
		}
	}
	t.FirstSeen = t.LastSeen
	t.Occurrences = 1
	p.dirty = true
	p.Triggers = append(p.Triggers, t)
	if max > 0 && len(p.Triggers) > max {
		p.Triggers = append([]Trigger(nil), p.Triggers[len(p.Triggers)-max:]...)
	}
}

func isFood(category string) bool { return category == "food" || category == "dining" }

func isWeekend(d time.Weekday) bool { return d == time.Saturday || d == time.Sunday }
