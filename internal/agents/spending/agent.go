// Package spending implements the spending pattern agent. It learns each
// user's spending behaviour online, detects recurring triggers, decides on
// proactive interventions and flags z-score anomalies.
package spending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/history"
	"go-pattern-agents/internal/metrics"
	"go-pattern-agents/internal/snapshot"
)

// Action types recorded by the agent.
const (
	ActionIntervene   = "intervene"
	ActionFlagAnomaly = "flag_anomaly"
)

const snapshotPrefix = "profile:"

// Agent consumes EXPENSE_ADDED and VOICE_EXPENSE_DETECTED events.
type Agent struct {
	*core.Base
	cfg       config.SpendingConfig
	rules     rules
	provider  history.Provider
	snapshots snapshot.Store
	metrics   *metrics.Metrics

	// mu serialises profile creation; per-profile work uses Profile.mu.
	mu       sync.Mutex
	profiles *cache.Cache
}

// Options wires the agent's collaborators. History and Snapshots are
// optional.
type Options struct {
	Config    config.SpendingConfig
	Publisher core.Publisher
	History   history.Provider
	Snapshots snapshot.Store
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Clock     func() time.Time
}

// New returns an enabled agent.
func New(opts Options) *Agent {
	base := core.NewBase(core.BaseOptions{
		Name:      config.AgentSpendingPattern,
		Priority:  opts.Config.Priority,
		Kinds:     []core.EventKind{core.KindExpenseAdded, core.KindVoiceExpenseDetected},
		Required:  []string{"userId", "amount", "category", "date"},
		Publisher: opts.Publisher,
		Observer:  opts.Metrics,
		Logger:    opts.Logger,
		Clock:     opts.Clock,
	})
	ttl := opts.Config.Profiles.TTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	a := &Agent{
		Base:      base,
		cfg:       opts.Config,
		rules:     rules{cfg: opts.Config},
		provider:  opts.History,
		snapshots: opts.Snapshots,
		metrics:   opts.Metrics,
		profiles:  cache.New(ttl, opts.Config.Profiles.CleanupInterval),
	}
	a.profiles.OnEvicted(a.onEvicted)
	return a
}

// ShouldTakeAction accepts expense events while enabled.
func (a *Agent) ShouldTakeAction(ev core.Event) bool {
	if !a.Enabled() {
		return false
	}
	return ev.Kind == core.KindExpenseAdded || ev.Kind == core.KindVoiceExpenseDetected
}

// Stop persists every cached profile.
func (a *Agent) Stop(ctx context.Context) error {
	return a.Flush(ctx)
}

// outcome carries what one transaction produced, emitted after the profile
// lock is released.
type outcome struct {
	userID   string
	expense  map[string]interface{}
	decision Decision
	anomaly  Anomaly
	budget   *float64
}

// Process learns from one expense and emits any alert or anomaly.
func (a *Agent) Process(ctx context.Context, ev core.Event) error {
	if !a.ShouldTakeAction(ev) {
		return nil
	}
	log := a.Logger()
	fields := expenseFields(ev)
	conf := a.CalculateConfidence(fields)
	a.SetConfidence(conf)
	if conf < a.cfg.MinConfidence {
		log.WithField("confidence", conf).Debug("expense event below confidence threshold")
		return nil
	}
	userID, rec, err := history.ExpenseFromPayload(ev.Kind, ev.Payload, ev.Timestamp)
	if err != nil {
		log.WithError(err).Debug("expense event ignored")
		return nil
	}

	p := a.profile(ctx, userID, &rec)
	out := a.observe(p, rec)
	out.userID = userID
	out.expense = expensePayload(ev.Kind, rec)
	if total, ok := core.Float(fields, "monthlyTotal"); ok {
		if budget, ok := core.Float(fields, "budgetAmount"); ok {
			remaining := budget - total
			out.budget = &remaining
		}
	}
	a.profiles.SetDefault(userID, p)

	a.emit(ctx, out)
	return nil
}

// observe runs the learning pipeline under the profile lock.
func (a *Agent) observe(p *Profile, rec history.ExpenseRecord) outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior := p.snapshot(rec.Category)
	a.learn(p, rec)
	for _, t := range a.rules.detect(p, rec) {
		p.addTrigger(t, a.cfg.Profiles.MaxTriggers)
	}
	return outcome{
		decision: a.rules.decide(p, prior, rec),
		anomaly:  DetectAnomaly(a.cfg, prior, rec.Amount),
	}
}

func (a *Agent) learn(p *Profile, rec history.ExpenseRecord) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger().WithFields(logrus.Fields{"user": p.UserID, "panic": r}).Error("learning failed part way")
		}
	}()
	p.learn(rec, a.cfg.Profiles.MaxTransactionsPerCategory, a.rules.lateNight)
}

func (a *Agent) emit(ctx context.Context, out outcome) {
	stamp := a.Now().Format(time.RFC3339Nano)

	if d := out.decision; d.Intervene {
		a.Execute(ctx, core.NewAction(ActionIntervene, func(ctx context.Context) (interface{}, error) {
			payload := map[string]interface{}{
				"agent":      a.Name(),
				"userId":     out.userID,
				"priority":   string(core.PriorityHigh),
				"reason":     string(d.Reason),
				"message":    d.Message,
				"suggestion": d.Suggestion,
				"expense":    out.expense,
				"timestamp":  stamp,
			}
			if alts := Alternatives(core.String(out.expense, "category"), amountOf(out.expense)); len(alts) > 0 {
				items := make([]interface{}, 0, len(alts))
				for _, alt := range alts {
					m, err := core.ToPayload(alt)
					if err != nil {
						return nil, err
					}
					items = append(items, m)
				}
				payload["alternatives"] = items
			}
			if d.Trigger != "" {
				payload["trigger"] = string(d.Trigger)
			}
			if out.budget != nil {
				payload["budgetRemaining"] = *out.budget
			}
			a.metrics.RecordIntervention(string(d.Reason))
			return d, a.Publish(ctx, core.KindAgentAlert, payload)
		}))
	}

	if an := out.anomaly; an.IsAnomaly {
		a.Execute(ctx, core.NewAction(ActionFlagAnomaly, func(ctx context.Context) (interface{}, error) {
			anomaly, err := core.ToPayload(an)
			if err != nil {
				return nil, err
			}
			payload := map[string]interface{}{
				"agent":     a.Name(),
				"userId":    out.userID,
				"expense":   out.expense,
				"anomaly":   anomaly,
				"timestamp": stamp,
			}
			a.metrics.RecordAnomaly(string(an.Severity))
			return an, a.Publish(ctx, core.KindAnomalyDetected, payload)
		}))
	}
}

// Profile returns a copy of the user's cached profile statistics. The
// second result is false when the user is not cached.
func (a *Agent) Profile(userID string) (CategoryView, bool) {
	v, ok := a.profiles.Get(userID)
	if !ok {
		return CategoryView{}, false
	}
	p := v.(*Profile)
	p.mu.Lock()
	defer p.mu.Unlock()
	view := CategoryView{
		Categories:     make(map[string]CategoryStats, len(p.ByCategory)),
		Triggers:       append([]Trigger(nil), p.Triggers...),
		LateNightCount: p.LateNightCount,
	}
	for k, cs := range p.ByCategory {
		c := *cs
		c.Transactions = append([]Transaction(nil), cs.Transactions...)
		view.Categories[k] = c
	}
	return view, true
}

// CategoryView is a read-only copy of a profile.
type CategoryView struct {
	Categories     map[string]CategoryStats
	Triggers       []Trigger
	LateNightCount int
}

// profile returns the cached profile for userID, loading it from the
// snapshot store or warm-starting it from expense history on a miss.
// exclude is skipped once during warm start.
func (a *Agent) profile(ctx context.Context, userID string, exclude *history.ExpenseRecord) *Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.profiles.Get(userID); ok {
		return v.(*Profile)
	}
	p := a.load(ctx, userID, exclude)
	a.makeRoom()
	a.profiles.SetDefault(userID, p)
	return p
}

func (a *Agent) load(ctx context.Context, userID string, exclude *history.ExpenseRecord) *Profile {
	log := a.Logger().WithField("user", userID)
	if a.snapshots != nil {
		p := &Profile{}
		_, err := a.snapshots.Get(ctx, snapshotPrefix+userID, p)
		switch {
		case err == nil:
			p.UserID = userID
			p.ensure()
			log.Debug("profile restored from snapshot")
			return p
		case !errors.Is(err, snapshot.ErrNotFound):
			log.WithError(err).Warn("profile snapshot unreadable; rebuilding")
		}
	}

	p := NewProfile(userID)
	if a.provider == nil || a.cfg.WarmStartDays <= 0 {
		return p
	}
	fetchCtx := ctx
	if a.cfg.HistoryTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, a.cfg.HistoryTimeout)
		defer cancel()
	}
	records, err := a.provider.ExpenseHistory(fetchCtx, userID, a.cfg.WarmStartDays)
	if err != nil {
		a.metrics.RecordFetchFailure("expense")
		log.WithError(err).Warn("expense history unavailable; starting empty profile")
		return p
	}
	skipped := exclude == nil
	for _, r := range records {
		if !skipped && sameExpense(r, *exclude) {
			skipped = true
			continue
		}
		a.learn(p, r)
	}
	log.WithField("records", len(records)).Debug("profile warm-started from history")
	return p
}

// sameExpense matches dates to the millisecond, the precision history
// stores keep.
func sameExpense(a, b history.ExpenseRecord) bool {
	return a.Amount == b.Amount && a.Category == b.Category && a.Date.UnixMilli() == b.Date.UnixMilli()
}

// makeRoom evicts the least recently touched profile when the arena is
// full. Eviction persists it through onEvicted.
func (a *Agent) makeRoom() {
	max := a.cfg.Profiles.MaxUsers
	if max <= 0 || a.profiles.ItemCount() < max {
		return
	}
	var (
		oldestKey string
		oldest    int64
		found     bool
	)
	for k, item := range a.profiles.Items() {
		if !found || item.Expiration < oldest {
			oldestKey, oldest, found = k, item.Expiration, true
		}
	}
	if found {
		a.profiles.Delete(oldestKey)
	}
}

func (a *Agent) onEvicted(userID string, v interface{}) {
	p, ok := v.(*Profile)
	if !ok {
		return
	}
	a.metrics.RecordEviction()
	ctx, cancel := context.WithTimeout(context.Background(), a.persistTimeout())
	defer cancel()
	if err := a.persist(ctx, p); err != nil {
		a.Logger().WithError(err).WithField("user", userID).Warn("evicted profile not persisted")
	}
}

func (a *Agent) persistTimeout() time.Duration {
	if d := a.cfg.Profiles.PersistTimeout; d > 0 {
		return d
	}
	return 2 * time.Second
}

// persist writes p to the snapshot store unless it is unchanged since the
// last write.
func (a *Agent) persist(ctx context.Context, p *Profile) error {
	if a.snapshots == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return nil
	}
	if _, err := a.snapshots.Put(ctx, snapshotPrefix+p.UserID, p, a.cfg.Profiles.SnapshotTTL); err != nil {
		return fmt.Errorf("persist profile %s: %w", p.UserID, err)
	}
	p.dirty = false
	return nil
}

// EvictUser persists the user's profile and drops it from memory. The
// profile stays cached when the write fails.
func (a *Agent) EvictUser(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.profiles.Get(userID)
	if !ok {
		return nil
	}
	if err := a.persist(ctx, v.(*Profile)); err != nil {
		return err
	}
	a.profiles.Delete(userID)
	return nil
}

// Flush writes every changed profile in one snapshot transaction without
// evicting it.
func (a *Agent) Flush(ctx context.Context) error {
	if a.snapshots == nil {
		return nil
	}
	var dirty []*Profile
	values := make(map[string]interface{})
	for _, item := range a.profiles.Items() {
		p, ok := item.Object.(*Profile)
		if !ok {
			continue
		}
		p.mu.Lock()
		if !p.dirty {
			p.mu.Unlock()
			continue
		}
		dirty = append(dirty, p)
		values[snapshotPrefix+p.UserID] = p
	}
	defer func() {
		for _, p := range dirty {
			p.mu.Unlock()
		}
	}()
	if len(values) == 0 {
		return nil
	}
	if err := a.snapshots.Txn(ctx, values, a.cfg.Profiles.SnapshotTTL); err != nil {
		return fmt.Errorf("flush %d profiles: %w", len(values), err)
	}
	for _, p := range dirty {
		p.dirty = false
	}
	return nil
}

// Users reports how many profiles are cached.
func (a *Agent) Users() int { return a.profiles.ItemCount() }

// expenseFields returns the fields confidence is scored on.
func expenseFields(ev core.Event) map[string]interface{} {
	if ev.Kind != core.KindVoiceExpenseDetected {
		return ev.Payload
	}
	extracted, _ := core.Map(ev.Payload, "extracted")
	fields := make(map[string]interface{}, len(extracted)+1)
	for k, v := range extracted {
		fields[k] = v
	}
	if id := core.String(ev.Payload, "userId"); id != "" {
		fields["userId"] = id
	}
	return fields
}

func expensePayload(kind core.EventKind, rec history.ExpenseRecord) map[string]interface{} {
	p := map[string]interface{}{
		"amount":   rec.Amount,
		"category": rec.Category,
		"date":     rec.Date.Format(time.RFC3339),
	}
	if rec.Description != "" {
		p["description"] = rec.Description
	}
	if kind == core.KindVoiceExpenseDetected {
		p["source"] = "voice"
	}
	return p
}

func amountOf(expense map[string]interface{}) float64 {
	v, _ := core.Float(expense, "amount")
	return v
}

var _ core.Agent = (*Agent)(nil)
