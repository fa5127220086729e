package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/eventbus"
)

// RecorderPriority places the recorder ahead of every agent so the current
// transaction is already in history when agents read it.
const RecorderPriority = 1 << 20

// resolveDate picks the transaction instant. Bare dates take the event's
// clock time when they fall on the event's day and noon otherwise.
func resolveDate(p map[string]interface{}, fallback time.Time) time.Time {
	t, dateOnly, ok := core.Time(p, "date")
	if !ok {
		return fallback
	}
	if !dateOnly {
		return t
	}
	fy, fm, fd := fallback.Date()
	if y, m, d := t.Date(); y == fy && m == fm && d == fd {
		return fallback
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, fallback.Location())
}

// IncomeFromPayload reads an INCOME_ADDED payload.
func IncomeFromPayload(p map[string]interface{}, at time.Time) (string, IncomeRecord, error) {
	userID := core.String(p, "userId")
	amount, ok := core.Float(p, "amount")
	if userID == "" || !ok || amount <= 0 {
		return "", IncomeRecord{}, fmt.Errorf("income payload: %w", ErrInvalidRecord)
	}
	return userID, IncomeRecord{
		Amount: amount,
		Date:   resolveDate(p, at),
		Source: core.String(p, "source"),
	}, nil
}

// ExpenseFromPayload reads an EXPENSE_ADDED or VOICE_EXPENSE_DETECTED
// payload. Voice payloads carry the expense under "extracted".
func ExpenseFromPayload(kind core.EventKind, p map[string]interface{}, at time.Time) (string, ExpenseRecord, error) {
	userID := core.String(p, "userId")
	fields := p
	if kind == core.KindVoiceExpenseDetected {
		extracted, ok := core.Map(p, "extracted")
		if !ok {
			return "", ExpenseRecord{}, fmt.Errorf("voice payload without extracted expense: %w", ErrInvalidRecord)
		}
		fields = extracted
		if userID == "" {
			userID = core.String(extracted, "userId")
		}
	}
	amount, ok := core.Float(fields, "amount")
	if userID == "" || !ok || amount <= 0 {
		return "", ExpenseRecord{}, fmt.Errorf("expense payload: %w", ErrInvalidRecord)
	}
	return userID, ExpenseRecord{
		Amount:      amount,
		Category:    NormalizeCategory(core.String(fields, "category")),
		Date:        resolveDate(fields, at),
		Description: core.String(fields, "description"),
	}, nil
}

// NormalizeCategory lower-cases and trims a category; empty becomes "other".
func NormalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "other"
	}
	return c
}

// Attach subscribes rec to the inbound transaction kinds and returns a
// detach function.
func Attach(bus eventbus.Bus, rec Recorder, logger *logrus.Logger) func() {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "history_recorder")

	incomeID := bus.Subscribe(core.KindIncomeAdded, func(ctx context.Context, ev core.Event) (interface{}, error) {
		userID, r, err := IncomeFromPayload(ev.Payload, ev.Timestamp)
		if err != nil {
			log.WithError(err).Debug("income not recorded")
			return nil, nil
		}
		return nil, rec.RecordIncome(ctx, userID, r)
	}, eventbus.WithPriority(RecorderPriority))

	expense := func(ctx context.Context, ev core.Event) (interface{}, error) {
		userID, r, err := ExpenseFromPayload(ev.Kind, ev.Payload, ev.Timestamp)
		if err != nil {
			log.WithError(err).Debug("expense not recorded")
			return nil, nil
		}
		return nil, rec.RecordExpense(ctx, userID, r)
	}
	expenseID := bus.Subscribe(core.KindExpenseAdded, expense, eventbus.WithPriority(RecorderPriority))
	voiceID := bus.Subscribe(core.KindVoiceExpenseDetected, expense, eventbus.WithPriority(RecorderPriority))

	return func() {
		bus.Unsubscribe(core.KindIncomeAdded, incomeID)
		bus.Unsubscribe(core.KindExpenseAdded, expenseID)
		bus.Unsubscribe(core.KindVoiceExpenseDetected, voiceID)
	}
}
