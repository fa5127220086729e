// Package history provides read access to a user's past income and expense
// records. Sources are treated as read-only and eventually consistent; an
// empty result is never an error.
package history

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrInvalidRecord is returned when a record lacks a user, amount or date.
var ErrInvalidRecord = errors.New("invalid history record")

// IncomeRecord is one observed income payment.
type IncomeRecord struct {
	Amount float64   `json:"amount"`
	Date   time.Time `json:"date"`
	Source string    `json:"source,omitempty"`
}

// ExpenseRecord is one observed expense.
type ExpenseRecord struct {
	Amount      float64   `json:"amount"`
	Category    string    `json:"category"`
	Date        time.Time `json:"date"`
	Description string    `json:"description,omitempty"`
}

// Provider reads history within a trailing window of days. Results are
// ordered oldest first.
type Provider interface {
	IncomeHistory(ctx context.Context, userID string, days int) ([]IncomeRecord, error)
	ExpenseHistory(ctx context.Context, userID string, days int) ([]ExpenseRecord, error)
}

// Recorder appends new records.
type Recorder interface {
	RecordIncome(ctx context.Context, userID string, rec IncomeRecord) error
	RecordExpense(ctx context.Context, userID string, rec ExpenseRecord) error
}

// Store is a provider that can also record.
type Store interface {
	Provider
	Recorder
}

func validIncome(userID string, rec IncomeRecord) error {
	if strings.TrimSpace(userID) == "" || rec.Amount <= 0 || rec.Date.IsZero() {
		return ErrInvalidRecord
	}
	return nil
}

func validExpense(userID string, rec ExpenseRecord) error {
	if strings.TrimSpace(userID) == "" || rec.Amount <= 0 || rec.Date.IsZero() {
		return ErrInvalidRecord
	}
	return nil
}

// windowStart returns the earliest instant inside a trailing window.
// days <= 0 means unbounded.
func windowStart(now time.Time, days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

func sortIncome(recs []IncomeRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })
}

func sortExpenses(recs []ExpenseRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })
}
