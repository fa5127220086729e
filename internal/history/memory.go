package history

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider keeps history in process memory.
type MemoryProvider struct {
	mu       sync.RWMutex
	income   map[string][]IncomeRecord
	expenses map[string][]ExpenseRecord
	now      func() time.Time
}

// NewMemoryProvider returns an empty provider. A nil clock uses time.Now.
func NewMemoryProvider(now func() time.Time) *MemoryProvider {
	if now == nil {
		now = time.Now
	}
	return &MemoryProvider{
		income:   make(map[string][]IncomeRecord),
		expenses: make(map[string][]ExpenseRecord),
		now:      now,
	}
}

// RecordIncome appends an income record.
func (m *MemoryProvider) RecordIncome(ctx context.Context, userID string, rec IncomeRecord) error {
	if err := validIncome(userID, rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.income[userID] = append(m.income[userID], rec)
	return nil
}

// RecordExpense appends an expense record.
func (m *MemoryProvider) RecordExpense(ctx context.Context, userID string, rec ExpenseRecord) error {
	if err := validExpense(userID, rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expenses[userID] = append(m.expenses[userID], rec)
	return nil
}

// IncomeHistory returns income inside the window.
func (m *MemoryProvider) IncomeHistory(ctx context.Context, userID string, days int) ([]IncomeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from := windowStart(m.now(), days)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []IncomeRecord
	for _, r := range m.income[userID] {
		if !r.Date.Before(from) {
			out = append(out, r)
		}
	}
	sortIncome(out)
	return out, nil
}

// ExpenseHistory returns expenses inside the window.
func (m *MemoryProvider) ExpenseHistory(ctx context.Context, userID string, days int) ([]ExpenseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from := windowStart(m.now(), days)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ExpenseRecord
	for _, r := range m.expenses[userID] {
		if !r.Date.Before(from) {
			out = append(out, r)
		}
	}
	sortExpenses(out)
	return out, nil
}

var _ Store = (*MemoryProvider)(nil)
