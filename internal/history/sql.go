package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS income_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT    NOT NULL,
	amount      REAL    NOT NULL,
	source      TEXT    NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_income_user_time ON income_history(user_id, occurred_at);
CREATE TABLE IF NOT EXISTS expense_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT    NOT NULL,
	amount      REAL    NOT NULL,
	category    TEXT    NOT NULL DEFAULT '',
	description TEXT    NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_expense_user_time ON expense_history(user_id, occurred_at);
`

// SQLProvider reads and writes history through database/sql. Times are
// stored as unix milliseconds in UTC.
type SQLProvider struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string, now func() time.Time) (*SQLProvider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	p, err := NewSQLProvider(ctx, db, now)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLProvider migrates the schema on db.
func NewSQLProvider(ctx context.Context, db *sql.DB, now func() time.Time) (*SQLProvider, error) {
	if now == nil {
		now = time.Now
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &SQLProvider{db: db, now: now}, nil
}

func windowMillis(now time.Time, days int) int64 {
	if days <= 0 {
		return 0
	}
	return windowStart(now, days).UnixMilli()
}

// RecordIncome inserts an income record.
func (p *SQLProvider) RecordIncome(ctx context.Context, userID string, rec IncomeRecord) error {
	if err := validIncome(userID, rec); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO income_history (user_id, amount, source, occurred_at) VALUES (?, ?, ?, ?)`,
		userID, rec.Amount, rec.Source, rec.Date.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert income: %w", err)
	}
	return nil
}

// RecordExpense inserts an expense record.
func (p *SQLProvider) RecordExpense(ctx context.Context, userID string, rec ExpenseRecord) error {
	if err := validExpense(userID, rec); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO expense_history (user_id, amount, category, description, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		userID, rec.Amount, rec.Category, rec.Description, rec.Date.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert expense: %w", err)
	}
	return nil
}

// IncomeHistory returns income inside the window.
func (p *SQLProvider) IncomeHistory(ctx context.Context, userID string, days int) ([]IncomeRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT amount, source, occurred_at FROM income_history
		 WHERE user_id = ? AND occurred_at >= ?
		 ORDER BY occurred_at, id`,
		userID, windowMillis(p.now(), days),
	)
	if err != nil {
		return nil, fmt.Errorf("query income: %w", err)
	}
	defer rows.Close()

	var out []IncomeRecord
	for rows.Next() {
		var rec IncomeRecord
		var ms int64
		if err := rows.Scan(&rec.Amount, &rec.Source, &ms); err != nil {
			return nil, fmt.Errorf("scan income: %w", err)
		}
		rec.Date = time.UnixMilli(ms).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExpenseHistory returns expenses inside the window.
func (p *SQLProvider) ExpenseHistory(ctx context.Context, userID string, days int) ([]ExpenseRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT amount, category, description, occurred_at FROM expense_history
		 WHERE user_id = ? AND occurred_at >= ?
		 ORDER BY occurred_at, id`,
		userID, windowMillis(p.now(), days),
	)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	var out []ExpenseRecord
	for rows.Next() {
		var rec ExpenseRecord
		var ms int64
		if err := rows.Scan(&rec.Amount, &rec.Category, &rec.Description, &ms); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		rec.Date = time.UnixMilli(ms).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (p *SQLProvider) Close() error { return p.db.Close() }

var _ Store = (*SQLProvider)(nil)
