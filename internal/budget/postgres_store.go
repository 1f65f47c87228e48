package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists budget accounts and reservations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed budget store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, key Key) (*Account, error) {
	a := &Account{Key: key}
	err := p.db.QueryRowContext(ctx, `
		SELECT daily_window, daily_spent, daily_held, monthly_window, monthly_spent, monthly_held, version, updated_at
		FROM budget_accounts WHERE user_id = $1 AND project_id = $2`,
		key.UserID, key.ProjectID,
	).Scan(&a.DailyWindow, &a.DailySpent, &a.DailyHeld, &a.MonthlyWindow, &a.MonthlySpent, &a.MonthlyHeld, &a.Version, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Account{Key: key}, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r := &Reservation{}
	var actual, variance sql.NullString
	var resolvedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, reference, amount, status, actual, variance,
		       daily_window, monthly_window, created_at, resolved_at
		FROM budget_reservations WHERE id = $1`, id,
	).Scan(&r.ID, &r.Key.UserID, &r.Key.ProjectID, &r.Reference, &r.Amount, &r.Status, &actual, &variance,
		&r.DailyWindow, &r.MonthlyWindow, &r.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Actual = actual.String
	r.Variance = variance.String
	if resolvedAt.Valid {
		r.ResolvedAt = resolvedAt.Time
	}
	return r, nil
}

// Apply writes the account and reservation in one transaction, guarded by
// the account version.
func (p *PostgresStore) Apply(ctx context.Context, acct *Account, rsv *Reservation) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	if acct.Version == 1 {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO budget_accounts (user_id, project_id, daily_window, daily_spent, daily_held,
			                             monthly_window, monthly_spent, monthly_held, version, updated_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6, $7::NUMERIC(20,6), $8::NUMERIC(20,6), 1, $9)
			ON CONFLICT (user_id, project_id) DO NOTHING`,
			acct.Key.UserID, acct.Key.ProjectID, acct.DailyWindow, acct.DailySpent, acct.DailyHeld,
			acct.MonthlyWindow, acct.MonthlySpent, acct.MonthlyHeld, acct.UpdatedAt)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE budget_accounts SET
				daily_window   = $3,
				daily_spent    = $4::NUMERIC(20,6),
				daily_held     = $5::NUMERIC(20,6),
				monthly_window = $6,
				monthly_spent  = $7::NUMERIC(20,6),
				monthly_held   = $8::NUMERIC(20,6),
				version        = $9,
				updated_at     = $10
			WHERE user_id = $1 AND project_id = $2 AND version = $9 - 1`,
			acct.Key.UserID, acct.Key.ProjectID, acct.DailyWindow, acct.DailySpent, acct.DailyHeld,
			acct.MonthlyWindow, acct.MonthlySpent, acct.MonthlyHeld, acct.Version, acct.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("failed to update budget account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentUpdate
	}

	if rsv != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO budget_reservations (id, user_id, project_id, reference, amount, status, actual, variance,
			                                 daily_window, monthly_window, created_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				status      = EXCLUDED.status,
				actual      = EXCLUDED.actual,
				variance    = EXCLUDED.variance,
				resolved_at = EXCLUDED.resolved_at`,
			rsv.ID, rsv.Key.UserID, rsv.Key.ProjectID, rsv.Reference, rsv.Amount, rsv.Status,
			nullString(rsv.Actual), nullString(rsv.Variance), rsv.DailyWindow, rsv.MonthlyWindow,
			rsv.CreatedAt, nullTime(rsv.ResolvedAt))
		if err != nil {
			return fmt.Errorf("failed to record reservation: %w", err)
		}
	}
	return tx.Commit()
}

// Ping reports database reachability.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
