package risk

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists request activity in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, a Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_activity (request_id, user_id, agent_id, provider, model, amount, approved, rejected, at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`,
		a.RequestID, a.UserID, a.AgentID, a.Provider, a.Model, a.Amount, a.Approved, a.Rejected, a.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) Window(ctx context.Context, userID string, from, to time.Time) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, user_id, agent_id, provider, model, amount, approved, rejected, at
		FROM risk_activity
		WHERE user_id = $1 AND at >= $2 AND at < $3
		ORDER BY at ASC
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.RequestID, &a.UserID, &a.AgentID, &a.Provider, &a.Model, &a.Amount,
			&a.Approved, &a.Rejected, &a.At); err != nil {
			return nil, err
		}
		a.At = a.At.UTC()
		result = append(result, a)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
