package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists receipts in PostgreSQL. The receipts table is
// created by the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, request_id, user_id, project_id, outcome, kind,
		       amount, actual_amount, settlement_ref, funds_status,
		       fingerprint, audit_head, payload_hash, signature,
		       issued_at, expires_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (
			id, request_id, user_id, project_id, outcome, kind,
			amount, actual_amount, settlement_ref, funds_status,
			fingerprint, audit_head, payload_hash, signature,
			issued_at, expires_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`,
		r.ID, r.RequestID, r.UserID, r.ProjectID, r.Outcome, nullString(r.Kind),
		r.Amount, nullString(r.ActualAmount), nullString(r.SettlementRef), nullString(r.FundsStatus),
		r.Fingerprint, r.AuditHead, r.PayloadHash, nullString(r.Signature),
		r.IssuedAt, nullTime(r.ExpiresAt), r.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByRequest(ctx context.Context, requestID string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE request_id = $1`, requestID)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Receipt, error) {
	o := applyListOpts(opts)
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE user_id = $1`
	args := []any{userID}
	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Ping reports database reachability.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		kind, actual, settlementRef, fundsStatus, signature sql.NullString
		expiresAt                                           sql.NullTime
	)
	err := sc.Scan(
		&r.ID, &r.RequestID, &r.UserID, &r.ProjectID, &r.Outcome, &kind,
		&r.Amount, &actual, &settlementRef, &fundsStatus,
		&r.Fingerprint, &r.AuditHead, &r.PayloadHash, &signature,
		&r.IssuedAt, &expiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = kind.String
	r.ActualAmount = actual.String
	r.SettlementRef = settlementRef.String
	r.FundsStatus = fundsStatus.String
	r.Signature = signature.String
	if expiresAt.Valid {
		r.ExpiresAt = expiresAt.Time.UTC()
	}
	r.IssuedAt = r.IssuedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
