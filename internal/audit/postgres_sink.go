package audit

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresSink persists entries in the audit_entries table. The payload is
// stored as JSON (not JSONB) so the hashed bytes come back unchanged.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Write(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_entries (request_id, seq, event_type, payload, prev_hash, hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RequestID, int64(e.Seq), string(e.EventType), string(e.Payload), e.PrevHash, e.Hash, e.RecordedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// an earlier attempt may have committed before its response was lost
		var existing string
		lookupErr := p.db.QueryRowContext(ctx,
			`SELECT hash FROM audit_entries WHERE request_id = $1 AND seq = $2`,
			e.RequestID, int64(e.Seq)).Scan(&existing)
		if lookupErr == nil && existing == e.Hash {
			return nil
		}
		return ErrSequenceConflict
	}
	return err
}

func (p *PostgresSink) List(ctx context.Context, requestID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT request_id, seq, event_type, payload, prev_hash, hash, recorded_at
		FROM audit_entries
		WHERE request_id = $1
		ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresSink) Last(ctx context.Context, requestID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT request_id, seq, event_type, payload, prev_hash, hash, recorded_at
		FROM audit_entries
		WHERE request_id = $1
		ORDER BY seq DESC
		LIMIT 1`, requestID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Ping reports database reachability.
func (p *PostgresSink) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var (
		seq       int64
		eventType string
		payload   []byte
	)
	if err := sc.Scan(&e.RequestID, &seq, &eventType, &payload, &e.PrevHash, &e.Hash, &e.RecordedAt); err != nil {
		return nil, err
	}
	e.Seq = uint64(seq)
	e.EventType = EventType(eventType)
	e.Payload = payload
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}

var _ Sink = (*PostgresSink)(nil)
