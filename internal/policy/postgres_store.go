package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentspend/internal/idgen"
)

// PostgresStore persists policy layers in PostgreSQL. The system layer is
// stored with empty user and project ids.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const policyColumns = `id, scope, user_id, project_id, name, rules, enforcement, version, updated_at`

func (p *PostgresStore) GetSystem(ctx context.Context) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies WHERE scope = 'system' AND user_id = '' AND project_id = ''`)
	return scanPolicy(row)
}

func (p *PostgresStore) GetUser(ctx context.Context, userID, projectID string) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies WHERE scope = 'user' AND user_id = $1 AND project_id = $2`, userID, projectID)
	return scanPolicy(row)
}

// Put upserts a layer, bumping its version on every write.
func (p *PostgresStore) Put(ctx context.Context, pol *Policy) (*Policy, error) {
	if err := ValidatePolicy(pol); err != nil {
		return nil, err
	}
	rulesJSON, err := json.Marshal(pol.Rules)
	if err != nil {
		return nil, err
	}
	cp := clonePolicy(pol)
	if cp.Enforcement == "" {
		cp.Enforcement = EnforceMode
	}
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("pol_")
	}
	cp.UpdatedAt = p.now().UTC()

	err = p.db.QueryRowContext(ctx, `
		INSERT INTO policies (id, scope, user_id, project_id, name, rules, enforcement, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		ON CONFLICT (scope, user_id, project_id) DO UPDATE
		SET name = EXCLUDED.name, rules = EXCLUDED.rules, enforcement = EXCLUDED.enforcement,
		    version = policies.version + 1, updated_at = EXCLUDED.updated_at
		RETURNING id, version`,
		cp.ID, string(cp.Scope), cp.UserID, cp.ProjectID, cp.Name, rulesJSON, cp.Enforcement, cp.UpdatedAt,
	).Scan(&cp.ID, &cp.Version)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (p *PostgresStore) DeleteUser(ctx context.Context, userID, projectID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM policies WHERE scope = 'user' AND user_id = $1 AND project_id = $2`, userID, projectID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Snapshot implements SnapshotSource.
func (p *PostgresStore) Snapshot(ctx context.Context, userID, projectID string) (*Snapshot, error) {
	return LoadSnapshot(ctx, p, userID, projectID)
}

// Ping reports database reachability.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func scanPolicy(row *sql.Row) (*Policy, error) {
	pol := &Policy{}
	var scope string
	var rulesJSON []byte
	err := row.Scan(&pol.ID, &scope, &pol.UserID, &pol.ProjectID, &pol.Name, &rulesJSON,
		&pol.Enforcement, &pol.Version, &pol.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	pol.Scope = Scope(scope)
	// corrupt rules must surface, not decode to an empty (permissive) layer
	if err := json.Unmarshal(rulesJSON, &pol.Rules); err != nil {
		return nil, fmt.Errorf("corrupt rules for policy %s: %w", pol.ID, err)
	}
	pol.UpdatedAt = pol.UpdatedAt.UTC()
	return pol, nil
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ SnapshotSource = (*PostgresStore)(nil)
)
