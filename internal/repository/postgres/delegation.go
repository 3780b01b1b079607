package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/jackc/pgx/v5"
)

// DelegationRepository implements repository.DelegationRepository for
// PostgreSQL (C7).
type DelegationRepository struct {
	db *DB
}

func NewDelegationRepository(db *DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `grant_id, principal_type, principal_id, delegate_id, scope, max_depth,
	constraints, expires_at, revoked, created_at`

func scanGrant(row pgx.Row) (*models.DelegationGrant, error) {
	var g models.DelegationGrant
	var constraints []byte
	err := row.Scan(
		&g.GrantID, &g.PrincipalType, &g.PrincipalID, &g.DelegateID, &g.Scope, &g.MaxDepth,
		&constraints, &g.ExpiresAt, &g.Revoked, &g.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(constraints) > 0 {
		if err := json.Unmarshal(constraints, &g.Constraints); err != nil {
			return nil, fmt.Errorf("unmarshaling grant constraints: %w", err)
		}
	}
	return &g, nil
}

func (r *DelegationRepository) Create(ctx context.Context, g *models.DelegationGrant) error {
	constraints, err := json.Marshal(g.Constraints)
	if err != nil {
		return fmt.Errorf("marshaling grant constraints: %w", err)
	}
	query := `
		INSERT INTO delegation_grants (` + delegationColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`
	_, err = r.db.Pool.Exec(ctx, query,
		g.GrantID, g.PrincipalType, g.PrincipalID, g.DelegateID, g.Scope, g.MaxDepth,
		constraints, g.ExpiresAt, g.Revoked,
	)
	if err != nil {
		return fmt.Errorf("creating delegation grant: %w", err)
	}
	return nil
}

func (r *DelegationRepository) Get(ctx context.Context, grantID string) (*models.DelegationGrant, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegation_grants WHERE grant_id = $1`
	g, err := scanGrant(r.db.Pool.QueryRow(ctx, query, grantID))
	if err != nil {
		return nil, fmt.Errorf("getting delegation grant %s: %w", grantID, err)
	}
	return g, nil
}

func (r *DelegationRepository) ListForPrincipal(ctx context.Context, principalID string) ([]models.DelegationGrant, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegation_grants WHERE principal_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing grants for principal %s: %w", principalID, err)
	}
	defer rows.Close()

	var out []models.DelegationGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delegation grant: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// Revoke is idempotent: revoking an already-revoked grant is a no-op success.
func (r *DelegationRepository) Revoke(ctx context.Context, grantID string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE delegation_grants SET revoked = true WHERE grant_id = $1`, grantID)
	if err != nil {
		return fmt.Errorf("revoking delegation grant %s: %w", grantID, err)
	}
	return nil
}
