package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
	"github.com/jackc/pgx/v5"
)

// PolicyRepository implements repository.PolicyRepository for PostgreSQL.
// Conditions is stored as a jsonb column and marshaled/unmarshaled through
// models.ConditionNode; scope bindings live in the policy_scopes join table.
type PolicyRepository struct {
	db *DB
}

func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `policy_id, name, description, effect, conditions, priority, is_active, created_at, updated_at`

func scanPolicy(row pgx.Row) (*models.Policy, error) {
	var p models.Policy
	var conditions []byte
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Effect, &conditions,
		&p.Priority, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshaling policy conditions: %w", err)
		}
	}
	return &p, nil
}

func (r *PolicyRepository) loadScopeIDs(ctx context.Context, p *models.Policy) error {
	rows, err := r.db.Pool.Query(ctx, `SELECT scope_id FROM policy_scopes WHERE policy_id = $1`, p.ID)
	if err != nil {
		return fmt.Errorf("loading policy scopes for %s: %w", p.ID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning policy scope: %w", err)
		}
		ids = append(ids, id)
	}
	p.ScopeIDs = ids
	return rows.Err()
}

func (r *PolicyRepository) Create(ctx context.Context, p *models.Policy) error {
	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("marshaling policy conditions: %w", err)
	}

	return r.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO policies (policy_id, name, description, effect, conditions, priority, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
			p.ID, p.Name, p.Description, p.Effect, conditions, p.Priority, p.IsActive,
		)
		if err != nil {
			return fmt.Errorf("creating policy: %w", err)
		}
		for _, scopeID := range p.ScopeIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO policy_scopes (policy_id, scope_id) VALUES ($1, $2)`, p.ID, scopeID); err != nil {
				return fmt.Errorf("binding policy scope %s: %w", scopeID, err)
			}
		}
		return nil
	})
}

func (r *PolicyRepository) Get(ctx context.Context, id string) (*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE policy_id = $1`
	p, err := scanPolicy(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("getting policy %s: %w", id, err)
	}
	if p == nil {
		return nil, nil
	}
	if err := r.loadScopeIDs(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PolicyRepository) List(ctx context.Context, filters *repository.PolicyFilters) ([]models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	var where []string
	args := []any{}
	if filters != nil {
		if filters.Effect != nil {
			args = append(args, *filters.Effect)
			where = append(where, fmt.Sprintf("effect = $%d", len(args)))
		}
		if filters.IsActive != nil {
			args = append(args, *filters.IsActive)
			where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
		}
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += ` ORDER BY priority ASC, name`

	return r.queryPolicies(ctx, query, args...)
}

func (r *PolicyRepository) ListActiveOrderedByPriority(ctx context.Context) ([]models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE is_active = true ORDER BY priority ASC`
	return r.queryPolicies(ctx, query)
}

func (r *PolicyRepository) queryPolicies(ctx context.Context, query string, args ...any) ([]models.Policy, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	defer rows.Close()

	var out []models.Policy
	for rows.Next() {
		var p models.Policy
		var conditions []byte
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.Effect, &conditions,
			&p.Priority, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning policy: %w", err)
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
				return nil, fmt.Errorf("unmarshaling policy conditions: %w", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := r.loadScopeIDs(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PolicyRepository) Update(ctx context.Context, p *models.Policy) error {
	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("marshaling policy conditions: %w", err)
	}

	return r.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE policies SET name=$2, description=$3, effect=$4, conditions=$5, priority=$6, is_active=$7, updated_at=NOW()
			WHERE policy_id=$1`,
			p.ID, p.Name, p.Description, p.Effect, conditions, p.Priority, p.IsActive,
		)
		if err != nil {
			return fmt.Errorf("updating policy %s: %w", p.ID, err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("policy %s not found", p.ID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM policy_scopes WHERE policy_id = $1`, p.ID); err != nil {
			return fmt.Errorf("clearing policy scopes for %s: %w", p.ID, err)
		}
		for _, scopeID := range p.ScopeIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO policy_scopes (policy_id, scope_id) VALUES ($1, $2)`, p.ID, scopeID); err != nil {
				return fmt.Errorf("binding policy scope %s: %w", scopeID, err)
			}
		}
		return nil
	})
}

func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM policies WHERE policy_id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting policy %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("policy %s not found", id)
	}
	return nil
}
