package postgres

import (
	"context"
	"fmt"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
	"github.com/jackc/pgx/v5"
)

// ScopeRepository implements repository.ScopeRepository for PostgreSQL.
type ScopeRepository struct {
	db *DB
}

// NewScopeRepository creates a new ScopeRepository.
func NewScopeRepository(db *DB) *ScopeRepository {
	return &ScopeRepository{db: db}
}

func (r *ScopeRepository) Create(ctx context.Context, s *models.Scope) error {
	query := `
		INSERT INTO scopes (scope_id, name, description, category, is_sensitive, requires_approval, is_default, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`
	_, err := r.db.Pool.Exec(ctx, query,
		s.ID, s.Name, s.Description, s.Category, s.IsSensitive, s.RequiresApproval, s.IsDefault, s.IsActive,
	)
	if err != nil {
		return fmt.Errorf("creating scope: %w", err)
	}
	return nil
}

func scanScope(row pgx.Row) (*models.Scope, error) {
	var s models.Scope
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.Category, &s.IsSensitive,
		&s.RequiresApproval, &s.IsDefault, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const scopeColumns = `scope_id, name, description, category, is_sensitive, requires_approval, is_default, is_active, created_at, updated_at`

func (r *ScopeRepository) Get(ctx context.Context, id string) (*models.Scope, error) {
	query := `SELECT ` + scopeColumns + ` FROM scopes WHERE scope_id = $1`
	s, err := scanScope(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("getting scope %s: %w", id, err)
	}
	return s, nil
}

func (r *ScopeRepository) GetByName(ctx context.Context, name string) (*models.Scope, error) {
	query := `SELECT ` + scopeColumns + ` FROM scopes WHERE name = $1`
	s, err := scanScope(r.db.Pool.QueryRow(ctx, query, name))
	if err != nil {
		return nil, fmt.Errorf("getting scope by name %s: %w", name, err)
	}
	return s, nil
}

func (r *ScopeRepository) List(ctx context.Context, filters *repository.ScopeFilters) ([]models.Scope, error) {
	query := `SELECT ` + scopeColumns + ` FROM scopes`
	args := []any{}
	if filters != nil && filters.Category != nil {
		query += ` WHERE category = $1`
		args = append(args, *filters.Category)
	}
	query += ` ORDER BY name`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	defer rows.Close()

	var out []models.Scope
	for rows.Next() {
		var s models.Scope
		if err := rows.Scan(
			&s.ID, &s.Name, &s.Description, &s.Category, &s.IsSensitive,
			&s.RequiresApproval, &s.IsDefault, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning scope: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ScopeRepository) Update(ctx context.Context, s *models.Scope) error {
	query := `
		UPDATE scopes SET name=$2, description=$3, category=$4, is_sensitive=$5,
			requires_approval=$6, is_default=$7, is_active=$8, updated_at=NOW()
		WHERE scope_id=$1`
	result, err := r.db.Pool.Exec(ctx, query,
		s.ID, s.Name, s.Description, s.Category, s.IsSensitive, s.RequiresApproval, s.IsDefault, s.IsActive,
	)
	if err != nil {
		return fmt.Errorf("updating scope %s: %w", s.ID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scope %s not found", s.ID)
	}
	return nil
}

func (r *ScopeRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM scopes WHERE scope_id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting scope %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("scope %s not found", id)
	}
	return nil
}

// ReferencedBy reports whether the scope name is referenced by any agent's
// allowed_resources, any tool's category, or any policy's scope bindings.
// Enforces the "deletion refused if referenced" invariant that the original
// implementation's delete_scope left unenforced.
func (r *ScopeRepository) ReferencedBy(ctx context.Context, name string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM policy_scopes ps JOIN scopes sc ON sc.scope_id = ps.scope_id WHERE sc.name = $1
		) OR EXISTS(
			SELECT 1 FROM agents a WHERE $1 = ANY(a.allowed_resources)
		) OR EXISTS(
			SELECT 1 FROM agent_tools at2 JOIN tools t ON t.tool_id = at2.tool_id WHERE t.category = $1
		)`
	var referenced bool
	if err := r.db.Pool.QueryRow(ctx, query, name).Scan(&referenced); err != nil {
		return false, fmt.Errorf("checking scope references for %s: %w", name, err)
	}
	return referenced, nil
}
