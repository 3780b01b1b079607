package postgres

import (
	"context"
	"fmt"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/jackc/pgx/v5"
)

// ToolRepository implements repository.ToolRepository for PostgreSQL.
type ToolRepository struct {
	db *DB
}

func NewToolRepository(db *DB) *ToolRepository {
	return &ToolRepository{db: db}
}

const toolColumns = `tool_id, name, category, description, created_at`

func scanTool(row pgx.Row) (*models.Tool, error) {
	var t models.Tool
	err := row.Scan(&t.ToolID, &t.Name, &t.Category, &t.Description, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get resolves a tool by ID or by name, matching the "idOrName" contract
// the token authority uses when intersecting requested_tools against an
// agent's bound tool set.
func (r *ToolRepository) Get(ctx context.Context, idOrName string) (*models.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE tool_id = $1 OR name = $1`
	t, err := scanTool(r.db.Pool.QueryRow(ctx, query, idOrName))
	if err != nil {
		return nil, fmt.Errorf("getting tool %s: %w", idOrName, err)
	}
	return t, nil
}

func (r *ToolRepository) List(ctx context.Context) ([]models.Tool, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defer rows.Close()

	var out []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
