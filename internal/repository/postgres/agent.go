package postgres

import (
	"context"
	"fmt"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/jackc/pgx/v5"
)

// AgentRepository implements repository.AgentRepository for PostgreSQL.
type AgentRepository struct {
	db *DB
}

func NewAgentRepository(db *DB) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `client_id, client_secret_hash, agent_name, description, allowed_resources, max_scope_level, is_active, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(
		&a.ClientID, &a.ClientSecretHash, &a.AgentName, &a.Description,
		&a.AllowedResources, &a.MaxScopeLevel, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AgentRepository) Create(ctx context.Context, a *models.Agent) error {
	query := `
		INSERT INTO agents (client_id, client_secret_hash, agent_name, description, allowed_resources, max_scope_level, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`
	_, err := r.db.Pool.Exec(ctx, query,
		a.ClientID, a.ClientSecretHash, a.AgentName, a.Description, a.AllowedResources, a.MaxScopeLevel, a.IsActive,
	)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	return nil
}

func (r *AgentRepository) Get(ctx context.Context, clientID string) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE client_id = $1`
	a, err := scanAgent(r.db.Pool.QueryRow(ctx, query, clientID))
	if err != nil {
		return nil, fmt.Errorf("getting agent %s: %w", clientID, err)
	}
	return a, nil
}

func (r *AgentRepository) Update(ctx context.Context, a *models.Agent) error {
	query := `
		UPDATE agents SET agent_name=$2, description=$3, allowed_resources=$4, max_scope_level=$5, is_active=$6, updated_at=NOW()
		WHERE client_id=$1`
	result, err := r.db.Pool.Exec(ctx, query, a.ClientID, a.AgentName, a.Description, a.AllowedResources, a.MaxScopeLevel, a.IsActive)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", a.ClientID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("agent %s not found", a.ClientID)
	}
	return nil
}

// ListToolNames returns the names of tools bound to the agent, used by the
// authority to intersect a token request's required tools against the
// agent's bound tool set.
func (r *AgentRepository) ListToolNames(ctx context.Context, clientID string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT t.name FROM agent_tools at2
		JOIN tools t ON t.tool_id = at2.tool_id
		WHERE at2.client_id = $1`, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing tool names for agent %s: %w", clientID, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning tool name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
