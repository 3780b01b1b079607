package postgres

import (
	"context"
	"fmt"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/jackc/pgx/v5"
)

// CodeRepository implements repository.CodeRepository for PostgreSQL (C5).
type CodeRepository struct {
	db *DB
}

func NewCodeRepository(db *DB) *CodeRepository {
	return &CodeRepository{db: db}
}

const codeColumns = `code_id, code_hash, client_id, redirect_uri, scope, granted_tools, code_challenge,
	code_challenge_method, state, task_id, task_description, parent_task_id, parent_token_id,
	scope_inheritance_type, expires_at, consumed, created_at`

func scanCode(row pgx.Row) (*models.AuthorizationCode, error) {
	var c models.AuthorizationCode
	err := row.Scan(
		&c.CodeID, &c.CodeHash, &c.ClientID, &c.RedirectURI, &c.Scope, &c.GrantedTools,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.State, &c.TaskID, &c.TaskDescription,
		&c.ParentTaskID, &c.ParentTokenID, &c.ScopeInheritanceType, &c.ExpiresAt, &c.Consumed,
		&c.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CodeRepository) Create(ctx context.Context, c *models.AuthorizationCode) error {
	query := `
		INSERT INTO authorization_codes (` + codeColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())`
	_, err := r.db.Pool.Exec(ctx, query,
		c.CodeID, c.CodeHash, c.ClientID, c.RedirectURI, c.Scope, c.GrantedTools, c.CodeChallenge,
		c.CodeChallengeMethod, c.State, c.TaskID, c.TaskDescription, c.ParentTaskID, c.ParentTokenID,
		c.ScopeInheritanceType, c.ExpiresAt, c.Consumed,
	)
	if err != nil {
		return fmt.Errorf("creating authorization code: %w", err)
	}
	return nil
}

// FindActiveByHash locates an unconsumed, unexpired code for clientID whose
// stored hash matches codeHash. Scoping by client_id at the query level
// keeps the candidate set small; the caller still must constant-time
// compare if multiple hash collisions are plausible, which a SHA-256 hash
// match effectively rules out.
func (r *CodeRepository) FindActiveByHash(ctx context.Context, clientID, codeHash string) (*models.AuthorizationCode, error) {
	query := `SELECT ` + codeColumns + ` FROM authorization_codes
		WHERE client_id = $1 AND code_hash = $2 AND consumed = false AND expires_at > NOW()`
	c, err := scanCode(r.db.Pool.QueryRow(ctx, query, clientID, codeHash))
	if err != nil {
		return nil, fmt.Errorf("finding authorization code: %w", err)
	}
	return c, nil
}

// MarkConsumed atomically flips consumed=true via a conditional UPDATE, the
// single-atomic-step mechanism spec §5.1 requires so a replay cannot mint
// two tokens from the same code.
func (r *CodeRepository) MarkConsumed(ctx context.Context, codeID string) (alreadyConsumed bool, err error) {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE authorization_codes SET consumed = true
		WHERE code_id = $1 AND consumed = false`, codeID)
	if err != nil {
		return false, fmt.Errorf("marking code %s consumed: %w", codeID, err)
	}
	return result.RowsAffected() == 0, nil
}
