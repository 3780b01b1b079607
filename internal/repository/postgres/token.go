package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/jackc/pgx/v5"
)

// TokenRepository implements repository.TokenRepository for PostgreSQL
// (C6). issued_tokens is self-referencing on parent_token_id; lineage
// queries walk that column rather than owning a child-pointer list, so the
// arena-of-IDs shape from spec §9 holds even at the SQL layer.
type TokenRepository struct {
	db *DB
}

func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `token_id, client_id, access_token_hash, refresh_token_hash, scope, granted_tools,
	task_id, task_description, parent_task_id, parent_token_id, scope_inheritance_type,
	code_challenge, code_challenge_method, delegator_sub, delegation_grant_id, launch_reason,
	issued_at, expires_at, refresh_expires_at, is_revoked, revoked_at, revocation_reason`

func scanToken(row pgx.Row) (*models.IssuedToken, error) {
	var t models.IssuedToken
	err := row.Scan(
		&t.TokenID, &t.ClientID, &t.AccessTokenHash, &t.RefreshTokenHash, &t.Scope, &t.GrantedTools,
		&t.TaskID, &t.TaskDescription, &t.ParentTaskID, &t.ParentTokenID, &t.ScopeInheritanceType,
		&t.CodeChallenge, &t.CodeChallengeMethod, &t.DelegatorSub, &t.DelegationGrantID, &t.LaunchReason,
		&t.IssuedAt, &t.ExpiresAt, &t.RefreshExpiresAt, &t.IsRevoked, &t.RevokedAt, &t.RevocationReason,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TokenRepository) Create(ctx context.Context, t *models.IssuedToken) error {
	query := `
		INSERT INTO issued_tokens (` + tokenColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`
	_, err := r.db.Pool.Exec(ctx, query,
		t.TokenID, t.ClientID, t.AccessTokenHash, t.RefreshTokenHash, t.Scope, t.GrantedTools,
		t.TaskID, t.TaskDescription, t.ParentTaskID, t.ParentTokenID, t.ScopeInheritanceType,
		t.CodeChallenge, t.CodeChallengeMethod, t.DelegatorSub, t.DelegationGrantID, t.LaunchReason,
		t.IssuedAt, t.ExpiresAt, t.RefreshExpiresAt, t.IsRevoked, t.RevokedAt, t.RevocationReason,
	)
	if err != nil {
		return fmt.Errorf("creating issued token: %w", err)
	}
	return nil
}

func (r *TokenRepository) GetByID(ctx context.Context, tokenID string) (*models.IssuedToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM issued_tokens WHERE token_id = $1`
	t, err := scanToken(r.db.Pool.QueryRow(ctx, query, tokenID))
	if err != nil {
		return nil, fmt.Errorf("getting token %s: %w", tokenID, err)
	}
	return t, nil
}

func (r *TokenRepository) FindByRefreshHash(ctx context.Context, clientID, refreshHash string) (*models.IssuedToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM issued_tokens WHERE client_id = $1 AND refresh_token_hash = $2`
	t, err := scanToken(r.db.Pool.QueryRow(ctx, query, clientID, refreshHash))
	if err != nil {
		return nil, fmt.Errorf("finding token by refresh hash: %w", err)
	}
	return t, nil
}

// RotateRefresh installs a new access/refresh hash pair in one conditional
// UPDATE keyed on the previous refresh hash still matching: this is the
// single atomic step spec §5.2 requires so two concurrent refreshes of the
// same token produce exactly one winner. The loser's UPDATE affects zero
// rows because the first writer already moved refresh_token_hash off
// prevRefreshHash.
func (r *TokenRepository) RotateRefresh(ctx context.Context, tokenID, prevRefreshHash, newAccessHash, newRefreshHash string, newExpiresAt, newRefreshExpiresAt time.Time) (ok bool, err error) {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE issued_tokens
		SET access_token_hash = $3, refresh_token_hash = $4, expires_at = $5, refresh_expires_at = $6
		WHERE token_id = $1 AND refresh_token_hash = $2 AND is_revoked = false`,
		tokenID, prevRefreshHash, newAccessHash, newRefreshHash, newExpiresAt, newRefreshExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("rotating refresh for %s: %w", tokenID, err)
	}
	return result.RowsAffected() == 1, nil
}

// Revoke marks a single token revoked. Idempotent and monotone: a
// already-revoked row is left with its original revoked_at/reason.
func (r *TokenRepository) Revoke(ctx context.Context, tokenID, reason string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE issued_tokens SET is_revoked = true, revoked_at = $2, revocation_reason = $3
		WHERE token_id = $1 AND is_revoked = false`, tokenID, at, reason)
	if err != nil {
		return fmt.Errorf("revoking token %s: %w", tokenID, err)
	}
	return nil
}

func (r *TokenRepository) Children(ctx context.Context, tokenID string) ([]models.IssuedToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM issued_tokens WHERE parent_token_id = $1`
	rows, err := r.db.Pool.Query(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", tokenID, err)
	}
	defer rows.Close()

	var out []models.IssuedToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning child token: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TokenRepository) Parent(ctx context.Context, tokenID string) (*models.IssuedToken, error) {
	query := `SELECT ` + tokenColumnsAliased() + `
		FROM issued_tokens t JOIN issued_tokens p ON p.token_id = t.parent_token_id
		WHERE t.token_id = $1`
	t, err := scanToken(r.db.Pool.QueryRow(ctx, query, tokenID))
	if err != nil {
		return nil, fmt.Errorf("getting parent of %s: %w", tokenID, err)
	}
	return t, nil
}

func tokenColumnsAliased() string {
	out := ""
	for i, col := range []string{
		"token_id", "client_id", "access_token_hash", "refresh_token_hash", "scope", "granted_tools",
		"task_id", "task_description", "parent_task_id", "parent_token_id", "scope_inheritance_type",
		"code_challenge", "code_challenge_method", "delegator_sub", "delegation_grant_id", "launch_reason",
		"issued_at", "expires_at", "refresh_expires_at", "is_revoked", "revoked_at", "revocation_reason",
	} {
		if i > 0 {
			out += ", "
		}
		out += "p." + col
	}
	return out
}
