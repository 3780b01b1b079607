// Package repository defines the storage-layer interfaces the token
// authority's components are built against. Concrete implementations live
// under internal/repository/postgres; every method takes a context first so
// callers can bound I/O with the gateway/cryptography timeouts described in
// spec §5.
package repository

import (
	"context"
	"time"

	"github.com/agentictrust/tokenauthority/internal/models"
)

// ScopeFilters narrows a scope listing.
type ScopeFilters struct {
	Category *models.ScopeCategory
}

// ScopeRepository persists the scope catalog (C2).
type ScopeRepository interface {
	Create(ctx context.Context, s *models.Scope) error
	Get(ctx context.Context, id string) (*models.Scope, error)
	GetByName(ctx context.Context, name string) (*models.Scope, error)
	List(ctx context.Context, filters *ScopeFilters) ([]models.Scope, error)
	Update(ctx context.Context, s *models.Scope) error
	Delete(ctx context.Context, id string) error
	// ReferencedBy reports whether any tool, agent, or policy references
	// the named scope, used to enforce the delete-refused-if-referenced
	// invariant in §3.
	ReferencedBy(ctx context.Context, name string) (bool, error)
}

// PolicyFilters narrows a policy listing.
type PolicyFilters struct {
	Effect   *models.PolicyEffect
	IsActive *bool
}

// PolicyRepository persists ABAC policies (C3).
type PolicyRepository interface {
	Create(ctx context.Context, p *models.Policy) error
	Get(ctx context.Context, id string) (*models.Policy, error)
	List(ctx context.Context, filters *PolicyFilters) ([]models.Policy, error)
	Update(ctx context.Context, p *models.Policy) error
	Delete(ctx context.Context, id string) error
	// ListActiveOrderedByPriority returns active policies ascending by
	// priority, the order C3's evaluate() algorithm requires.
	ListActiveOrderedByPriority(ctx context.Context) ([]models.Policy, error)
}

// AgentRepository persists OAuth client ("agent") registrations.
type AgentRepository interface {
	Create(ctx context.Context, a *models.Agent) error
	Get(ctx context.Context, clientID string) (*models.Agent, error)
	Update(ctx context.Context, a *models.Agent) error
	ListToolNames(ctx context.Context, clientID string) ([]string, error)
}

// ToolRepository persists callable tool definitions.
type ToolRepository interface {
	Get(ctx context.Context, idOrName string) (*models.Tool, error)
	List(ctx context.Context) ([]models.Tool, error)
}

// CodeRepository persists one-time authorization codes (C5).
type CodeRepository interface {
	Create(ctx context.Context, c *models.AuthorizationCode) error
	// FindActiveByHash locates an unconsumed, unexpired code for a client
	// whose stored hash matches codeHash.
	FindActiveByHash(ctx context.Context, clientID, codeHash string) (*models.AuthorizationCode, error)
	// MarkConsumed atomically flips consumed=true; it reports
	// alreadyConsumed=true (no error) if a concurrent caller won the race.
	MarkConsumed(ctx context.Context, codeID string) (alreadyConsumed bool, err error)
}

// TokenRepository persists issued tokens and their lineage (C6).
type TokenRepository interface {
	Create(ctx context.Context, t *models.IssuedToken) error
	GetByID(ctx context.Context, tokenID string) (*models.IssuedToken, error)
	FindByRefreshHash(ctx context.Context, clientID, refreshHash string) (*models.IssuedToken, error)
	// RotateRefresh atomically installs a new access/refresh hash pair and
	// expiry, invalidating the prior refresh hash. ok is false if the token
	// was concurrently rotated or revoked by another caller (the loser of a
	// concurrent refresh race).
	RotateRefresh(ctx context.Context, tokenID, prevRefreshHash, newAccessHash, newRefreshHash string, newExpiresAt, newRefreshExpiresAt time.Time) (ok bool, err error)
	// Revoke marks a single token revoked; idempotent.
	Revoke(ctx context.Context, tokenID, reason string, at time.Time) error
	Children(ctx context.Context, tokenID string) ([]models.IssuedToken, error)
	Parent(ctx context.Context, tokenID string) (*models.IssuedToken, error)
}

// DelegationRepository persists delegation grants (C7).
type DelegationRepository interface {
	Create(ctx context.Context, g *models.DelegationGrant) error
	Get(ctx context.Context, grantID string) (*models.DelegationGrant, error)
	ListForPrincipal(ctx context.Context, principalID string) ([]models.DelegationGrant, error)
	Revoke(ctx context.Context, grantID string) error
}

// AuditRepository persists append-only audit records (C9).
type AuditRepository interface {
	Append(ctx context.Context, r *models.AuditRecord) error
}
