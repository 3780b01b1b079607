// Package delegation implements the Delegation Engine (C7): the lifecycle
// of delegation grants and validation against delegate identity, expiry,
// and requested scope subset.
package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/audit"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"github.com/google/uuid"
)

// FailureReason enumerates validate_grant's distinct audit reasons (spec
// §4.7).
type FailureReason string

const (
	ReasonNotFound         FailureReason = "not_found"
	ReasonDelegateMismatch FailureReason = "delegate_mismatch"
	ReasonExpired          FailureReason = "expired"
	ReasonRevoked          FailureReason = "revoked"
	ReasonScopeExceeded    FailureReason = "scope_exceeded"
)

// ValidationError carries the enumerated failure reason alongside the
// apperr.Error the API boundary maps to a status code.
type ValidationError struct {
	Reason FailureReason
	Err    *apperr.Error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

// Unwrap exposes the inner *apperr.Error so the API boundary's errors.As
// mapping resolves the right OAuth code and status.
func (e *ValidationError) Unwrap() error { return e.Err }

// Engine is the delegation-grant lifecycle manager (C7).
type Engine struct {
	repo repository.DelegationRepository
	sink *audit.Sink
}

func New(repo repository.DelegationRepository, sink *audit.Sink) *Engine {
	return &Engine{repo: repo, sink: sink}
}

// CreateGrantInput is the validated input to CreateGrant.
type CreateGrantInput struct {
	PrincipalType string
	PrincipalID   string
	DelegateID    string
	Scope         []string
	MaxDepth      int
	Constraints   map[string]any
	TTL           time.Duration
}

// CreateGrant validates inputs, persists the grant, and emits a "created"
// audit event (spec §4.7).
func (e *Engine) CreateGrant(ctx context.Context, in CreateGrantInput) (*models.DelegationGrant, error) {
	if in.PrincipalID == "" {
		return nil, apperr.New(apperr.InvalidRequest, "principal_id must not be empty")
	}
	if len(in.Scope) == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "scope must not be empty")
	}
	if in.MaxDepth < 1 {
		return nil, apperr.New(apperr.InvalidRequest, "max_depth must be >= 1")
	}
	if in.TTL <= 0 {
		return nil, apperr.New(apperr.InvalidRequest, "ttl must be > 0")
	}

	g := &models.DelegationGrant{
		GrantID:       uuid.New().String(),
		PrincipalType: in.PrincipalType,
		PrincipalID:   in.PrincipalID,
		DelegateID:    in.DelegateID,
		Scope:         in.Scope,
		MaxDepth:      in.MaxDepth,
		Constraints:   in.Constraints,
		ExpiresAt:     time.Now().Add(in.TTL),
	}
	if err := e.repo.Create(ctx, g); err != nil {
		return nil, apperr.New(apperr.ServerError, "creating delegation grant")
	}

	e.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindDelegation,
		SubjectID: g.GrantID,
		EventType: "created",
		Status:    models.AuditSuccess,
		Details: map[string]any{
			"principal_id": g.PrincipalID,
			"delegate_id":  g.DelegateID,
			"scope":        g.Scope,
		},
	})
	return g, nil
}

// RevokeGrant revokes grantID. If principal is non-empty, it must match
// grant.PrincipalID or the call is rejected (spec §4.7).
func (e *Engine) RevokeGrant(ctx context.Context, grantID, principal string) error {
	g, err := e.repo.Get(ctx, grantID)
	if err != nil {
		return apperr.New(apperr.ServerError, "loading delegation grant")
	}
	if g == nil {
		return apperr.New(apperr.InvalidRequest, "delegation grant not found")
	}
	if principal != "" && g.PrincipalID != principal {
		return apperr.New(apperr.InvalidRequest, "principal does not own this grant")
	}
	if err := e.repo.Revoke(ctx, grantID); err != nil {
		return apperr.New(apperr.ServerError, "revoking delegation grant")
	}
	e.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindDelegation,
		SubjectID: grantID,
		EventType: "revoked",
		Status:    models.AuditSuccess,
	})
	return nil
}

// ValidateGrant asserts grant exists, is not revoked, not expired, belongs
// to delegateID, and — if requestedScopes is non-nil — that
// requestedScopes is a subset of grant.Scope (spec §4.7). Each failure mode
// emits a distinct "validation_failed" audit event carrying the reason.
func (e *Engine) ValidateGrant(ctx context.Context, grantID, delegateID string, requestedScopes []string) (*models.DelegationGrant, error) {
	g, err := e.repo.Get(ctx, grantID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading delegation grant")
	}
	if g == nil {
		e.fail(ctx, grantID, ReasonNotFound)
		return nil, &ValidationError{Reason: ReasonNotFound, Err: apperr.New(apperr.InvalidGrant, "delegation grant not found")}
	}
	if g.Revoked {
		e.fail(ctx, grantID, ReasonRevoked)
		return nil, &ValidationError{Reason: ReasonRevoked, Err: apperr.New(apperr.InvalidGrant, "delegation grant revoked")}
	}
	if time.Now().After(g.ExpiresAt) {
		e.fail(ctx, grantID, ReasonExpired)
		return nil, &ValidationError{Reason: ReasonExpired, Err: apperr.New(apperr.InvalidGrant, "delegation grant expired")}
	}
	if g.DelegateID != delegateID {
		e.fail(ctx, grantID, ReasonDelegateMismatch)
		return nil, &ValidationError{Reason: ReasonDelegateMismatch, Err: apperr.New(apperr.InvalidGrant, "delegate does not match grant")}
	}
	if requestedScopes != nil && !scope.Subset(requestedScopes, g.Scope) {
		e.fail(ctx, grantID, ReasonScopeExceeded)
		return nil, &ValidationError{
			Reason: ReasonScopeExceeded,
			Err:    apperr.InvalidScopeErr(requestedScopes, g.Scope, scope.Difference(requestedScopes, g.Scope)),
		}
	}
	return g, nil
}

func (e *Engine) fail(ctx context.Context, grantID string, reason FailureReason) {
	e.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindDelegation,
		SubjectID: grantID,
		EventType: "validation_failed",
		Status:    models.AuditFailure,
		Details:   map[string]any{"reason": string(reason)},
	})
}

func (e *Engine) ListForPrincipal(ctx context.Context, principalID string) ([]models.DelegationGrant, error) {
	grants, err := e.repo.ListForPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	return grants, nil
}
