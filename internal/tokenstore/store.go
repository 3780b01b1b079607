// Package tokenstore implements the Token Store (C6): persistence of
// issued tokens plus the lineage and cascade-revocation operations layered
// on top of the repository's flat CRUD.
package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
)

// Store is the token lineage/revocation manager (C6).
type Store struct {
	repo repository.TokenRepository
}

func New(repo repository.TokenRepository) *Store {
	return &Store{repo: repo}
}

func (s *Store) Create(ctx context.Context, t *models.IssuedToken) error {
	if err := s.repo.Create(ctx, t); err != nil {
		return apperr.New(apperr.ServerError, "persisting issued token")
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, tokenID string) (*models.IssuedToken, error) {
	t, err := s.repo.GetByID(ctx, tokenID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading token")
	}
	return t, nil
}

func (s *Store) FindByRefreshHash(ctx context.Context, clientID, refreshHash string) (*models.IssuedToken, error) {
	t, err := s.repo.FindByRefreshHash(ctx, clientID, refreshHash)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "looking up refresh token")
	}
	return t, nil
}

// RotateRefresh installs a new access/refresh hash pair atomically,
// returning ok=false if a concurrent caller already rotated or revoked the
// token (the loser of a concurrent refresh race, spec §5.2/§8).
func (s *Store) RotateRefresh(ctx context.Context, tokenID, prevRefreshHash, newAccessHash, newRefreshHash string, newExpiresAt, newRefreshExpiresAt time.Time) (bool, error) {
	ok, err := s.repo.RotateRefresh(ctx, tokenID, prevRefreshHash, newAccessHash, newRefreshHash, newExpiresAt, newRefreshExpiresAt)
	if err != nil {
		return false, apperr.New(apperr.ServerError, "rotating refresh token")
	}
	return ok, nil
}

// Revoke marks a single token revoked; idempotent, monotone.
func (s *Store) Revoke(ctx context.Context, tokenID, reason string) error {
	if err := s.repo.Revoke(ctx, tokenID, reason, time.Now().UTC()); err != nil {
		return apperr.New(apperr.ServerError, "revoking token")
	}
	return nil
}

// CascadeRevoke performs the depth-first walk of spec §4.6/§9: every
// descendant of tokenID is marked revoked with a reason that references
// the original ancestor. The visited set makes the walk cycle-safe — a
// token graph with a cycle introduced by a test harness still terminates
// (spec §8 "Cycle safety").
func (s *Store) CascadeRevoke(ctx context.Context, tokenID string) error {
	reason := fmt.Sprintf("parent token revoked: %s", tokenID)
	visited := map[string]bool{tokenID: true}
	return s.cascade(ctx, tokenID, reason, visited)
}

func (s *Store) cascade(ctx context.Context, tokenID, reason string, visited map[string]bool) error {
	children, err := s.repo.Children(ctx, tokenID)
	if err != nil {
		return apperr.New(apperr.ServerError, "listing child tokens")
	}
	for _, child := range children {
		if visited[child.TokenID] {
			continue
		}
		visited[child.TokenID] = true
		if err := s.repo.Revoke(ctx, child.TokenID, reason, time.Now().UTC()); err != nil {
			return apperr.New(apperr.ServerError, "cascading revocation")
		}
		if err := s.cascade(ctx, child.TokenID, reason, visited); err != nil {
			return err
		}
	}
	return nil
}

// Ancestors returns the chain [t, parent(t), parent(parent(t)), ...]
// stopping at the first missing link or at maxDepth (0 means unbounded).
// The visited set guards against cycles identically to CascadeRevoke (spec
// §4.6).
func (s *Store) Ancestors(ctx context.Context, tokenID string, maxDepth int) ([]models.IssuedToken, error) {
	t, err := s.repo.GetByID(ctx, tokenID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading token")
	}
	if t == nil {
		return nil, nil
	}

	chain := []models.IssuedToken{*t}
	visited := map[string]bool{t.TokenID: true}
	cur := t
	for maxDepth == 0 || len(chain) < maxDepth {
		if cur.ParentTokenID == "" {
			break
		}
		parent, err := s.repo.GetByID(ctx, cur.ParentTokenID)
		if err != nil {
			return nil, apperr.New(apperr.ServerError, "loading ancestor token")
		}
		if parent == nil || visited[parent.TokenID] {
			break
		}
		visited[parent.TokenID] = true
		chain = append(chain, *parent)
		cur = parent
	}
	return chain, nil
}

func (s *Store) Children(ctx context.Context, tokenID string) ([]models.IssuedToken, error) {
	children, err := s.repo.Children(ctx, tokenID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "listing child tokens")
	}
	return children, nil
}
