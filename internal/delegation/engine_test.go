package delegation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/audit"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository/memory"
)

func newEngine() (*Engine, *memory.DelegationRepository) {
	repo := memory.NewDelegationRepository()
	sink := audit.NewSink(memory.NewAuditRepository())
	return New(repo, sink), repo
}

func validInput() CreateGrantInput {
	return CreateGrantInput{
		PrincipalType: models.PrincipalUser,
		PrincipalID:   "user-1",
		DelegateID:    "client-1",
		Scope:         []string{"read:x", "write:x"},
		MaxDepth:      1,
		TTL:           time.Hour,
	}
}

func TestCreateGrant_Validation(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateGrantInput)
	}{
		{"empty principal", func(in *CreateGrantInput) { in.PrincipalID = "" }},
		{"empty scope", func(in *CreateGrantInput) { in.Scope = nil }},
		{"zero max depth", func(in *CreateGrantInput) { in.MaxDepth = 0 }},
		{"zero ttl", func(in *CreateGrantInput) { in.TTL = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			if _, err := e.CreateGrant(ctx, in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if _, err := e.CreateGrant(ctx, validInput()); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestValidateGrant_Reasons(t *testing.T) {
	e, repo := newEngine()
	ctx := context.Background()

	g, err := e.CreateGrant(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	assertReason := func(t *testing.T, err error, want FailureReason) {
		t.Helper()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("error %v is not a ValidationError", err)
		}
		if verr.Reason != want {
			t.Errorf("reason = %s, want %s", verr.Reason, want)
		}
	}

	t.Run("not found", func(t *testing.T) {
		_, err := e.ValidateGrant(ctx, "missing", "client-1", nil)
		assertReason(t, err, ReasonNotFound)
	})

	t.Run("delegate mismatch", func(t *testing.T) {
		_, err := e.ValidateGrant(ctx, g.GrantID, "someone-else", nil)
		assertReason(t, err, ReasonDelegateMismatch)
	})

	t.Run("scope exceeded", func(t *testing.T) {
		_, err := e.ValidateGrant(ctx, g.GrantID, "client-1", []string{"admin:x"})
		assertReason(t, err, ReasonScopeExceeded)
		var ae *apperr.Error
		if !errors.As(err, &ae) || ae.Code != apperr.InvalidScope {
			t.Errorf("scope_exceeded should surface as invalid_scope, got %v", err)
		}
	})

	t.Run("subset accepted", func(t *testing.T) {
		got, err := e.ValidateGrant(ctx, g.GrantID, "client-1", []string{"read:x"})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if got.PrincipalID != "user-1" {
			t.Errorf("principal = %s", got.PrincipalID)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		if err := repo.Revoke(ctx, g.GrantID); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		_, err := e.ValidateGrant(ctx, g.GrantID, "client-1", nil)
		assertReason(t, err, ReasonRevoked)
	})

	t.Run("expired", func(t *testing.T) {
		expired := models.DelegationGrant{
			GrantID:     "expired-grant",
			PrincipalID: "user-1",
			DelegateID:  "client-1",
			Scope:       []string{"read:x"},
			MaxDepth:    1,
			ExpiresAt:   time.Now().Add(-time.Minute),
		}
		if err := repo.Create(ctx, &expired); err != nil {
			t.Fatalf("seed: %v", err)
		}
		_, err := e.ValidateGrant(ctx, "expired-grant", "client-1", nil)
		assertReason(t, err, ReasonExpired)
	})
}

func TestRevokeGrant_PrincipalMustMatch(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	g, err := e.CreateGrant(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.RevokeGrant(ctx, g.GrantID, "someone-else"); err == nil {
		t.Fatal("expected principal mismatch to be rejected")
	}
	if err := e.RevokeGrant(ctx, g.GrantID, "user-1"); err != nil {
		t.Fatalf("revoke by owner: %v", err)
	}
	if _, err := e.ValidateGrant(ctx, g.GrantID, "client-1", nil); err == nil {
		t.Fatal("revoked grant must no longer validate")
	}
}
