package tokenstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository/memory"
)

func token(id, parentID string) models.IssuedToken {
	return models.IssuedToken{
		TokenID:       id,
		ClientID:      "client-1",
		TaskID:        "task-" + id,
		ParentTokenID: parentID,
		IssuedAt:      time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}
}

func TestCascadeRevoke_RevokesAllDescendants(t *testing.T) {
	repo := memory.NewTokenRepository()
	s := New(repo)
	ctx := context.Background()

	repo.Put(token("a", ""))
	repo.Put(token("b", "a"))
	repo.Put(token("c", "b"))
	repo.Put(token("d", "b"))

	if err := s.Revoke(ctx, "a", "revoked by test"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.CascadeRevoke(ctx, "a"); err != nil {
		t.Fatalf("cascade: %v", err)
	}

	for _, id := range []string{"b", "c", "d"} {
		got, _ := s.GetByID(ctx, id)
		if !got.IsRevoked {
			t.Errorf("token %s not revoked", id)
		}
		if !strings.HasPrefix(got.RevocationReason, "parent token revoked") {
			t.Errorf("token %s reason = %q, want prefix 'parent token revoked'", id, got.RevocationReason)
		}
	}
}

func TestCascadeRevoke_TerminatesOnCycle(t *testing.T) {
	repo := memory.NewTokenRepository()
	s := New(repo)
	ctx := context.Background()

	// a -> b -> c -> a, a cycle no real grant flow can produce.
	repo.Put(token("a", "c"))
	repo.Put(token("b", "a"))
	repo.Put(token("c", "b"))

	done := make(chan error, 1)
	go func() { done <- s.CascadeRevoke(ctx, "a") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cascade: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cascade did not terminate on a cyclic graph")
	}

	for _, id := range []string{"b", "c"} {
		got, _ := s.GetByID(ctx, id)
		if !got.IsRevoked {
			t.Errorf("token %s not revoked", id)
		}
	}
}

func TestRevoke_IsIdempotentAndMonotone(t *testing.T) {
	repo := memory.NewTokenRepository()
	s := New(repo)
	ctx := context.Background()

	repo.Put(token("a", ""))
	if err := s.Revoke(ctx, "a", "first reason"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.Revoke(ctx, "a", "second reason"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	got, _ := s.GetByID(ctx, "a")
	if !got.IsRevoked {
		t.Fatal("token must stay revoked")
	}
	if got.RevocationReason != "first reason" {
		t.Errorf("reason = %q; a second revoke must not overwrite the first", got.RevocationReason)
	}
}

func TestAncestors_WalksChain(t *testing.T) {
	repo := memory.NewTokenRepository()
	s := New(repo)
	ctx := context.Background()

	repo.Put(token("a", ""))
	repo.Put(token("b", "a"))
	repo.Put(token("c", "b"))

	chain, err := s.Ancestors(ctx, "c", 0)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	for i, want := range []string{"c", "b", "a"} {
		if chain[i].TokenID != want {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i].TokenID, want)
		}
	}
}

func TestAncestors_MaxDepth(t *testing.T) {
	repo := memory.NewTokenRepository()
	s := New(repo)
	ctx := context.Background()

	repo.Put(token("a", ""))
	repo.Put(token("b", "a"))
	repo.Put(token("c", "b"))

	chain, err := s.Ancestors(ctx, "c", 2)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2 with maxDepth=2", len(chain))
	}
}

func TestAncestors_StopsOnMissingLinkAndCycle(t *testing.T) {
	repo := memory.NewTokenRepository()
	s := New(repo)
	ctx := context.Background()

	repo.Put(token("orphan", "gone"))
	chain, err := s.Ancestors(ctx, "orphan", 0)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain length = %d, want 1 when the parent link is missing", len(chain))
	}

	repo.Put(token("x", "y"))
	repo.Put(token("y", "x"))
	chain, err = s.Ancestors(ctx, "x", 0)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2 on a two-node cycle", len(chain))
	}
}

func TestRotateRefresh_ExactlyOneWinner(t *testing.T) {
	repo := memory.NewTokenRepository()
	s := New(repo)
	ctx := context.Background()

	tok := token("a", "")
	tok.RefreshTokenHash = "old-hash"
	repo.Put(tok)

	exp := time.Now().Add(time.Hour)
	ok, err := s.RotateRefresh(ctx, "a", "old-hash", "new-access", "new-refresh", exp, exp)
	if err != nil || !ok {
		t.Fatalf("first rotation: ok=%v err=%v", ok, err)
	}
	ok, err = s.RotateRefresh(ctx, "a", "old-hash", "other-access", "other-refresh", exp, exp)
	if err != nil {
		t.Fatalf("second rotation: %v", err)
	}
	if ok {
		t.Fatal("second rotation with the stale hash must lose")
	}
}
