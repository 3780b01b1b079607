package signing

import (
	"context"
	"testing"
	"time"
)

func testClaims() Claims {
	now := time.Now().UTC()
	return Claims{
		TokenID:      "tok-1",
		ClientID:     "client-1",
		Issuer:       "https://auth.example",
		IssuedAt:     now,
		NotBefore:    now,
		ExpiresAt:    now.Add(3 * time.Minute),
		Scope:        []string{"read:web", "write:web"},
		GrantedTools: []string{"search_web"},
		TaskID:       "task-1",
		ParentTaskID: "task-0",
		DelegatorSub: "user-1",
		AgentType:    "assistant",
		LaunchReason: "user_interactive",
	}
}

func TestMintParse_RoundTrip(t *testing.T) {
	kp, err := NewKeyProvider()
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}

	signed, err := Mint(kp, testClaims())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	keyset, err := kp.PublicSet(context.Background())
	if err != nil {
		t.Fatalf("public set: %v", err)
	}
	tok, err := Parse(signed, keyset, VerifyOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if tok.JwtID() != "tok-1" {
		t.Errorf("jti = %s", tok.JwtID())
	}
	if tok.Subject() != "client-1" {
		t.Errorf("sub = %s", tok.Subject())
	}
	if tok.Issuer() != "https://auth.example" {
		t.Errorf("iss = %s", tok.Issuer())
	}
	if got := StringClaim(tok, "scope"); got != "read:web write:web" {
		t.Errorf("scope claim = %q", got)
	}
	if got := StringSliceClaim(tok, "granted_tools"); len(got) != 1 || got[0] != "search_web" {
		t.Errorf("granted_tools = %v", got)
	}
	if got := StringClaim(tok, "delegator_sub"); got != "user-1" {
		t.Errorf("delegator_sub = %q", got)
	}
	if got := StringClaim(tok, "launch_reason"); got != "user_interactive" {
		t.Errorf("launch_reason = %q", got)
	}
}

func TestParse_RejectsWrongKeyset(t *testing.T) {
	kp1, _ := NewKeyProvider()
	kp2, _ := NewKeyProvider()

	signed, err := Mint(kp1, testClaims())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	other, _ := kp2.PublicSet(context.Background())
	if _, err := Parse(signed, other, VerifyOptions{}); err == nil {
		t.Fatal("token signed by kp1 must not verify under kp2's keys")
	}
}

func TestParse_RejectsMalformedToken(t *testing.T) {
	kp, _ := NewKeyProvider()
	keyset, _ := kp.PublicSet(context.Background())

	for _, bad := range []string{"", "onesegment", "two.segments", "a.b.c.d"} {
		if _, err := Parse(bad, keyset, VerifyOptions{}); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestParse_RejectsExpiredToken(t *testing.T) {
	kp, _ := NewKeyProvider()
	c := testClaims()
	c.IssuedAt = time.Now().UTC().Add(-time.Hour)
	c.NotBefore = c.IssuedAt
	c.ExpiresAt = time.Now().UTC().Add(-30 * time.Minute)

	signed, err := Mint(kp, c)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	keyset, _ := kp.PublicSet(context.Background())
	if _, err := Parse(signed, keyset, VerifyOptions{}); err == nil {
		t.Fatal("expired token must not verify")
	}
}

func TestRotate_OldTokensStillVerify(t *testing.T) {
	kp, err := NewKeyProvider()
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}

	signed, err := Mint(kp, testClaims())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	oldKID, newKID := "", ""
	if _, kid, err := kp.ActiveKey(); err == nil {
		oldKID = kid
	}
	newKID, err = kp.Rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKID == oldKID {
		t.Fatal("rotation must produce a fresh kid")
	}

	// The pre-rotation token still verifies during the overlap window.
	keyset, _ := kp.PublicSet(context.Background())
	if _, err := Parse(signed, keyset, VerifyOptions{}); err != nil {
		t.Fatalf("pre-rotation token no longer verifies: %v", err)
	}

	// And new tokens sign under the new kid.
	signed2, err := Mint(kp, testClaims())
	if err != nil {
		t.Fatalf("mint after rotate: %v", err)
	}
	if _, err := Parse(signed2, keyset, VerifyOptions{}); err != nil {
		t.Fatalf("post-rotation token fails: %v", err)
	}
}
