// Package codestore implements the Code Store (C5): one-time authorization
// codes bound to PKCE challenges.
package codestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
	"github.com/google/uuid"
)

// codeEntropyBytes yields a URL-safe random token with >=32 bytes of
// entropy per spec §4.5.
const codeEntropyBytes = 32

// Store is the authorization-code lifecycle manager (C5).
type Store struct {
	repo repository.CodeRepository
}

func New(repo repository.CodeRepository) *Store {
	return &Store{repo: repo}
}

func randomURLSafeToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CreateInput is the validated input to Create.
type CreateInput struct {
	ClientID             string
	RedirectURI          string
	Scope                []string
	GrantedTools         []string
	CodeChallenge        string
	CodeChallengeMethod  models.PKCEMethod
	State                string
	TaskID               string
	TaskDescription      string
	ParentTaskID         string
	ParentTokenID        string
	ScopeInheritanceType string
	TTL                  time.Duration
}

// Create persists a one-time code bound to the PKCE challenge, returning
// the plaintext code exactly once (spec §4.5).
func (s *Store) Create(ctx context.Context, in CreateInput) (plaintext string, err error) {
	plaintext, err = randomURLSafeToken(codeEntropyBytes)
	if err != nil {
		return "", apperr.New(apperr.ServerError, "generating authorization code")
	}

	ttl := in.TTL
	if ttl <= 0 || ttl > 10*time.Minute {
		ttl = 10 * time.Minute
	}

	rec := &models.AuthorizationCode{
		CodeID:               uuid.New().String(),
		CodeHash:             hashToken(plaintext),
		ClientID:             in.ClientID,
		RedirectURI:          in.RedirectURI,
		Scope:                in.Scope,
		GrantedTools:         in.GrantedTools,
		CodeChallenge:        in.CodeChallenge,
		CodeChallengeMethod:  in.CodeChallengeMethod,
		State:                in.State,
		TaskID:               in.TaskID,
		TaskDescription:      in.TaskDescription,
		ParentTaskID:         in.ParentTaskID,
		ParentTokenID:        in.ParentTokenID,
		ScopeInheritanceType: in.ScopeInheritanceType,
		ExpiresAt:            time.Now().Add(ttl),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return "", apperr.New(apperr.ServerError, "persisting authorization code")
	}
	return plaintext, nil
}

// VerifyPKCE implements spec §4.5 step 3: for S256,
// base64url(sha256(verifier)).strip('=') must equal the stored challenge;
// for PLAIN, the verifier must equal the challenge exactly. Exported for
// reuse by the refresh grant (spec §4.8.4), which re-verifies the original
// challenge against a freshly presented code_verifier.
func VerifyPKCE(method models.PKCEMethod, challenge, verifier string) bool {
	switch method {
	case models.PKCES256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case models.PKCEPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// Consume implements spec §4.5's consume() four-step algorithm, returning
// one of the enumerated failure modes as an *apperr.Error.
func (s *Store) Consume(ctx context.Context, plaintext, clientID, redirectURI, codeVerifier string) (*models.AuthorizationCode, error) {
	hash := hashToken(plaintext)
	rec, err := s.repo.FindActiveByHash(ctx, clientID, hash)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "looking up authorization code")
	}
	if rec == nil {
		return nil, apperr.New(apperr.InvalidGrant, "authorization code not found, expired, or already used")
	}
	if rec.RedirectURI != redirectURI {
		return nil, apperr.New(apperr.InvalidGrant, "redirect_uri does not match")
	}
	if !VerifyPKCE(rec.CodeChallengeMethod, rec.CodeChallenge, codeVerifier) {
		return nil, apperr.New(apperr.InvalidGrant, "pkce_mismatch")
	}

	alreadyConsumed, err := s.repo.MarkConsumed(ctx, rec.CodeID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "consuming authorization code")
	}
	if alreadyConsumed {
		return nil, apperr.New(apperr.InvalidGrant, "already_used")
	}
	rec.Consumed = true
	return rec, nil
}
