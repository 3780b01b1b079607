package tokenauthority

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/signing"
	"github.com/google/uuid"
)

// refreshEntropyBytes yields an opaque refresh token with >=48 bytes of
// entropy per spec §4.8.5.
const refreshEntropyBytes = 48

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashOpaqueToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// mintParams bundles every input mint() needs across the three grant flows
// that call it (spec §4.8.5).
type mintParams struct {
	// tokenID, when set, reuses an existing record's id instead of minting
	// a fresh one: the refresh grant rotates hashes on the original record
	// via a conditional update, so mint must neither insert a new row nor
	// emit an "issued" audit event. token_id stays stable across rotation.
	tokenID string

	clientID             string
	scope                []string
	grantedTools         []string
	taskID               string
	taskDescription      string
	parentTaskID         string
	parentTokenID        string
	scopeInheritanceType string
	codeChallenge        string
	codeChallengeMethod  models.PKCEMethod
	delegatorSub         string
	delegationGrantID    string
	launchReason         models.LaunchReason
	agent                models.AgentClaims
}

// mint implements spec §4.8.5: signs an RS256 access token, generates an
// opaque refresh token, and persists both hashes atomically with the token
// record. Plaintext values are returned only in the TokenResponse.
func (a *Authority) mint(ctx context.Context, p mintParams) (*TokenResponse, *models.IssuedToken, error) {
	rotation := p.tokenID != ""
	tokenID := p.tokenID
	if tokenID == "" {
		tokenID = uuid.New().String()
	}
	if p.taskID == "" {
		p.taskID = uuid.New().String()
	}

	now := time.Now().UTC()
	accessExpiry := a.cfg.AccessTokenExpiry
	if accessExpiry <= 0 {
		accessExpiry = 3 * time.Minute
	}
	refreshExpiry := a.cfg.RefreshTokenExpiry
	if refreshExpiry <= 0 {
		refreshExpiry = 7 * 24 * time.Hour
	}

	accessToken, err := signing.Mint(a.keys, signing.Claims{
		TokenID:         tokenID,
		ClientID:        p.clientID,
		Issuer:          a.cfg.Issuer,
		IssuedAt:        now,
		NotBefore:       now,
		ExpiresAt:       now.Add(accessExpiry),
		Scope:           p.scope,
		GrantedTools:    p.grantedTools,
		TaskID:          p.taskID,
		ParentTaskID:    p.parentTaskID,
		ParentTokenID:   p.parentTokenID,
		DelegatorSub:    p.delegatorSub,
		AgentType:       p.agent.AgentType,
		AgentModel:      p.agent.AgentModel,
		AgentProvider:   p.agent.AgentProvider,
		AgentInstanceID: p.agent.InstanceID,
		AgentTrustLevel: p.agent.TrustLevel,
		LaunchReason:    string(p.launchReason),
	})
	if err != nil {
		return nil, nil, apperr.New(apperr.ServerError, "signing access token")
	}

	refreshToken, err := randomToken(refreshEntropyBytes)
	if err != nil {
		return nil, nil, apperr.New(apperr.ServerError, "generating refresh token")
	}

	rec := &models.IssuedToken{
		TokenID:              tokenID,
		ClientID:             p.clientID,
		AccessTokenHash:      hashOpaqueToken(accessToken),
		RefreshTokenHash:     hashOpaqueToken(refreshToken),
		Scope:                p.scope,
		GrantedTools:         p.grantedTools,
		TaskID:               p.taskID,
		TaskDescription:      p.taskDescription,
		ParentTaskID:         p.parentTaskID,
		ParentTokenID:        p.parentTokenID,
		ScopeInheritanceType: p.scopeInheritanceType,
		CodeChallenge:        p.codeChallenge,
		CodeChallengeMethod:  p.codeChallengeMethod,
		DelegatorSub:         p.delegatorSub,
		DelegationGrantID:    p.delegationGrantID,
		LaunchReason:         p.launchReason,
		Agent:                p.agent,
		IssuedAt:             now,
		ExpiresAt:            now.Add(accessExpiry),
		RefreshExpiresAt:     now.Add(refreshExpiry),
	}
	if !rotation {
		if err := a.tokens.Create(ctx, rec); err != nil {
			return nil, nil, err
		}
		a.sink.Append(ctx, models.AuditRecord{
			Kind:      models.AuditKindToken,
			ClientID:  p.clientID,
			TokenID:   tokenID,
			TaskID:    p.taskID,
			EventType: "issued",
			Status:    models.AuditSuccess,
			Details: map[string]any{
				"scope":          p.scope,
				"granted_tools":  p.grantedTools,
				"parent_task_id": p.parentTaskID,
			},
		})
	}

	return &TokenResponse{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		TokenType:     "Bearer",
		ExpiresIn:     int64(accessExpiry.Seconds()),
		Scope:         strings.Join(p.scope, " "),
		TaskID:        p.taskID,
		GrantedTools:  p.grantedTools,
		ParentTaskID:  p.parentTaskID,
		ParentTokenID: p.parentTokenID,
	}, rec, nil
}
