package tokenauthority

import (
	"context"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/codestore"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/scope"
)

// RefreshRequest is the input to the refresh_token grant (spec §4.8.4).
type RefreshRequest struct {
	ClientID          string
	RefreshToken      string
	CodeVerifier      string
	Scope             []string // optional: narrow the refreshed token's scope
	DelegationGrantID string   // optional: re-assert the delegation the token was issued under
}

// Refresh implements spec §4.8.4: locate the token by refresh hash,
// re-verify the original PKCE challenge against the presented
// code_verifier, enforce that any requested scope only narrows (never
// widens) the existing grant, and atomically rotate the access/refresh
// pair. A failed CAS (RotateRefresh returning ok=false) means a concurrent
// caller already consumed this refresh token — the loser is rejected with
// invalid_grant rather than retried, since retrying would let a stolen
// refresh token get a second chance (spec §5.2/§8 "At most one winner").
func (a *Authority) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	refreshHash := hashOpaqueToken(req.RefreshToken)
	tok, err := a.tokens.FindByRefreshHash(ctx, req.ClientID, refreshHash)
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.IsRevoked {
		return nil, apperr.New(apperr.InvalidGrant, "refresh token not found or revoked")
	}
	if !tok.RefreshExpiresAt.IsZero() && !time.Now().UTC().Before(tok.RefreshExpiresAt) {
		return nil, apperr.New(apperr.InvalidGrant, "refresh token expired")
	}
	if !codestore.VerifyPKCE(tok.CodeChallengeMethod, tok.CodeChallenge, req.CodeVerifier) {
		return nil, apperr.New(apperr.InvalidGrant, "pkce_mismatch")
	}

	newScope := tok.Scope
	if req.Scope != nil {
		if !scope.Subset(req.Scope, tok.Scope) {
			return nil, apperr.New(apperr.InvalidScope, "refresh may only narrow scope, never widen it")
		}
		newScope = req.Scope
	}

	delegatorSub, grantID := tok.DelegatorSub, tok.DelegationGrantID
	if req.DelegationGrantID != "" {
		grant, err := a.delegations.ValidateGrant(ctx, req.DelegationGrantID, req.ClientID, newScope)
		if err != nil {
			return nil, err
		}
		delegatorSub = grant.PrincipalID
		grantID = grant.GrantID
	}

	gwCtx, cancel := ctxWithTimeout(ctx, a.cfg.DecisionGatewayTimeout)
	allowed, err := a.gateway.Decide(gwCtx, "allow_auth_code", map[string]any{
		"client_id":        req.ClientID,
		"requested_scopes": newScope,
	})
	cancel()
	if err != nil || !allowed {
		return nil, apperr.Denied("allow_auth_code")
	}

	resp, rec, err := a.mint(ctx, mintParams{
		tokenID:              tok.TokenID,
		clientID:             req.ClientID,
		scope:                newScope,
		grantedTools:         tok.GrantedTools,
		taskID:               tok.TaskID,
		taskDescription:      tok.TaskDescription,
		parentTaskID:         tok.ParentTaskID,
		parentTokenID:        tok.ParentTokenID,
		scopeInheritanceType: tok.ScopeInheritanceType,
		codeChallenge:        tok.CodeChallenge,
		codeChallengeMethod:  tok.CodeChallengeMethod,
		delegatorSub:         delegatorSub,
		delegationGrantID:    grantID,
		launchReason:         tok.LaunchReason,
		agent:                tok.Agent,
	})
	if err != nil {
		return nil, err
	}

	ok, err := a.tokens.RotateRefresh(ctx, tok.TokenID, tok.RefreshTokenHash, rec.AccessTokenHash, rec.RefreshTokenHash, rec.ExpiresAt, rec.RefreshExpiresAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another caller already rotated this refresh token. Nothing was
		// persisted for the loser; its freshly signed JWT dies with this
		// rejection because its hashes never landed on the record.
		return nil, apperr.New(apperr.InvalidGrant, "refresh token already rotated")
	}

	a.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindToken,
		ClientID:  req.ClientID,
		TokenID:   tok.TokenID,
		TaskID:    tok.TaskID,
		EventType: "refreshed",
		Status:    models.AuditSuccess,
	})
	return resp, nil
}
