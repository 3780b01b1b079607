package tokenauthority

import (
	"context"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/scope"
)

// ExchangeRequest is the input to the authorization_code grant (spec
// §4.8.2).
type ExchangeRequest struct {
	ClientID          string
	Code              string
	RedirectURI       string
	CodeVerifier      string
	DelegationGrantID string
	LaunchReason      models.LaunchReason
	LaunchedBy        string
}

// ExchangeCode implements spec §4.8.2.
func (a *Authority) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if err := a.checkLaunchReason(req.ClientID, req.LaunchReason); err != nil {
		return nil, err
	}

	gwCtx, cancel := ctxWithTimeout(ctx, a.cfg.DecisionGatewayTimeout)
	allowed, err := a.gateway.Decide(gwCtx, "allow_auth_code", map[string]any{
		"client_id": req.ClientID,
	})
	cancel()
	if err != nil || !allowed {
		a.failIssuance(ctx, req.ClientID, "", "denied_by_policy", map[string]any{"rule": "allow_auth_code"})
		return nil, apperr.Denied("allow_auth_code")
	}

	code, err := a.codes.Consume(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		return nil, err
	}

	finalScope := code.Scope
	var delegatorSub, grantID string
	if req.DelegationGrantID != "" {
		grant, err := a.delegations.ValidateGrant(ctx, req.DelegationGrantID, req.ClientID, code.Scope)
		if err != nil {
			return nil, err
		}
		delegatorSub = grant.PrincipalID
		grantID = grant.GrantID
		finalScope = scope.Intersect(code.Scope, grant.Scope)
	}

	agent, err := a.agents.Get(ctx, req.ClientID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading client")
	}
	if agent == nil || !agent.IsActive {
		return nil, apperr.New(apperr.InvalidClient, "unknown or inactive client")
	}

	resp, _, err := a.mint(ctx, mintParams{
		clientID:             req.ClientID,
		scope:                finalScope,
		grantedTools:         code.GrantedTools,
		taskID:               code.TaskID,
		taskDescription:      code.TaskDescription,
		parentTaskID:         code.ParentTaskID,
		parentTokenID:        code.ParentTokenID,
		scopeInheritanceType: code.ScopeInheritanceType,
		codeChallenge:        code.CodeChallenge,
		codeChallengeMethod:  code.CodeChallengeMethod,
		delegatorSub:         delegatorSub,
		delegationGrantID:    grantID,
		launchReason:         req.LaunchReason,
	})
	return resp, err
}

// checkLaunchReason enforces spec §6's SYSTEM_CLIENT_IDS allowlist: only
// listed clients may present launch_reason=system_job.
func (a *Authority) checkLaunchReason(clientID string, reason models.LaunchReason) error {
	if reason != models.LaunchSystemJob {
		return nil
	}
	if a.cfg.SystemClientIDs != nil && a.cfg.SystemClientIDs[clientID] {
		return nil
	}
	return apperr.New(apperr.UnauthorizedClient, "client is not permitted to use launch_reason=system_job")
}
