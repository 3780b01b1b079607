package tokenauthority

import (
	"context"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"golang.org/x/crypto/bcrypt"
)

// ClientCredentialsRequest is the input to the client_credentials grant
// (spec §4.8.3): an agent authenticating directly with its own secret,
// optionally presenting one or more parent tokens to extend an existing
// task lineage.
type ClientCredentialsRequest struct {
	ClientID            string
	ClientSecret        string
	Scope               []string
	RequiredTools       []string
	CodeChallenge       string
	CodeChallengeMethod models.PKCEMethod
	TaskID              string
	ParentTaskID        string
	DelegationGrantID   string
	DelegatorSub        string // asserted directly when no grant is referenced

	ParentToken  string // opaque bearer string of a single parent, if any
	ParentTokens []string

	Agent models.AgentClaims
}

// ClientCredentials implements spec §4.8.3.
func (a *Authority) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*TokenResponse, error) {
	if req.CodeChallenge == "" {
		return nil, apperr.New(apperr.InvalidRequest, "code_challenge is required")
	}
	if req.CodeChallengeMethod != models.PKCEPlain && req.CodeChallengeMethod != models.PKCES256 {
		return nil, apperr.New(apperr.InvalidRequest, "code_challenge_method must be PLAIN or S256")
	}

	agent, err := a.agents.Get(ctx, req.ClientID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading client")
	}
	if agent == nil || !agent.IsActive {
		return nil, apperr.New(apperr.InvalidClient, "unknown or inactive client")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.ClientSecretHash), []byte(req.ClientSecret)); err != nil {
		return nil, apperr.New(apperr.InvalidClient, "client authentication failed")
	}

	toolNames, err := a.agents.ListToolNames(ctx, req.ClientID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading client tool bindings")
	}

	var parentTaskID, parentTokenID, inheritanceType string

	if req.ParentToken != "" {
		parentResult, err := a.Introspect(ctx, req.ParentToken, IntrospectOptions{})
		if err != nil {
			return nil, err
		}
		if !parentResult.Active {
			return nil, apperr.New(apperr.InvalidGrant, "parent_token is not active")
		}
		parent := parentResult.Token
		if !scope.Subset(req.Scope, parent.Scope) {
			exceeded := scope.Difference(req.Scope, parent.Scope)
			if !a.policies.IsScopeExpansionAllowed(exceeded, parent.Scope, req.ClientID, parent.ClientID) {
				a.failIssuance(ctx, req.ClientID, req.TaskID, "scope exceeds parent", map[string]any{
					"exceeded_scopes": exceeded,
					"parent_token_id": parent.TokenID,
				})
				return nil, apperr.InvalidScopeErr(req.Scope, parent.Scope, exceeded)
			}
			inheritanceType = models.InheritanceInherited
		} else {
			inheritanceType = models.InheritanceRestricted
		}
		if !scope.Subset(req.RequiredTools, parent.GrantedTools) {
			return nil, apperr.New(apperr.AccessDenied, "required_tools exceeds parent token's granted_tools")
		}
		parentTaskID = parent.TaskID
		parentTokenID = parent.TokenID
	}

	if len(req.ParentTokens) > 0 {
		claims := make([]ParentAssertion, 0, len(req.ParentTokens))
		for _, pt := range req.ParentTokens {
			res, err := a.Introspect(ctx, pt, IntrospectOptions{})
			if err != nil {
				return nil, err
			}
			if !res.Active {
				return nil, apperr.New(apperr.InvalidGrant, "one of parent_tokens is not active")
			}
			claims = append(claims, ParentAssertion{Token: res.Token})
		}
		if parentTokenID == "" && req.TaskID != "" {
			return nil, apperr.New(apperr.InvalidRequest, "a multi-parent grant requires an existing anchor token via parent_token")
		}
		anchor := &models.IssuedToken{TokenID: parentTokenID, TaskID: req.TaskID, ParentTokenID: parentTokenID}
		if _, ok := a.VerifyTokenChain(ctx, anchor, claims); !ok {
			return nil, apperr.New(apperr.InvalidGrant, "one or more parent_tokens is not part of the claimed lineage")
		}
	}

	finalScope := req.Scope
	delegatorSub, grantID := req.DelegatorSub, ""
	if req.DelegationGrantID != "" {
		grant, err := a.delegations.ValidateGrant(ctx, req.DelegationGrantID, req.ClientID, req.Scope)
		if err != nil {
			return nil, err
		}
		delegatorSub = grant.PrincipalID
		grantID = grant.GrantID
		finalScope = scope.Intersect(req.Scope, grant.Scope)
	}

	gwCtx, cancel := ctxWithTimeout(ctx, a.cfg.DecisionGatewayTimeout)
	allowed, err := a.gateway.Decide(gwCtx, "allow_auth_code", map[string]any{
		"client_id":        req.ClientID,
		"requested_scopes": finalScope,
		"agent_type":       req.Agent.AgentType,
		"agent_trust":      req.Agent.TrustLevel,
	})
	cancel()
	if err != nil || !allowed {
		a.failIssuance(ctx, req.ClientID, req.TaskID, "denied_by_policy", map[string]any{"rule": "allow_auth_code"})
		return nil, apperr.Denied("allow_auth_code")
	}

	grantedTools := scope.Intersect(req.RequiredTools, toolNames)

	resp, _, err := a.mint(ctx, mintParams{
		clientID:             req.ClientID,
		scope:                finalScope,
		grantedTools:         grantedTools,
		taskID:               req.TaskID,
		parentTaskID:         firstNonEmpty(req.ParentTaskID, parentTaskID),
		parentTokenID:        parentTokenID,
		scopeInheritanceType: inheritanceType,
		codeChallenge:        req.CodeChallenge,
		codeChallengeMethod:  req.CodeChallengeMethod,
		delegatorSub:         delegatorSub,
		delegationGrantID:    grantID,
		launchReason:         models.LaunchAgentDelegated,
		agent:                req.Agent,
	})
	return resp, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
