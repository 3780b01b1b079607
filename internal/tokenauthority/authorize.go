package tokenauthority

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/codestore"
	"github.com/agentictrust/tokenauthority/internal/models"
)

// AuthorizeRequest is the input to the authorization flow (spec §4.8.1).
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod models.PKCEMethod
	TaskID              string
	TaskDescription     string
}

// AuthorizeResult is either a redirect (code minted) or a consent prompt
// (spec §4.8.1: "return a consent prompt object, no side effects").
type AuthorizeResult struct {
	ConsentRequired bool
	ConsentPrompt   map[string]any
	RedirectURL     string
}

// Authorize implements spec §4.8.1.
func (a *Authority) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ResponseType != "code" {
		return nil, apperr.New(apperr.UnsupportedResponse, "response_type must be 'code'")
	}
	if req.CodeChallenge == "" {
		return nil, apperr.New(apperr.InvalidRequest, "code_challenge is required")
	}
	if req.CodeChallengeMethod != models.PKCEPlain && req.CodeChallengeMethod != models.PKCES256 {
		return nil, apperr.New(apperr.InvalidRequest, "code_challenge_method must be PLAIN or S256")
	}
	if req.RedirectURI == "" {
		return nil, apperr.New(apperr.InvalidRequest, "redirect_uri is required")
	}

	agent, err := a.agents.Get(ctx, req.ClientID)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading client")
	}
	if agent == nil || !agent.IsActive {
		return nil, apperr.New(apperr.InvalidClient, "unknown or inactive client")
	}

	gwCtx, cancel := ctxWithTimeout(ctx, a.cfg.DecisionGatewayTimeout)
	allowed, err := a.gateway.Decide(gwCtx, "allow_auth_code", map[string]any{
		"client_id":        req.ClientID,
		"requested_scopes": req.Scope,
		"response_type":    req.ResponseType,
	})
	cancel()
	if err != nil || !allowed {
		return nil, apperr.Denied("allow_auth_code")
	}

	requiresApproval, err := a.requiresHumanApproval(ctx, req)
	if err != nil {
		return nil, err
	}
	if requiresApproval {
		return &AuthorizeResult{
			ConsentRequired: true,
			ConsentPrompt: map[string]any{
				"client_id": req.ClientID,
				"scope":     req.Scope,
				"state":     req.State,
			},
		}, nil
	}

	plaintext, err := a.codes.Create(ctx, codestore.CreateInput{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		TaskID:              req.TaskID,
		TaskDescription:     req.TaskDescription,
		TTL:                 a.cfg.AuthorizationCodeTTL,
	})
	if err != nil {
		return nil, err
	}

	redirectURL, err := appendCodeToRedirect(req.RedirectURI, plaintext, req.State)
	if err != nil {
		return nil, apperr.New(apperr.InvalidRequest, "malformed redirect_uri")
	}
	return &AuthorizeResult{RedirectURL: redirectURL}, nil
}

// requiresHumanApproval asks the decision gateway's requires_approval rule
// first; a defined remote answer governs, while disabled/undefined falls
// through to C3's consent_required policies (spec §4.3/§4.4).
func (a *Authority) requiresHumanApproval(ctx context.Context, req AuthorizeRequest) (bool, error) {
	gwCtx, cancel := ctxWithTimeout(ctx, a.cfg.DecisionGatewayTimeout)
	decided, err := a.gateway.Query(gwCtx, "requires_approval", map[string]any{
		"client_id":        req.ClientID,
		"requested_scopes": req.Scope,
		"response_type":    req.ResponseType,
	})
	cancel()
	if err != nil {
		return false, apperr.Denied("requires_approval")
	}
	if decided != nil {
		return *decided, nil
	}
	return a.policies.RequiresHumanApproval(ctx, map[string]any{
		"client_id":     req.ClientID,
		"scope":         req.Scope,
		"response_type": req.ResponseType,
	})
}

// appendCodeToRedirect appends code and state to redirectURI, preserving
// any existing query parameters (spec §4.8.1).
func appendCodeToRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	if !strings.Contains(redirectURI, "?") && u.RawQuery == "" {
		return redirectURI, nil
	}
	return u.String(), nil
}
