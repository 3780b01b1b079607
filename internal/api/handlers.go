// Package api provides the HTTP API for the token authority: the OAuth
// 2.1/OIDC-A endpoints of spec §6, translated from tokenauthority.Authority
// calls at a single error-taxonomy boundary (internal/apperr).
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/delegation"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"github.com/agentictrust/tokenauthority/internal/signing"
	"github.com/agentictrust/tokenauthority/internal/tokenauthority"
	"github.com/gin-gonic/gin"
)

// Handlers holds the collaborators every OAuth endpoint is built against.
type Handlers struct {
	authority   *tokenauthority.Authority
	scopes      *scope.Engine
	delegations *delegation.Engine
	keys        *signing.KeyProvider
	issuer      string
}

// NewHandlers wires the OAuth endpoint handlers.
func NewHandlers(authority *tokenauthority.Authority, scopes *scope.Engine, delegations *delegation.Engine, keys *signing.KeyProvider, issuer string) *Handlers {
	return &Handlers{authority: authority, scopes: scopes, delegations: delegations, keys: keys, issuer: issuer}
}

// writeErr maps an *apperr.Error to its spec §7 HTTP status and writes the
// standard OAuth error body {error, error_description, error_details?}.
// This is the single place in the repository that translates the
// error-taxonomy result type into an HTTP status — no other package imports
// net/http for this purpose.
func writeErr(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	status := http.StatusBadRequest
	switch ae.Code {
	case apperr.InvalidClient:
		status = http.StatusUnauthorized
	case apperr.UnauthorizedClient, apperr.AccessDenied:
		status = http.StatusForbidden
	case apperr.ServerError:
		status = http.StatusInternalServerError
	}
	body := gin.H{"error": string(ae.Code)}
	if ae.Description != "" {
		body["error_description"] = ae.Description
	}
	if ae.Details != nil {
		body["error_details"] = ae.Details
	}
	if ae.RequestID != "" {
		body["request_id"] = ae.RequestID
	}
	c.JSON(status, body)
}

func splitScope(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func joinScope(s []string) string { return strings.Join(s, " ") }

// Authorize implements GET /api/oauth/authorize (spec §4.8.1, §6).
func (h *Handlers) Authorize(c *gin.Context) {
	method := models.PKCEMethod(strings.ToUpper(c.Query("code_challenge_method")))
	req := tokenauthority.AuthorizeRequest{
		ResponseType:        c.Query("response_type"),
		ClientID:            c.Query("client_id"),
		RedirectURI:         c.Query("redirect_uri"),
		Scope:               splitScope(c.Query("scope")),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: method,
		TaskID:              c.Query("task_id"),
		TaskDescription:     c.Query("task_description"),
	}

	result, err := h.authority.Authorize(c.Request.Context(), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	if result.ConsentRequired {
		c.JSON(http.StatusOK, gin.H{
			"consent_required": true,
			"consent_prompt":   result.ConsentPrompt,
		})
		return
	}
	c.Redirect(http.StatusFound, result.RedirectURL)
}

// tokenRequestBody is the union of the three grant_type bodies of spec §6 /
// the OAuth request schemas (client_credentials, authorization_code,
// refresh_token), bound permissively and dispatched on grant_type.
type tokenRequestBody struct {
	GrantType string `json:"grant_type" binding:"required"`

	// client_credentials + authorization_code
	ClientID            string   `json:"client_id"`
	ClientSecret        string   `json:"client_secret"`
	Scope               string   `json:"scope"`
	TaskID              string   `json:"task_id"`
	TaskDescription     string   `json:"task_description"`
	ParentTaskID        string   `json:"parent_task_id"`
	RequiredTools       []string `json:"required_tools"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	ParentToken         string   `json:"parent_token"`
	ParentTokens        []string `json:"parent_tokens"`

	DelegatorSub string `json:"delegator_sub"`

	AgentType         string   `json:"agent_type"`
	AgentModel        string   `json:"agent_model"`
	AgentProvider     string   `json:"agent_provider"`
	AgentInstanceID   string   `json:"agent_instance_id"`
	AgentTrustLevel   string   `json:"agent_trust_level"`
	AgentCapabilities []string `json:"agent_capabilities"`

	// authorization_code
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`

	// refresh_token
	RefreshToken string `json:"refresh_token"`

	// shared
	DelegationGrantID string `json:"delegation_grant_id"`
	LaunchReason      string `json:"launch_reason"`
	LaunchedBy        string `json:"launched_by"`
}

// Token implements POST /api/oauth/token (spec §4.8.2-4.8.4, §6): the
// single endpoint dispatching on grant_type.
func (h *Handlers) Token(c *gin.Context) {
	var body tokenRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	ctx := c.Request.Context()
	launchReason := models.LaunchReason(body.LaunchReason)
	if launchReason == "" {
		launchReason = models.LaunchUserInteractive
	}

	var resp *tokenauthority.TokenResponse
	var err error

	switch body.GrantType {
	case "client_credentials":
		resp, err = h.authority.ClientCredentials(ctx, tokenauthority.ClientCredentialsRequest{
			ClientID:            body.ClientID,
			ClientSecret:        body.ClientSecret,
			Scope:               splitScope(body.Scope),
			RequiredTools:       body.RequiredTools,
			CodeChallenge:       body.CodeChallenge,
			CodeChallengeMethod: models.PKCEMethod(strings.ToUpper(body.CodeChallengeMethod)),
			TaskID:              body.TaskID,
			ParentTaskID:        body.ParentTaskID,
			DelegationGrantID:   body.DelegationGrantID,
			DelegatorSub:        body.DelegatorSub,
			ParentToken:         body.ParentToken,
			ParentTokens:        body.ParentTokens,
			Agent: models.AgentClaims{
				AgentType:     body.AgentType,
				AgentModel:    body.AgentModel,
				AgentProvider: body.AgentProvider,
				InstanceID:    body.AgentInstanceID,
				TrustLevel:    body.AgentTrustLevel,
				Capabilities:  body.AgentCapabilities,
			},
		})
	case "authorization_code":
		resp, err = h.authority.ExchangeCode(ctx, tokenauthority.ExchangeRequest{
			ClientID:          body.ClientID,
			Code:              body.Code,
			RedirectURI:       body.RedirectURI,
			CodeVerifier:      body.CodeVerifier,
			DelegationGrantID: body.DelegationGrantID,
			LaunchReason:      launchReason,
			LaunchedBy:        body.LaunchedBy,
		})
	case "refresh_token":
		var reqScope []string
		if body.Scope != "" {
			reqScope = splitScope(body.Scope)
		}
		resp, err = h.authority.Refresh(ctx, tokenauthority.RefreshRequest{
			ClientID:          body.ClientID,
			RefreshToken:      body.RefreshToken,
			CodeVerifier:      body.CodeVerifier,
			Scope:             reqScope,
			DelegationGrantID: body.DelegationGrantID,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "unsupported_grant_type",
			"error_description": "grant_type must be one of client_credentials, authorization_code, refresh_token",
		})
		return
	}

	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// introspectRequestBody is spec's IntrospectRequest{token, token_type_hint?}.
type introspectRequestBody struct {
	Token         string `json:"token" binding:"required"`
	TokenTypeHint string `json:"token_type_hint"`
}

// Introspect implements POST /api/oauth/introspect (spec §4.8.6, §6),
// returning the RFC 7662 shape: {active: bool, ...claims}.
func (h *Handlers) Introspect(c *gin.Context) {
	var body introspectRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	result, err := h.authority.Introspect(c.Request.Context(), body.Token, tokenauthority.IntrospectOptions{})
	if err != nil {
		writeErr(c, err)
		return
	}
	if !result.Active {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}

	out := gin.H{"active": true}
	for k, v := range result.Claims {
		out[k] = v
	}
	if result.Token != nil {
		out["client_id"] = result.Token.ClientID
		out["scope"] = joinScope(result.Token.Scope)
		out["task_id"] = result.Token.TaskID
	}
	c.JSON(http.StatusOK, out)
}

// revokeRequestBody is spec's RevokeRequest{token, token_type_hint?,
// revoke_children?}.
type revokeRequestBody struct {
	Token          string `json:"token" binding:"required"`
	TokenTypeHint  string `json:"token_type_hint"`
	RevokeChildren bool   `json:"revoke_children"`
	ClientID       string `json:"client_id"`
}

// Revoke implements POST /api/oauth/revoke (spec §4.6/§4.8.7, §6). Per RFC
// 7009, an unrecognized token is not an error.
func (h *Handlers) Revoke(c *gin.Context) {
	var body revokeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	if err := h.authority.Revoke(c.Request.Context(), tokenauthority.RevokeRequest{
		ClientID:       body.ClientID,
		Token:          body.Token,
		TokenTypeHint:  body.TokenTypeHint,
		RevokeChildren: body.RevokeChildren,
	}); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// verifyRequestBody carries the lineage/scope-inheritance assertions spec
// §4.8.6's verify() composite endpoint checks in one round trip.
type verifyRequestBody struct {
	Token             string   `json:"token" binding:"required"`
	ParentToken       string   `json:"parent_token"`
	ParentTokens      []string `json:"parent_tokens"`
	TaskID            string   `json:"task_id"`
	ParentTaskID      string   `json:"parent_task_id"`
	CheckScopeInherit bool     `json:"check_scope_inheritance"`
	CheckExpansions   bool     `json:"check_expansions"`
}

// Verify implements POST /api/oauth/verify (spec §4.8.6, §6): introspects
// token, then runs whichever of lineage/scope-inheritance/multi-parent-chain
// checks the request body asked for.
func (h *Handlers) Verify(c *gin.Context) {
	var body verifyRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	ctx := c.Request.Context()
	result, err := h.authority.Introspect(ctx, body.Token, tokenauthority.IntrospectOptions{})
	if err != nil {
		writeErr(c, err)
		return
	}
	if !result.Active {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}

	out := gin.H{"active": true, "token_id": result.Token.TokenID}

	var parent *models.IssuedToken
	if body.ParentToken != "" {
		parentResult, err := h.authority.Introspect(ctx, body.ParentToken, tokenauthority.IntrospectOptions{})
		if err == nil && parentResult.Active {
			parent = parentResult.Token
		}
	}
	if parent != nil || body.TaskID != "" || body.ParentTaskID != "" {
		out["lineage_valid"] = h.authority.VerifyTaskLineage(ctx, result.Token, parent, body.TaskID, body.ParentTaskID)
	}
	if body.CheckScopeInherit && parent != nil {
		out["scope_inheritance_valid"] = h.authority.VerifyScopeInheritance(result.Token, parent, body.CheckExpansions)
	}
	if len(body.ParentTokens) > 0 {
		claims := make([]tokenauthority.ParentAssertion, 0, len(body.ParentTokens))
		for _, pt := range body.ParentTokens {
			res, err := h.authority.Introspect(ctx, pt, tokenauthority.IntrospectOptions{})
			if err == nil && res.Active {
				claims = append(claims, tokenauthority.ParentAssertion{Token: res.Token})
			}
		}
		chainResults, chainOK := h.authority.VerifyTokenChain(ctx, result.Token, claims)
		out["chain_valid"] = chainOK
		out["chain_results"] = chainResults
	}
	c.JSON(http.StatusOK, out)
}

// createDelegationGrantBody is the wire shape of POST
// /api/oauth/delegation-grants (the delegation-lifecycle surface of spec
// §4.7, exposed over HTTP as a supplemented management endpoint).
type createDelegationGrantBody struct {
	PrincipalType string         `json:"principal_type"`
	PrincipalID   string         `json:"principal_id" binding:"required"`
	DelegateID    string         `json:"delegate_id" binding:"required"`
	Scope         []string       `json:"scope" binding:"required"`
	MaxDepth      int            `json:"max_depth"`
	Constraints   map[string]any `json:"constraints"`
	TTLSeconds    int            `json:"ttl_seconds"`
}

// defaultDelegationGrantTTL is used when a caller omits ttl_seconds.
const defaultDelegationGrantTTL = 24 * time.Hour

// CreateDelegationGrant implements POST /api/oauth/delegation-grants.
func (h *Handlers) CreateDelegationGrant(c *gin.Context) {
	var body createDelegationGrantBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	if body.MaxDepth == 0 {
		body.MaxDepth = 1
	}
	ttl := defaultDelegationGrantTTL
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}

	grant, err := h.delegations.CreateGrant(c.Request.Context(), delegation.CreateGrantInput{
		PrincipalType: body.PrincipalType,
		PrincipalID:   body.PrincipalID,
		DelegateID:    body.DelegateID,
		Scope:         body.Scope,
		MaxDepth:      body.MaxDepth,
		Constraints:   body.Constraints,
		TTL:           ttl,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

// RevokeDelegationGrant implements DELETE /api/oauth/delegation-grants/:id.
func (h *Handlers) RevokeDelegationGrant(c *gin.Context) {
	grantID := c.Param("id")
	principal := c.Query("principal_id")
	if err := h.delegations.RevokeGrant(c.Request.Context(), grantID, principal); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDelegationGrants implements GET /api/oauth/delegation-grants.
func (h *Handlers) ListDelegationGrants(c *gin.Context) {
	principalID := c.Query("principal_id")
	if principalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "principal_id is required"})
		return
	}
	grants, err := h.delegations.ListForPrincipal(c.Request.Context(), principalID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants})
}

// WellKnownConfiguration implements GET /.well-known/openid-configuration
// (spec §6 "Discovery document").
func (h *Handlers) WellKnownConfiguration(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                h.issuer,
		"authorization_endpoint":                h.issuer + "/api/oauth/authorize",
		"token_endpoint":                        h.issuer + "/api/oauth/token",
		"introspection_endpoint":                h.issuer + "/api/oauth/introspect",
		"revocation_endpoint":                   h.issuer + "/api/oauth/revoke",
		"jwks_uri":                              h.issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "client_credentials", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported_endpoint":             h.issuer + "/api/oauth/scopes",
	})
}

// JWKS implements GET /.well-known/jwks.json, serving the active and
// overlapping verification keys (spec §4.8.5/§6).
func (h *Handlers) JWKS(c *gin.Context) {
	set, err := h.keys.PublicSet(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, set)
}

// ScopeRegistry implements GET /api/oauth/scopes (spec §4.2's registry()
// view, exposed over HTTP as a supplemented discovery surface).
func (h *Handlers) ScopeRegistry(c *gin.Context) {
	entries, err := h.scopes.Registry(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scopes": entries})
}

// expandScopesBody is the wire shape of POST /api/oauth/scopes/expand.
type expandScopesBody struct {
	Scope []string `json:"scope" binding:"required"`
}

// ExpandScopes implements POST /api/oauth/scopes/expand (spec §4.2's
// expand(set) -> superset operation): the requested set plus every scope
// implied by the configured expansion rules.
func (h *Handlers) ExpandScopes(c *gin.Context) {
	var body expandScopesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scope":          body.Scope,
		"expanded_scope": h.scopes.Expand(body.Scope),
	})
}
