// Package tokenauthority implements the Token Authority (C8): the
// orchestrator that integrates C2-C7, signs/verifies JWTs, and enforces
// lineage and scope inheritance across every grant flow in spec §4.8.
package tokenauthority

import (
	"context"
	"time"

	"github.com/agentictrust/tokenauthority/internal/audit"
	"github.com/agentictrust/tokenauthority/internal/codestore"
	"github.com/agentictrust/tokenauthority/internal/delegation"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/policy"
	"github.com/agentictrust/tokenauthority/internal/policygateway"
	"github.com/agentictrust/tokenauthority/internal/repository"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"github.com/agentictrust/tokenauthority/internal/signing"
	"github.com/agentictrust/tokenauthority/internal/tokenstore"
)

// Config holds the request-entry-time snapshot of the values spec §9 says
// must be passed as an immutable snapshot: issuer, token lifetimes, and the
// system-client allowlist. The Authority holds it by value, set once in New;
// there is no reload path, so a changed value takes effect only on restart.
type Config struct {
	Issuer                 string
	AccessTokenExpiry      time.Duration
	RefreshTokenExpiry     time.Duration
	AuthorizationCodeTTL   time.Duration
	SystemClientIDs        map[string]bool
	DecisionGatewayTimeout time.Duration
}

// Authority is the Token Authority (C8).
type Authority struct {
	cfg Config

	scopes      *scope.Engine
	policies    *policy.Engine
	gateway     *policygateway.Gateway
	codes       *codestore.Store
	tokens      *tokenstore.Store
	delegations *delegation.Engine
	agents      repository.AgentRepository
	tools       repository.ToolRepository
	sink        *audit.Sink
	keys        *signing.KeyProvider
}

// New wires the Token Authority from its C2-C7 collaborators.
func New(
	cfg Config,
	scopes *scope.Engine,
	policies *policy.Engine,
	gateway *policygateway.Gateway,
	codes *codestore.Store,
	tokens *tokenstore.Store,
	delegations *delegation.Engine,
	agents repository.AgentRepository,
	tools repository.ToolRepository,
	sink *audit.Sink,
	keys *signing.KeyProvider,
) *Authority {
	return &Authority{
		cfg: cfg, scopes: scopes, policies: policies, gateway: gateway,
		codes: codes, tokens: tokens, delegations: delegations,
		agents: agents, tools: tools, sink: sink, keys: keys,
	}
}

// TokenResponse is the token-response JSON body of spec §6.
type TokenResponse struct {
	AccessToken   string   `json:"access_token"`
	RefreshToken  string   `json:"refresh_token,omitempty"`
	TokenType     string   `json:"token_type"`
	ExpiresIn     int64    `json:"expires_in"`
	Scope         string   `json:"scope"`
	TaskID        string   `json:"task_id"`
	GrantedTools  []string `json:"granted_tools"`
	ParentTaskID  string   `json:"parent_task_id,omitempty"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
}

func ctxWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = time.Second
	}
	return context.WithTimeout(ctx, d)
}

// failIssuance records a denied grant attempt under a synthetic
// "error-<uuid>" token id, since no token record exists yet for the audit
// row to reference.
func (a *Authority) failIssuance(ctx context.Context, clientID, taskID, reason string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	a.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindToken,
		ClientID:  clientID,
		TokenID:   audit.ErrorTokenID(),
		TaskID:    taskID,
		EventType: "issued",
		Status:    models.AuditDenied,
		Details:   details,
	})
}
