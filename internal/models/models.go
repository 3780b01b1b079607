// Package models defines the persisted entities of the token authority:
// scopes, policies, agents, tools, authorization codes, issued tokens,
// delegation grants, and audit records.
package models

import "time"

// ScopeCategory classifies a Scope for registry and policy purposes.
type ScopeCategory string

const (
	ScopeCategoryRead  ScopeCategory = "read"
	ScopeCategoryWrite ScopeCategory = "write"
	ScopeCategoryAdmin ScopeCategory = "admin"
	ScopeCategoryTool  ScopeCategory = "tool"
)

// Scope is a named permission atom of the form resource:action[:qualifier...].
type Scope struct {
	ID               string        `json:"id" db:"scope_id"`
	Name             string        `json:"name" db:"name"`
	Description      string        `json:"description,omitempty" db:"description"`
	Category         ScopeCategory `json:"category" db:"category"`
	IsSensitive      bool          `json:"is_sensitive" db:"is_sensitive"`
	RequiresApproval bool          `json:"requires_approval" db:"requires_approval"`
	IsDefault        bool          `json:"is_default" db:"is_default"`
	IsActive         bool          `json:"is_active" db:"is_active"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// ScopeRegistryEntry is the flattened view returned by the scope registry.
type ScopeRegistryEntry struct {
	Name        string   `json:"name"`
	Resource    string   `json:"resource"`
	Action      string   `json:"action"`
	Qualifiers  []string `json:"qualifiers"`
	Description string   `json:"description,omitempty"`
}

// PolicyEffect is the outcome a matched policy produces.
type PolicyEffect string

const (
	EffectAllow           PolicyEffect = "allow"
	EffectDeny            PolicyEffect = "deny"
	EffectConsentRequired PolicyEffect = "consent_required"
)

// ConditionNode is a recursive condition-tree node. Exactly one of the
// logical fields (And/Or/Not) or the leaf fields (Attribute/Operator) is
// populated; see internal/condition for evaluation semantics.
type ConditionNode struct {
	And []ConditionNode `json:"and,omitempty"`
	Or  []ConditionNode `json:"or,omitempty"`
	Not *ConditionNode  `json:"not,omitempty"`

	Attribute string `json:"attribute,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Value     any    `json:"value,omitempty"`
	ValueFrom string `json:"value_from,omitempty"`

	// Custom wraps a condition tree stored under a top-level "custom" key,
	// as produced by legacy policy-document loaders. EvaluateConditions
	// transparently unwraps it before descending.
	Custom *ConditionNode `json:"custom,omitempty"`
}

// Policy is an ABAC rule: if its condition tree matches a context, it
// contributes its Effect to the policy-engine decision.
type Policy struct {
	ID          string        `json:"id" db:"policy_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description,omitempty" db:"description"`
	Effect      PolicyEffect  `json:"effect" db:"effect"`
	Conditions  ConditionNode `json:"conditions" db:"conditions"`
	Priority    int           `json:"priority" db:"priority"`
	IsActive    bool          `json:"is_active" db:"is_active"`
	ScopeIDs    []string      `json:"scope_ids,omitempty" db:"-"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// PKCEMethod is the code-challenge transform used by a PKCE flow.
type PKCEMethod string

const (
	PKCEPlain PKCEMethod = "PLAIN"
	PKCES256  PKCEMethod = "S256"
)

// AuthorizationCode is a one-time code bound to a PKCE challenge, issued by
// the /api/oauth/authorize endpoint and consumed by /api/oauth/token.
type AuthorizationCode struct {
	CodeID               string     `json:"code_id" db:"code_id"`
	CodeHash             string     `json:"-" db:"code_hash"`
	ClientID             string     `json:"client_id" db:"client_id"`
	RedirectURI          string     `json:"redirect_uri" db:"redirect_uri"`
	Scope                []string   `json:"scope" db:"scope"`
	GrantedTools         []string   `json:"granted_tools,omitempty" db:"granted_tools"`
	CodeChallenge        string     `json:"-" db:"code_challenge"`
	CodeChallengeMethod  PKCEMethod `json:"-" db:"code_challenge_method"`
	State                string     `json:"state,omitempty" db:"state"`
	TaskID               string     `json:"task_id,omitempty" db:"task_id"`
	TaskDescription      string     `json:"task_description,omitempty" db:"task_description"`
	ParentTaskID         string     `json:"parent_task_id,omitempty" db:"parent_task_id"`
	ParentTokenID        string     `json:"parent_token_id,omitempty" db:"parent_token_id"`
	ScopeInheritanceType string     `json:"scope_inheritance_type,omitempty" db:"scope_inheritance_type"`
	ExpiresAt            time.Time  `json:"expires_at" db:"expires_at"`
	Consumed             bool       `json:"consumed" db:"consumed"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// Scope-inheritance modes for an issued token.
const (
	InheritanceRestricted = "restricted"
	InheritanceInherited  = "inherited"
)

// LaunchReason is the rationale under which a token was minted.
type LaunchReason string

const (
	LaunchUserInteractive LaunchReason = "user_interactive"
	LaunchSystemJob       LaunchReason = "system_job"
	LaunchAgentDelegated  LaunchReason = "agent_delegated"
)

// AgentClaims carries the OIDC-A agent-identity claims embedded in minted
// access tokens.
type AgentClaims struct {
	AgentType     string   `json:"agent_type,omitempty"`
	AgentModel    string   `json:"agent_model,omitempty"`
	AgentProvider string   `json:"agent_provider,omitempty"`
	InstanceID    string   `json:"agent_instance_id,omitempty"`
	TrustLevel    string   `json:"agent_trust_level,omitempty"`
	Capabilities  []string `json:"agent_capabilities,omitempty"`
}

// IssuedToken is an access/refresh token pair's persisted record. Only
// hashes of the plaintext token material are stored; plaintext is returned
// to the caller exactly once, at mint time.
type IssuedToken struct {
	TokenID              string       `json:"token_id" db:"token_id"`
	ClientID             string       `json:"client_id" db:"client_id"`
	AccessTokenHash      string       `json:"-" db:"access_token_hash"`
	RefreshTokenHash     string       `json:"-" db:"refresh_token_hash"`
	Scope                []string     `json:"scope" db:"scope"`
	GrantedTools         []string     `json:"granted_tools" db:"granted_tools"`
	TaskID               string       `json:"task_id" db:"task_id"`
	TaskDescription      string       `json:"task_description,omitempty" db:"task_description"`
	ParentTaskID         string       `json:"parent_task_id,omitempty" db:"parent_task_id"`
	ParentTokenID        string       `json:"parent_token_id,omitempty" db:"parent_token_id"`
	ScopeInheritanceType string       `json:"scope_inheritance_type" db:"scope_inheritance_type"`
	CodeChallenge        string       `json:"-" db:"code_challenge"`
	CodeChallengeMethod  PKCEMethod   `json:"-" db:"code_challenge_method"`
	DelegatorSub         string       `json:"delegator_sub,omitempty" db:"delegator_sub"`
	DelegationGrantID    string       `json:"delegation_grant_id,omitempty" db:"delegation_grant_id"`
	LaunchReason         LaunchReason `json:"launch_reason,omitempty" db:"launch_reason"`
	Agent                AgentClaims  `json:"-" db:"-"`
	IssuedAt             time.Time    `json:"issued_at" db:"issued_at"`
	ExpiresAt            time.Time    `json:"expires_at" db:"expires_at"`
	RefreshExpiresAt     time.Time    `json:"refresh_expires_at,omitempty" db:"refresh_expires_at"`
	IsRevoked            bool         `json:"is_revoked" db:"is_revoked"`
	RevokedAt            *time.Time   `json:"revoked_at,omitempty" db:"revoked_at"`
	RevocationReason     string       `json:"revocation_reason,omitempty" db:"revocation_reason"`
}

// IsValid reports whether the token is currently usable: not revoked and
// not past its expiry.
func (t *IssuedToken) IsValid(now time.Time) bool {
	return !t.IsRevoked && now.Before(t.ExpiresAt)
}

// DelegationGrant is a persisted authorization from a principal to a
// delegate, bounding the scope and lifetime of tokens the delegate may
// mint on the principal's behalf.
type DelegationGrant struct {
	GrantID       string         `json:"grant_id" db:"grant_id"`
	PrincipalType string         `json:"principal_type" db:"principal_type"`
	PrincipalID   string         `json:"principal_id" db:"principal_id"`
	DelegateID    string         `json:"delegate_id" db:"delegate_id"`
	Scope         []string       `json:"scope" db:"scope"`
	MaxDepth      int            `json:"max_depth" db:"max_depth"`
	Constraints   map[string]any `json:"constraints,omitempty" db:"constraints"`
	ExpiresAt     time.Time      `json:"expires_at" db:"expires_at"`
	Revoked       bool           `json:"revoked" db:"revoked"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// Principal types a delegation grant may be issued on behalf of.
const (
	PrincipalUser  = "user"
	PrincipalAgent = "agent"
)

// Agent is an OAuth client representing an autonomous agent.
type Agent struct {
	ClientID         string    `json:"client_id" db:"client_id"`
	ClientSecretHash string    `json:"-" db:"client_secret_hash"`
	AgentName        string    `json:"agent_name" db:"agent_name"`
	Description      string    `json:"description,omitempty" db:"description"`
	AllowedResources []string  `json:"allowed_resources,omitempty" db:"allowed_resources"`
	MaxScopeLevel    string    `json:"max_scope_level" db:"max_scope_level"`
	IsActive         bool      `json:"is_active" db:"is_active"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Tool is a callable capability that may be bound to agents and granted
// into tokens as part of GrantedTools.
type Tool struct {
	ToolID      string    `json:"tool_id" db:"tool_id"`
	Name        string    `json:"name" db:"name"`
	Category    string    `json:"category" db:"category"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AuditKind discriminates the subsystem an AuditRecord originated from.
type AuditKind string

const (
	AuditKindToken      AuditKind = "token"
	AuditKindDelegation AuditKind = "delegation"
	AuditKindPolicy     AuditKind = "policy"
	AuditKindResource   AuditKind = "resource"
)

// AuditStatus is the outcome of the event being recorded.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
	AuditDenied  AuditStatus = "denied"
)

// AuditRecord is one append-only entry in the audit sink (C9). TokenID may
// hold a synthetic "error-<uuid>" value for failures that occur before a
// token record exists, preserving the not-null relational constraint.
type AuditRecord struct {
	ID        string         `json:"id" db:"id"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Kind      AuditKind      `json:"kind" db:"kind"`
	ClientID  string         `json:"client_id,omitempty" db:"client_id"`
	TokenID   string         `json:"token_id,omitempty" db:"token_id"`
	TaskID    string         `json:"task_id,omitempty" db:"task_id"`
	SubjectID string         `json:"subject_id,omitempty" db:"subject_id"`
	EventType string         `json:"event_type" db:"event_type"`
	Status    AuditStatus    `json:"status" db:"status"`
	Details   map[string]any `json:"details,omitempty" db:"details"`
	SourceIP  string         `json:"source_ip,omitempty" db:"source_ip"`
}
