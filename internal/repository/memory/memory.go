// Package memory provides in-memory implementations of the repository
// interfaces, backing package tests and local development without a
// PostgreSQL instance. Semantics match the postgres implementations where
// the token-authority invariants depend on them: MarkConsumed and
// RotateRefresh are conditional updates with exactly one winner, and Revoke
// is monotone.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
)

// ScopeRepository is an in-memory repository.ScopeRepository.
type ScopeRepository struct {
	mu     sync.RWMutex
	scopes map[string]models.Scope // by id

	// Referenced names, settable by tests to exercise the
	// delete-refused-if-referenced invariant.
	Referenced map[string]bool
}

func NewScopeRepository() *ScopeRepository {
	return &ScopeRepository{scopes: make(map[string]models.Scope), Referenced: make(map[string]bool)}
}

func (r *ScopeRepository) Create(_ context.Context, s *models.Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[s.ID] = *s
	return nil
}

func (r *ScopeRepository) Get(_ context.Context, id string) (*models.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.scopes[id]; ok {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

func (r *ScopeRepository) GetByName(_ context.Context, name string) (*models.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.scopes {
		if s.Name == name {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ScopeRepository) List(_ context.Context, filters *repository.ScopeFilters) ([]models.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Scope
	for _, s := range r.scopes {
		if filters != nil && filters.Category != nil && s.Category != *filters.Category {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *ScopeRepository) Update(_ context.Context, s *models.Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[s.ID] = *s
	return nil
}

func (r *ScopeRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, id)
	return nil
}

func (r *ScopeRepository) ReferencedBy(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Referenced[name], nil
}

// PolicyRepository is an in-memory repository.PolicyRepository.
type PolicyRepository struct {
	mu       sync.RWMutex
	policies map[string]models.Policy
}

func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{policies: make(map[string]models.Policy)}
}

func (r *PolicyRepository) Create(_ context.Context, p *models.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = *p
	return nil
}

func (r *PolicyRepository) Get(_ context.Context, id string) (*models.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[id]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (r *PolicyRepository) List(_ context.Context, filters *repository.PolicyFilters) ([]models.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Policy
	for _, p := range r.policies {
		if filters != nil && filters.Effect != nil && p.Effect != *filters.Effect {
			continue
		}
		if filters != nil && filters.IsActive != nil && p.IsActive != *filters.IsActive {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *PolicyRepository) Update(_ context.Context, p *models.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = *p
	return nil
}

func (r *PolicyRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, id)
	return nil
}

func (r *PolicyRepository) ListActiveOrderedByPriority(_ context.Context) ([]models.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Policy
	for _, p := range r.policies {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// AgentRepository is an in-memory repository.AgentRepository.
type AgentRepository struct {
	mu     sync.RWMutex
	agents map[string]models.Agent
	tools  map[string][]string // client_id -> tool names
}

func NewAgentRepository() *AgentRepository {
	return &AgentRepository{agents: make(map[string]models.Agent), tools: make(map[string][]string)}
}

func (r *AgentRepository) Create(_ context.Context, a *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ClientID] = *a
	return nil
}

func (r *AgentRepository) Get(_ context.Context, clientID string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[clientID]; ok {
		cp := a
		return &cp, nil
	}
	return nil, nil
}

func (r *AgentRepository) Update(_ context.Context, a *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ClientID] = *a
	return nil
}

func (r *AgentRepository) ListToolNames(_ context.Context, clientID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tools[clientID]...), nil
}

// BindTools associates tool names with a client, for tests exercising the
// granted_tools intersection.
func (r *AgentRepository) BindTools(clientID string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[clientID] = append(r.tools[clientID], names...)
}

// ToolRepository is an in-memory repository.ToolRepository.
type ToolRepository struct {
	mu    sync.RWMutex
	tools map[string]models.Tool
}

func NewToolRepository() *ToolRepository {
	return &ToolRepository{tools: make(map[string]models.Tool)}
}

func (r *ToolRepository) Add(t models.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ToolID] = t
}

func (r *ToolRepository) Get(_ context.Context, idOrName string) (*models.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[idOrName]; ok {
		cp := t
		return &cp, nil
	}
	for _, t := range r.tools {
		if t.Name == idOrName {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ToolRepository) List(_ context.Context) ([]models.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Tool
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CodeRepository is an in-memory repository.CodeRepository.
type CodeRepository struct {
	mu    sync.Mutex
	codes map[string]models.AuthorizationCode
}

func NewCodeRepository() *CodeRepository {
	return &CodeRepository{codes: make(map[string]models.AuthorizationCode)}
}

func (r *CodeRepository) Create(_ context.Context, c *models.AuthorizationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[c.CodeID] = *c
	return nil
}

func (r *CodeRepository) FindActiveByHash(_ context.Context, clientID, codeHash string) (*models.AuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, c := range r.codes {
		if c.ClientID == clientID && c.CodeHash == codeHash && !c.Consumed && now.Before(c.ExpiresAt) {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *CodeRepository) MarkConsumed(_ context.Context, codeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[codeID]
	if !ok {
		return true, nil
	}
	if c.Consumed {
		return true, nil
	}
	c.Consumed = true
	r.codes[codeID] = c
	return false, nil
}

// TokenRepository is an in-memory repository.TokenRepository.
type TokenRepository struct {
	mu     sync.Mutex
	tokens map[string]models.IssuedToken
}

func NewTokenRepository() *TokenRepository {
	return &TokenRepository{tokens: make(map[string]models.IssuedToken)}
}

func (r *TokenRepository) Create(_ context.Context, t *models.IssuedToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.TokenID] = *t
	return nil
}

// Put force-installs a token record, for tests constructing lineage graphs
// (including cyclic ones) directly.
func (r *TokenRepository) Put(t models.IssuedToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.TokenID] = t
}

func (r *TokenRepository) GetByID(_ context.Context, tokenID string) (*models.IssuedToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[tokenID]; ok {
		cp := t
		return &cp, nil
	}
	return nil, nil
}

func (r *TokenRepository) FindByRefreshHash(_ context.Context, clientID, refreshHash string) (*models.IssuedToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.ClientID == clientID && t.RefreshTokenHash == refreshHash {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *TokenRepository) RotateRefresh(_ context.Context, tokenID, prevRefreshHash, newAccessHash, newRefreshHash string, newExpiresAt, newRefreshExpiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok || t.IsRevoked || t.RefreshTokenHash != prevRefreshHash {
		return false, nil
	}
	t.AccessTokenHash = newAccessHash
	t.RefreshTokenHash = newRefreshHash
	t.ExpiresAt = newExpiresAt
	t.RefreshExpiresAt = newRefreshExpiresAt
	r.tokens[tokenID] = t
	return true, nil
}

func (r *TokenRepository) Revoke(_ context.Context, tokenID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok || t.IsRevoked {
		return nil
	}
	t.IsRevoked = true
	t.RevokedAt = &at
	t.RevocationReason = reason
	r.tokens[tokenID] = t
	return nil
}

func (r *TokenRepository) Children(_ context.Context, tokenID string) ([]models.IssuedToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.IssuedToken
	for _, t := range r.tokens {
		if t.ParentTokenID == tokenID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (r *TokenRepository) Parent(ctx context.Context, tokenID string) (*models.IssuedToken, error) {
	t, err := r.GetByID(ctx, tokenID)
	if err != nil || t == nil || t.ParentTokenID == "" {
		return nil, err
	}
	return r.GetByID(ctx, t.ParentTokenID)
}

// DelegationRepository is an in-memory repository.DelegationRepository.
type DelegationRepository struct {
	mu     sync.RWMutex
	grants map[string]models.DelegationGrant
}

func NewDelegationRepository() *DelegationRepository {
	return &DelegationRepository{grants: make(map[string]models.DelegationGrant)}
}

func (r *DelegationRepository) Create(_ context.Context, g *models.DelegationGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[g.GrantID] = *g
	return nil
}

func (r *DelegationRepository) Get(_ context.Context, grantID string) (*models.DelegationGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.grants[grantID]; ok {
		cp := g
		return &cp, nil
	}
	return nil, nil
}

func (r *DelegationRepository) ListForPrincipal(_ context.Context, principalID string) ([]models.DelegationGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.DelegationGrant
	for _, g := range r.grants {
		if g.PrincipalID == principalID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantID < out[j].GrantID })
	return out, nil
}

func (r *DelegationRepository) Revoke(_ context.Context, grantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[grantID]
	if !ok {
		return nil
	}
	g.Revoked = true
	r.grants[grantID] = g
	return nil
}

// AuditRepository is an in-memory repository.AuditRepository.
type AuditRepository struct {
	mu      sync.Mutex
	records []models.AuditRecord

	// FailAppends makes every Append return an error, for tests asserting
	// that audit failures never propagate to the caller.
	FailAppends bool
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

type appendError struct{}

func (appendError) Error() string { return "audit append failed" }

func (r *AuditRepository) Append(_ context.Context, rec *models.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAppends {
		return appendError{}
	}
	r.records = append(r.records, *rec)
	return nil
}

// Records returns a snapshot of everything appended so far.
func (r *AuditRepository) Records() []models.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditRecord(nil), r.records...)
}
