// Package policy implements the Policy Engine (C3): deterministic
// condition-tree evaluation with priority ordering and deny-overrides, the
// consent-required check, and scope-expansion policy enforcement.
package policy

import (
	"context"

	"github.com/agentictrust/tokenauthority/internal/condition"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
)

// Decision is the outcome of evaluate(context) per spec §4.3.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionNone  Decision = "none"
)

// Result carries the matched-policy IDs alongside the decision, so callers
// can report denied_by for the access_denied error body.
type Result struct {
	Allowed  bool
	Decision Decision
	Matched  []string
	DeniedBy string
}

// Engine is the ABAC policy engine (C3).
type Engine struct {
	repo      repository.PolicyRepository
	expansion ExpansionPolicy
}

// New builds a policy engine against a repository and a scope-expansion
// policy document (spec §4.3, loaded from SCOPE_EXPANSION_POLICY config).
func New(repo repository.PolicyRepository, expansion ExpansionPolicy) *Engine {
	return &Engine{repo: repo, expansion: expansion}
}

// Evaluate runs the priority-ordered, deny-overrides algorithm of spec
// §4.3 against every active policy.
func (e *Engine) Evaluate(ctx context.Context, attrCtx map[string]any) (Result, error) {
	return e.evaluateByEffect(ctx, attrCtx, nil)
}

// RequiresHumanApproval runs the same engine restricted to
// effect=consent_required policies (spec §4.3).
func (e *Engine) RequiresHumanApproval(ctx context.Context, attrCtx map[string]any) (bool, error) {
	effect := models.EffectConsentRequired
	res, err := e.evaluateByEffect(ctx, attrCtx, &effect)
	if err != nil {
		return false, err
	}
	return len(res.Matched) > 0, nil
}

// evaluateByEffect implements spec §4.3's algorithm: fetch active policies
// ascending by priority, evaluate each via C1, collect matches; any matched
// deny policy stops evaluation and wins regardless of priority ties
// (deny-overrides). When effectFilter is non-nil, only policies with that
// effect are considered (used by RequiresHumanApproval).
func (e *Engine) evaluateByEffect(ctx context.Context, attrCtx map[string]any, effectFilter *models.PolicyEffect) (Result, error) {
	policies, err := e.repo.ListActiveOrderedByPriority(ctx)
	if err != nil {
		return Result{}, err
	}

	var matched []string
	var deniedBy string
	for _, p := range policies {
		if effectFilter != nil && p.Effect != *effectFilter {
			continue
		}
		if !condition.EvaluateConditions(p.Conditions, attrCtx) {
			continue
		}
		matched = append(matched, p.ID)
		if p.Effect == models.EffectDeny {
			deniedBy = p.ID
			break
		}
	}

	if deniedBy != "" {
		return Result{Allowed: false, Decision: DecisionDeny, Matched: matched, DeniedBy: deniedBy}, nil
	}
	if len(matched) > 0 {
		return Result{Allowed: true, Decision: DecisionAllow, Matched: matched}, nil
	}
	return Result{Allowed: false, Decision: DecisionNone, Matched: matched}, nil
}

func (e *Engine) Create(ctx context.Context, p *models.Policy) error { return e.repo.Create(ctx, p) }
func (e *Engine) Get(ctx context.Context, id string) (*models.Policy, error) {
	return e.repo.Get(ctx, id)
}
func (e *Engine) Update(ctx context.Context, p *models.Policy) error { return e.repo.Update(ctx, p) }
func (e *Engine) Delete(ctx context.Context, id string) error        { return e.repo.Delete(ctx, id) }
func (e *Engine) List(ctx context.Context, filters *repository.PolicyFilters) ([]models.Policy, error) {
	return e.repo.List(ctx, filters)
}

// IsScopeExpansionAllowed consults the expansion policy document (spec
// §4.3): client-specific rules take precedence over the global section;
// default is deny. exceeded is the set of scopes the child requested beyond
// the parent's scope; parentScopes is the parent token's full scope set.
func (e *Engine) IsScopeExpansionAllowed(exceeded, parentScopes []string, clientID, parentClientID string) bool {
	return e.expansion.Allows(exceeded, parentScopes, clientID, parentClientID)
}
