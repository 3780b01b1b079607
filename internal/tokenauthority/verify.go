package tokenauthority

import (
	"context"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"github.com/agentictrust/tokenauthority/internal/signing"
)

// IntrospectOptions carries the caller-supplied clock-skew tolerance (spec
// §4.8.6 step 3, §9).
type IntrospectOptions struct {
	MaxSkew time.Duration
}

// IntrospectResult is the outcome of introspect() (spec §4.8.6).
type IntrospectResult struct {
	Active bool
	Token  *models.IssuedToken
	Claims map[string]any
}

// Introspect implements spec §4.8.6's five-step algorithm.
func (a *Authority) Introspect(ctx context.Context, accessTokenString string, opts IntrospectOptions) (*IntrospectResult, error) {
	keyset, err := a.keys.PublicSet(ctx)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "loading verification keys")
	}

	tok, err := signing.Parse(accessTokenString, keyset, signing.VerifyOptions{MaxSkew: opts.MaxSkew})
	if err != nil {
		return &IntrospectResult{Active: false}, nil
	}

	tokenID := tok.JwtID()
	if tokenID == "" {
		return &IntrospectResult{Active: false}, nil
	}

	stored, err := a.tokens.GetByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return &IntrospectResult{Active: false}, nil
	}
	if !stored.IsValid(time.Now().UTC()) {
		return &IntrospectResult{Active: false, Token: stored}, nil
	}

	// Step 5: the hash check is a defense-in-depth anchor, not
	// authoritative (spec §4.8.6 step 5 / §9 "JWT vs DB hash dual
	// verification"). A JWT with a valid signature and a live jti is
	// honored even if access_token_hash happens to mismatch.
	claims, err := tok.AsMap(ctx)
	if err != nil {
		claims = map[string]any{}
	}

	a.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindToken,
		ClientID:  stored.ClientID,
		TokenID:   stored.TokenID,
		TaskID:    stored.TaskID,
		EventType: "verification",
		Status:    models.AuditSuccess,
	})

	return &IntrospectResult{Active: true, Token: stored, Claims: claims}, nil
}

// VerifyTaskLineage implements spec §4.8.6's verify_task_lineage.
// parentToken/taskID/parentTaskID are optional assertions; a nil
// parentToken with a non-empty parentTaskID/taskID still checks those
// fields individually.
func (a *Authority) VerifyTaskLineage(ctx context.Context, token *models.IssuedToken, parentToken *models.IssuedToken, taskID, parentTaskID string) bool {
	if parentToken == nil && taskID == "" && parentTaskID == "" {
		return token.IsValid(time.Now().UTC())
	}
	if (parentToken != nil || parentTaskID != "") && token.ParentTokenID == "" && token.ParentTaskID == "" {
		a.lineageMismatch(ctx, token, "parent_token_id")
		return false
	}
	if parentToken != nil {
		if token.ParentTokenID != parentToken.TokenID || token.ParentTaskID != parentToken.TaskID {
			a.lineageMismatch(ctx, token, "parent_token_id")
			return false
		}
	}
	if parentToken == nil && parentTaskID != "" {
		if token.ParentTaskID != parentTaskID {
			a.lineageMismatch(ctx, token, "parent_task_id")
			return false
		}
	}
	if taskID != "" && token.TaskID != taskID {
		a.lineageMismatch(ctx, token, "task_id")
		return false
	}
	return true
}

func (a *Authority) lineageMismatch(ctx context.Context, token *models.IssuedToken, field string) {
	a.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindToken,
		ClientID:  token.ClientID,
		TokenID:   token.TokenID,
		TaskID:    token.TaskID,
		EventType: "verification",
		Status:    models.AuditDenied,
		Details:   map[string]any{"mismatched_field": field},
	})
}

// VerifyScopeInheritance implements spec §4.8.6's verify_scope_inheritance.
func (a *Authority) VerifyScopeInheritance(token, parentToken *models.IssuedToken, checkExpansions bool) bool {
	if scope.Subset(token.Scope, parentToken.Scope) {
		return true
	}
	if !checkExpansions {
		return false
	}
	exceeded := scope.Difference(token.Scope, parentToken.Scope)
	return a.policies.IsScopeExpansionAllowed(exceeded, parentToken.Scope, token.ClientID, parentToken.ClientID)
}

// ParentAssertion is one claimed parent in a multi-parent chain-validation
// request (spec §4.8.6 "Multi-parent chain").
type ParentAssertion struct {
	Token  *models.IssuedToken
	TaskID string
}

// ChainResult describes the classification of one claimed parent.
type ChainResult struct {
	TokenID        string
	IsDirectParent bool
	IsAncestor     bool
	Failed         bool
	Reason         string
}

// VerifyTokenChain implements spec §4.8.6's verify_token_chain: every
// claimed parent must itself be valid, and is classified as direct_parent
// (matches token.parent_token_id) or ancestor (appears walking
// ancestors(token)); anything else fails with not_in_chain. Per spec §9's
// open question on whether every claimed parent must be reachable in the
// ancestry, this implementation requires EACH claimed parent to be
// individually valid AND present in the ancestor chain — the stricter,
// safer reading, recorded in DESIGN.md.
func (a *Authority) VerifyTokenChain(ctx context.Context, token *models.IssuedToken, claims []ParentAssertion) ([]ChainResult, bool) {
	ancestors, err := a.tokens.Ancestors(ctx, token.TokenID, 0)
	if err != nil {
		return nil, false
	}
	ancestorByID := make(map[string]models.IssuedToken, len(ancestors))
	for _, anc := range ancestors {
		if anc.TokenID != token.TokenID {
			ancestorByID[anc.TokenID] = anc
		}
	}

	results := make([]ChainResult, 0, len(claims))
	ok := true
	for _, claim := range claims {
		if claim.Token == nil || !claim.Token.IsValid(time.Now().UTC()) {
			results = append(results, ChainResult{Failed: true, Reason: "invalid_token"})
			ok = false
			continue
		}
		anc, present := ancestorByID[claim.Token.TokenID]
		if !present {
			results = append(results, ChainResult{TokenID: claim.Token.TokenID, Failed: true, Reason: "not_in_chain"})
			ok = false
			continue
		}
		if claim.TaskID != "" && anc.TaskID != claim.TaskID {
			results = append(results, ChainResult{TokenID: claim.Token.TokenID, Failed: true, Reason: "task_id_mismatch"})
			ok = false
			continue
		}
		res := ChainResult{TokenID: claim.Token.TokenID}
		if token.ParentTokenID == claim.Token.TokenID {
			res.IsDirectParent = true
		} else {
			res.IsAncestor = true
		}
		results = append(results, res)
	}
	return results, ok
}
