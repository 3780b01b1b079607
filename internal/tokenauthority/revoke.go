package tokenauthority

import (
	"context"

	"github.com/agentictrust/tokenauthority/internal/models"
)

// RevokeRequest is the input to the revocation endpoint (spec §4.8.7,
// modeled on RFC 7009's revoke contract plus the cascade extension of spec
// §4.6).
type RevokeRequest struct {
	ClientID       string
	Token          string
	TokenTypeHint  string // "access_token" or "refresh_token"; advisory only
	RevokeChildren bool
}

// Revoke implements spec §4.8.7: locate the token by either its refresh
// hash or (via introspection) its access-token jti, mark it revoked, and —
// if RevokeChildren is set — cascade the revocation to every descendant
// (spec §4.6). Per RFC 7009, revoking a token the server does not recognize
// is not an error: the endpoint returns success either way.
func (a *Authority) Revoke(ctx context.Context, req RevokeRequest) error {
	tok := a.lookupForRevoke(ctx, req)
	if tok == nil {
		return nil
	}

	if err := a.tokens.Revoke(ctx, tok.TokenID, "revoked via /api/oauth/revoke"); err != nil {
		return err
	}
	if req.RevokeChildren {
		if err := a.tokens.CascadeRevoke(ctx, tok.TokenID); err != nil {
			return err
		}
	}

	a.sink.Append(ctx, models.AuditRecord{
		Kind:      models.AuditKindToken,
		ClientID:  tok.ClientID,
		TokenID:   tok.TokenID,
		TaskID:    tok.TaskID,
		EventType: "revoked",
		Status:    models.AuditSuccess,
		Details:   map[string]any{"revoke_children": req.RevokeChildren},
	})
	return nil
}

func (a *Authority) lookupForRevoke(ctx context.Context, req RevokeRequest) *models.IssuedToken {
	if req.TokenTypeHint != "access_token" {
		if t, err := a.tokens.FindByRefreshHash(ctx, req.ClientID, hashOpaqueToken(req.Token)); err == nil && t != nil {
			return t
		}
	}
	if result, err := a.Introspect(ctx, req.Token, IntrospectOptions{}); err == nil && result.Token != nil {
		return result.Token
	}
	if req.TokenTypeHint == "access_token" {
		if t, err := a.tokens.FindByRefreshHash(ctx, req.ClientID, hashOpaqueToken(req.Token)); err == nil && t != nil {
			return t
		}
	}
	return nil
}
