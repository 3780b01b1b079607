package signing

import (
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims mirrors spec §4.8.5's access-token claim set exactly.
type Claims struct {
	TokenID               string
	ClientID              string
	Issuer                string
	Audience              string
	IssuedAt              time.Time
	NotBefore             time.Time
	ExpiresAt             time.Time
	Scope                 []string
	GrantedTools          []string
	TaskID                string
	ParentTaskID          string
	ParentTokenID         string
	DelegatorSub          string
	AgentType             string
	AgentModel            string
	AgentProvider         string
	AgentInstanceID       string
	AgentTrustLevel       string
	AgentCapabilities     []string
	DelegationChain       []string
	DelegationPurpose     string
	DelegationConstraints map[string]any
	LaunchReason          string
}

// Mint signs an access token as a compact RS256 JWS, using the provider's
// current active key. The kid header lets introspect's verify step (spec
// §4.8.6 step 2) select the right public key without trying every key in
// the set.
func Mint(kp *KeyProvider, c Claims) (string, error) {
	key, kid, err := kp.ActiveKey()
	if err != nil {
		return "", err
	}

	b := jwt.NewBuilder().
		JwtID(c.TokenID).
		Subject(c.ClientID).
		IssuedAt(c.IssuedAt).
		NotBefore(c.NotBefore).
		Expiration(c.ExpiresAt).
		Claim("scope", strings.Join(c.Scope, " ")).
		Claim("granted_tools", c.GrantedTools).
		Claim("task_id", c.TaskID)

	if c.Issuer != "" {
		b = b.Issuer(c.Issuer)
	}
	if c.Audience != "" {
		b = b.Audience([]string{c.Audience})
	}
	if c.ParentTaskID != "" {
		b = b.Claim("parent_task_id", c.ParentTaskID)
	}
	if c.ParentTokenID != "" {
		b = b.Claim("parent_token_id", c.ParentTokenID)
	}
	if c.DelegatorSub != "" {
		b = b.Claim("delegator_sub", c.DelegatorSub)
	}
	if c.AgentType != "" {
		b = b.Claim("agent_type", c.AgentType)
	}
	if c.AgentModel != "" {
		b = b.Claim("agent_model", c.AgentModel)
	}
	if c.AgentProvider != "" {
		b = b.Claim("agent_provider", c.AgentProvider)
	}
	if c.AgentInstanceID != "" {
		b = b.Claim("agent_instance_id", c.AgentInstanceID)
	}
	if c.AgentTrustLevel != "" {
		b = b.Claim("agent_trust_level", c.AgentTrustLevel)
	}
	if len(c.AgentCapabilities) > 0 {
		b = b.Claim("agent_capabilities", c.AgentCapabilities)
	}
	if len(c.DelegationChain) > 0 {
		b = b.Claim("delegation_chain", c.DelegationChain)
	}
	if c.DelegationPurpose != "" {
		b = b.Claim("delegation_purpose", c.DelegationPurpose)
	}
	if len(c.DelegationConstraints) > 0 {
		b = b.Claim("delegation_constraints", c.DelegationConstraints)
	}
	if c.LaunchReason != "" {
		b = b.Claim("launch_reason", c.LaunchReason)
	}

	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("building jwt: %w", err)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, kid); err != nil {
		return "", fmt.Errorf("setting kid header: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key, jwt.WithHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return string(signed), nil
}

// VerifyOptions bounds the clock-skew tolerance a caller may request (spec
// §4.8.6 step 3, §9 "Clock-skew tolerance"). Parse caps MaxSkew at a fixed
// 30s; zero, negative, or larger values become 30s, and nbf/iat checks stay
// on.
type VerifyOptions struct {
	MaxSkew time.Duration
}

// Parse verifies a compact JWS against keyset and returns the decoded
// jwt.Token, or an error if the lexical shape, signature, or standard
// claims fail.
func Parse(tokenString string, keyset jwk.Set, opts VerifyOptions) (jwt.Token, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, fmt.Errorf("malformed token: expected three segments")
	}
	skew := opts.MaxSkew
	if skew <= 0 || skew > 30*time.Second {
		skew = 30 * time.Second
	}
	tok, err := jwt.Parse([]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(skew),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing/verifying jwt: %w", err)
	}
	return tok, nil
}

// StringSliceClaim reads a claim that may be stored as []string or []any.
func StringSliceClaim(tok jwt.Token, name string) []string {
	raw, ok := tok.Get(name)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StringClaim reads a string claim, returning "" if absent or mistyped.
func StringClaim(tok jwt.Token, name string) string {
	raw, ok := tok.Get(name)
	if !ok {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return ""
}
