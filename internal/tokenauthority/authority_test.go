package tokenauthority

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/audit"
	"github.com/agentictrust/tokenauthority/internal/codestore"
	"github.com/agentictrust/tokenauthority/internal/delegation"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/policy"
	"github.com/agentictrust/tokenauthority/internal/policygateway"
	"github.com/agentictrust/tokenauthority/internal/repository/memory"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"github.com/agentictrust/tokenauthority/internal/signing"
	"github.com/agentictrust/tokenauthority/internal/tokenstore"
	"golang.org/x/crypto/bcrypt"
)

// RFC 7636 appendix B test vector, reused as the seed PKCE pair.
const (
	s256Verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	s256Challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

const clientSecret = "s3cret-value"

type fixture struct {
	authority   *Authority
	agents      *memory.AgentRepository
	tokens      *memory.TokenRepository
	delegations *delegation.Engine
	store       *tokenstore.Store
}

func newFixture(t *testing.T, expansion policy.ExpansionPolicy) *fixture {
	t.Helper()

	agentRepo := memory.NewAgentRepository()
	tokenRepo := memory.NewTokenRepository()
	codeRepo := memory.NewCodeRepository()
	delegationRepo := memory.NewDelegationRepository()
	policyRepo := memory.NewPolicyRepository()
	scopeRepo := memory.NewScopeRepository()

	sink := audit.NewSink(memory.NewAuditRepository())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		sink.Close(ctx)
		cancel()
	})

	keys, err := signing.NewKeyProvider()
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}

	store := tokenstore.New(tokenRepo)
	delegations := delegation.New(delegationRepo, sink)
	authority := New(
		Config{
			Issuer:               "https://auth.test",
			AccessTokenExpiry:    3 * time.Minute,
			RefreshTokenExpiry:   7 * 24 * time.Hour,
			AuthorizationCodeTTL: 10 * time.Minute,
			SystemClientIDs:      map[string]bool{"system-client": true},
		},
		scope.New(scopeRepo, nil),
		policy.New(policyRepo, expansion),
		policygateway.New(policygateway.Config{Enabled: false}, nil),
		codestore.New(codeRepo),
		store,
		delegations,
		agentRepo,
		memory.NewToolRepository(),
		sink,
		keys,
	)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing secret: %v", err)
	}
	for _, id := range []string{"client-1", "client-2", "system-client"} {
		if err := agentRepo.Create(context.Background(), &models.Agent{
			ClientID:         id,
			ClientSecretHash: string(secretHash),
			AgentName:        id,
			IsActive:         true,
		}); err != nil {
			t.Fatalf("seeding agent: %v", err)
		}
	}

	return &fixture{authority: authority, agents: agentRepo, tokens: tokenRepo, delegations: delegations, store: store}
}

func (f *fixture) clientCredentials(t *testing.T, mutate func(*ClientCredentialsRequest)) *TokenResponse {
	t.Helper()
	req := ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"read:web"},
		CodeChallenge:       "refresh-verifier",
		CodeChallengeMethod: models.PKCEPlain,
	}
	if mutate != nil {
		mutate(&req)
	}
	resp, err := f.authority.ClientCredentials(context.Background(), req)
	if err != nil {
		t.Fatalf("client credentials: %v", err)
	}
	return resp
}

func assertCode(t *testing.T, err error, want apperr.Code) *apperr.Error {
	t.Helper()
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("error %v (%T) does not carry an OAuth code", err, err)
	}
	if ae.Code != want {
		t.Fatalf("code = %s, want %s (err: %v)", ae.Code, want, err)
	}
	return ae
}

func TestAuthorizeExchange_PKCES256HappyPathThenReplay(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	result, err := f.authority.Authorize(ctx, AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "client-1",
		RedirectURI:         "https://app.test/cb?keep=me",
		Scope:               []string{"read:web"},
		State:               "st-123",
		CodeChallenge:       s256Challenge,
		CodeChallengeMethod: models.PKCES256,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if result.ConsentRequired {
		t.Fatal("no consent policy configured; expected a redirect")
	}

	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("parsing redirect: %v", err)
	}
	q := u.Query()
	if q.Get("keep") != "me" {
		t.Error("existing query parameters must be preserved")
	}
	if q.Get("state") != "st-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	code := q.Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}

	resp, err := f.authority.ExchangeCode(ctx, ExchangeRequest{
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  "https://app.test/cb?keep=me",
		CodeVerifier: s256Verifier,
		LaunchReason: models.LaunchUserInteractive,
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("token response missing token material")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q", resp.TokenType)
	}
	if resp.Scope != "read:web" {
		t.Errorf("scope = %q", resp.Scope)
	}

	intro, err := f.authority.Introspect(ctx, resp.AccessToken, IntrospectOptions{})
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if !intro.Active {
		t.Fatal("freshly issued token must be active")
	}

	_, err = f.authority.ExchangeCode(ctx, ExchangeRequest{
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  "https://app.test/cb?keep=me",
		CodeVerifier: s256Verifier,
		LaunchReason: models.LaunchUserInteractive,
	})
	assertCode(t, err, apperr.InvalidGrant)
}

func TestExchange_WrongVerifierRejected(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	result, err := f.authority.Authorize(ctx, AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "client-1",
		RedirectURI:         "https://app.test/cb",
		CodeChallenge:       s256Challenge,
		CodeChallengeMethod: models.PKCES256,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	u, _ := url.Parse(result.RedirectURL)
	code := u.Query().Get("code")

	_, err = f.authority.ExchangeCode(ctx, ExchangeRequest{
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "definitely-not-the-verifier",
		LaunchReason: models.LaunchUserInteractive,
	})
	assertCode(t, err, apperr.InvalidGrant)
}

func TestAuthorize_InputValidation(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	base := AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "client-1",
		RedirectURI:         "https://app.test/cb",
		CodeChallenge:       s256Challenge,
		CodeChallengeMethod: models.PKCES256,
	}

	cases := []struct {
		name   string
		mutate func(*AuthorizeRequest)
		want   apperr.Code
	}{
		{"wrong response type", func(r *AuthorizeRequest) { r.ResponseType = "token" }, apperr.UnsupportedResponse},
		{"missing challenge", func(r *AuthorizeRequest) { r.CodeChallenge = "" }, apperr.InvalidRequest},
		{"bad method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "S512" }, apperr.InvalidRequest},
		{"missing redirect", func(r *AuthorizeRequest) { r.RedirectURI = "" }, apperr.InvalidRequest},
		{"unknown client", func(r *AuthorizeRequest) { r.ClientID = "ghost" }, apperr.InvalidClient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.authority.Authorize(ctx, req)
			assertCode(t, err, tc.want)
		})
	}
}

func TestClientCredentials_BadSecretRejected(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})

	_, err := f.authority.ClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        "wrong",
		Scope:               []string{"read:web"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
	})
	assertCode(t, err, apperr.InvalidClient)
}

func TestScopeInheritance_DeniedWithoutExpansionRule(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})

	parent := f.clientCredentials(t, nil) // scope read:web

	_, err := f.authority.ClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"write:web"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		ParentToken:         parent.AccessToken,
	})
	ae := assertCode(t, err, apperr.InvalidScope)

	requested, _ := ae.Details["requested_scopes"].([]string)
	available, _ := ae.Details["available_parent_scopes"].([]string)
	exceeded, _ := ae.Details["exceeded_scopes"].([]string)
	if len(requested) != 1 || requested[0] != "write:web" {
		t.Errorf("requested_scopes = %v", ae.Details["requested_scopes"])
	}
	if len(available) != 1 || available[0] != "read:web" {
		t.Errorf("available_parent_scopes = %v", ae.Details["available_parent_scopes"])
	}
	if len(exceeded) != 1 || exceeded[0] != "write:web" {
		t.Errorf("exceeded_scopes = %v", ae.Details["exceeded_scopes"])
	}
}

func TestScopeInheritance_AllowedViaExpansionPolicy(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{
		Global: policy.GlobalExpansionPolicy{
			AllowedPatterns: []policy.PatternRule{{RequiredScope: "read:web", AllowedExpansion: "write:web"}},
		},
	})

	parent := f.clientCredentials(t, nil)

	child, err := f.authority.ClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"write:web"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		ParentToken:         parent.AccessToken,
	})
	if err != nil {
		t.Fatalf("expansion-covered child grant: %v", err)
	}
	if child.Scope != "write:web" {
		t.Errorf("scope = %q, want write:web", child.Scope)
	}
	if child.ParentTaskID != parent.TaskID {
		t.Errorf("parent_task_id = %q, want parent's task %q", child.ParentTaskID, parent.TaskID)
	}
}

func TestGrantedTools_NeverExceedParent(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	f.agents.BindTools("client-1", "search_web", "send_email")

	parent := f.clientCredentials(t, func(r *ClientCredentialsRequest) {
		r.RequiredTools = []string{"search_web"}
	})

	_, err := f.authority.ClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"read:web"},
		RequiredTools:       []string{"search_web", "send_email"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		ParentToken:         parent.AccessToken,
	})
	assertCode(t, err, apperr.AccessDenied)
}

func TestGrantedTools_IntersectedWithAgentBindings(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	f.agents.BindTools("client-1", "search_web")

	resp := f.clientCredentials(t, func(r *ClientCredentialsRequest) {
		r.RequiredTools = []string{"search_web", "unbound_tool"}
	})
	if len(resp.GrantedTools) != 1 || resp.GrantedTools[0] != "search_web" {
		t.Errorf("granted_tools = %v, want [search_web]", resp.GrantedTools)
	}
}

func TestCascadeRevocation_GrandchildrenRevoked(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	a := f.clientCredentials(t, nil)
	b := f.clientCredentials(t, func(r *ClientCredentialsRequest) { r.ParentToken = a.AccessToken })
	c := f.clientCredentials(t, func(r *ClientCredentialsRequest) { r.ParentToken = b.AccessToken })

	if err := f.authority.Revoke(ctx, RevokeRequest{
		ClientID:       "client-1",
		Token:          a.AccessToken,
		TokenTypeHint:  "access_token",
		RevokeChildren: true,
	}); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	for name, tok := range map[string]*TokenResponse{"B": b, "C": c} {
		intro, err := f.authority.Introspect(ctx, tok.AccessToken, IntrospectOptions{})
		if err != nil {
			t.Fatalf("introspect %s: %v", name, err)
		}
		if intro.Active {
			t.Errorf("token %s still active after cascade revoke", name)
		}
		if intro.Token == nil {
			t.Fatalf("token %s record missing", name)
		}
		if !strings.HasPrefix(intro.Token.RevocationReason, "parent token revoked") {
			t.Errorf("token %s reason = %q", name, intro.Token.RevocationReason)
		}
	}
}

func TestRevoke_UnknownTokenIsNotAnError(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	if err := f.authority.Revoke(context.Background(), RevokeRequest{Token: "nonsense"}); err != nil {
		t.Fatalf("revoking an unknown token must succeed per RFC 7009, got %v", err)
	}
}

func TestVerifyTokenChain_ClassifiesParents(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	a := f.clientCredentials(t, nil)
	b := f.clientCredentials(t, func(r *ClientCredentialsRequest) { r.ParentToken = a.AccessToken })
	tt := f.clientCredentials(t, func(r *ClientCredentialsRequest) { r.ParentToken = b.AccessToken })
	unrelated := f.clientCredentials(t, nil)

	lookup := func(resp *TokenResponse) *models.IssuedToken {
		intro, err := f.authority.Introspect(ctx, resp.AccessToken, IntrospectOptions{})
		if err != nil || !intro.Active {
			t.Fatalf("introspect: active=%v err=%v", intro != nil && intro.Active, err)
		}
		return intro.Token
	}

	tokenT, tokenB, tokenA, tokenU := lookup(tt), lookup(b), lookup(a), lookup(unrelated)

	results, ok := f.authority.VerifyTokenChain(ctx, tokenT, []ParentAssertion{{Token: tokenB}, {Token: tokenA}})
	if !ok {
		t.Fatalf("chain should verify, results: %+v", results)
	}
	if !results[0].IsDirectParent || results[0].IsAncestor {
		t.Errorf("first claim should be the direct parent: %+v", results[0])
	}
	if !results[1].IsAncestor || results[1].IsDirectParent {
		t.Errorf("second claim should be an ancestor: %+v", results[1])
	}

	results, ok = f.authority.VerifyTokenChain(ctx, tokenT, []ParentAssertion{{Token: tokenU}})
	if ok {
		t.Fatal("an unrelated token must fail the chain")
	}
	if results[0].Reason != "not_in_chain" {
		t.Errorf("reason = %q, want not_in_chain", results[0].Reason)
	}

	results, ok = f.authority.VerifyTokenChain(ctx, tokenT, []ParentAssertion{{Token: tokenB, TaskID: "not-its-task"}})
	if ok {
		t.Fatal("a task_id mismatch must fail the chain")
	}
	if results[0].Reason != "task_id_mismatch" {
		t.Errorf("reason = %q, want task_id_mismatch", results[0].Reason)
	}
}

func TestVerifyTaskLineage(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	a := f.clientCredentials(t, nil)
	b := f.clientCredentials(t, func(r *ClientCredentialsRequest) { r.ParentToken = a.AccessToken })

	introA, _ := f.authority.Introspect(ctx, a.AccessToken, IntrospectOptions{})
	introB, _ := f.authority.Introspect(ctx, b.AccessToken, IntrospectOptions{})
	tokenA, tokenB := introA.Token, introB.Token

	if !f.authority.VerifyTaskLineage(ctx, tokenB, tokenA, "", "") {
		t.Error("direct parent lineage should verify")
	}
	if !f.authority.VerifyTaskLineage(ctx, tokenB, nil, tokenB.TaskID, tokenA.TaskID) {
		t.Error("task-id assertions should verify")
	}
	if f.authority.VerifyTaskLineage(ctx, tokenB, nil, "", "some-other-task") {
		t.Error("wrong parent_task_id must fail")
	}
	if f.authority.VerifyTaskLineage(ctx, tokenA, tokenB, "", "") {
		t.Error("a root token must reject a claimed parent")
	}
	if !f.authority.VerifyTaskLineage(ctx, tokenA, nil, "", "") {
		t.Error("no assertions: a valid token should pass")
	}
}

func TestDelegationGrant_ClientCredentialsFlow(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	g, err := f.delegations.CreateGrant(ctx, delegation.CreateGrantInput{
		PrincipalType: models.PrincipalUser,
		PrincipalID:   "user-1",
		DelegateID:    "client-1",
		Scope:         []string{"read:x", "write:x"},
		MaxDepth:      1,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}

	resp, err := f.authority.ClientCredentials(ctx, ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"read:x"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		DelegationGrantID:   g.GrantID,
	})
	if err != nil {
		t.Fatalf("delegated grant: %v", err)
	}
	if resp.Scope != "read:x" {
		t.Errorf("scope = %q", resp.Scope)
	}

	intro, err := f.authority.Introspect(ctx, resp.AccessToken, IntrospectOptions{})
	if err != nil || !intro.Active {
		t.Fatalf("introspect: active=%v err=%v", intro != nil && intro.Active, err)
	}
	if intro.Token.DelegatorSub != "user-1" {
		t.Errorf("delegator_sub = %q, want user-1", intro.Token.DelegatorSub)
	}
	if got, _ := intro.Claims["delegator_sub"].(string); got != "user-1" {
		t.Errorf("delegator_sub claim = %q, want user-1", got)
	}

	_, err = f.authority.ClientCredentials(ctx, ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"admin:x"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		DelegationGrantID:   g.GrantID,
	})
	assertCode(t, err, apperr.InvalidScope)

	if err := f.delegations.RevokeGrant(ctx, g.GrantID, "user-1"); err != nil {
		t.Fatalf("revoke grant: %v", err)
	}
	_, err = f.authority.ClientCredentials(ctx, ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"read:x"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		DelegationGrantID:   g.GrantID,
	})
	assertCode(t, err, apperr.InvalidGrant)
}

func TestRefresh_RotationAndReplay(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	orig := f.clientCredentials(t, nil) // PLAIN challenge "refresh-verifier"

	rotated, err := f.authority.Refresh(ctx, RefreshRequest{
		ClientID:     "client-1",
		RefreshToken: orig.RefreshToken,
		CodeVerifier: "refresh-verifier",
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.AccessToken == orig.AccessToken || rotated.RefreshToken == orig.RefreshToken {
		t.Fatal("rotation must produce fresh token material")
	}
	if rotated.TaskID != orig.TaskID {
		t.Errorf("task_id changed across rotation: %q -> %q", orig.TaskID, rotated.TaskID)
	}

	// token_id is stable across rotation: the new access token resolves to
	// the same record.
	intro, err := f.authority.Introspect(ctx, rotated.AccessToken, IntrospectOptions{})
	if err != nil || !intro.Active {
		t.Fatalf("introspect rotated: active=%v err=%v", intro != nil && intro.Active, err)
	}

	// The consumed refresh token loses.
	_, err = f.authority.Refresh(ctx, RefreshRequest{
		ClientID:     "client-1",
		RefreshToken: orig.RefreshToken,
		CodeVerifier: "refresh-verifier",
	})
	assertCode(t, err, apperr.InvalidGrant)

	// The rotated refresh token works.
	if _, err := f.authority.Refresh(ctx, RefreshRequest{
		ClientID:     "client-1",
		RefreshToken: rotated.RefreshToken,
		CodeVerifier: "refresh-verifier",
	}); err != nil {
		t.Fatalf("refresh with rotated token: %v", err)
	}
}

func TestRefresh_PKCEAndScopeRules(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	orig := f.clientCredentials(t, func(r *ClientCredentialsRequest) {
		r.Scope = []string{"read:web", "write:web"}
	})

	_, err := f.authority.Refresh(ctx, RefreshRequest{
		ClientID:     "client-1",
		RefreshToken: orig.RefreshToken,
		CodeVerifier: "wrong-verifier",
	})
	assertCode(t, err, apperr.InvalidGrant)

	_, err = f.authority.Refresh(ctx, RefreshRequest{
		ClientID:     "client-1",
		RefreshToken: orig.RefreshToken,
		CodeVerifier: "refresh-verifier",
		Scope:        []string{"read:web", "admin:web"},
	})
	assertCode(t, err, apperr.InvalidScope)

	narrowed, err := f.authority.Refresh(ctx, RefreshRequest{
		ClientID:     "client-1",
		RefreshToken: orig.RefreshToken,
		CodeVerifier: "refresh-verifier",
		Scope:        []string{"read:web"},
	})
	if err != nil {
		t.Fatalf("narrowing refresh: %v", err)
	}
	if narrowed.Scope != "read:web" {
		t.Errorf("scope = %q, want read:web", narrowed.Scope)
	}
}

func TestRefresh_RevokedTokenRejected(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	orig := f.clientCredentials(t, nil)
	if err := f.authority.Revoke(ctx, RevokeRequest{ClientID: "client-1", Token: orig.RefreshToken}); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err := f.authority.Refresh(ctx, RefreshRequest{
		ClientID:     "client-1",
		RefreshToken: orig.RefreshToken,
		CodeVerifier: "refresh-verifier",
	})
	assertCode(t, err, apperr.InvalidGrant)
}

func TestIntrospect_RevokedAndGarbageTokensInactive(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	resp := f.clientCredentials(t, nil)
	if err := f.authority.Revoke(ctx, RevokeRequest{ClientID: "client-1", Token: resp.AccessToken, TokenTypeHint: "access_token"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	intro, err := f.authority.Introspect(ctx, resp.AccessToken, IntrospectOptions{})
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if intro.Active {
		t.Fatal("revoked token must be inactive")
	}

	intro, err = f.authority.Introspect(ctx, "not.a.jwt", IntrospectOptions{})
	if err != nil {
		t.Fatalf("introspect garbage: %v", err)
	}
	if intro.Active {
		t.Fatal("garbage must be inactive")
	}
}

func TestLaunchReason_SystemJobRestrictedToAllowlist(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	result, err := f.authority.Authorize(ctx, AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "client-1",
		RedirectURI:         "https://app.test/cb",
		CodeChallenge:       s256Challenge,
		CodeChallengeMethod: models.PKCES256,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	u, _ := url.Parse(result.RedirectURL)
	code := u.Query().Get("code")

	_, err = f.authority.ExchangeCode(ctx, ExchangeRequest{
		ClientID:     "client-1",
		Code:         code,
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: s256Verifier,
		LaunchReason: models.LaunchSystemJob,
	})
	assertCode(t, err, apperr.UnauthorizedClient)
}

func TestMultiParent_ParentTokensMustBeAncestorsOfAnchor(t *testing.T) {
	f := newFixture(t, policy.ExpansionPolicy{})
	ctx := context.Background()

	a := f.clientCredentials(t, nil)
	b := f.clientCredentials(t, func(r *ClientCredentialsRequest) { r.ParentToken = a.AccessToken })

	// parent_token anchors the lineage; parent_tokens assert ancestry.
	resp, err := f.authority.ClientCredentials(ctx, ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"read:web"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		ParentToken:         b.AccessToken,
		ParentTokens:        []string{a.AccessToken},
	})
	if err != nil {
		t.Fatalf("multi-parent grant: %v", err)
	}
	if resp.ParentTokenID == "" {
		t.Error("expected parent linkage on the issued token")
	}

	unrelated := f.clientCredentials(t, nil)
	_, err = f.authority.ClientCredentials(ctx, ClientCredentialsRequest{
		ClientID:            "client-1",
		ClientSecret:        clientSecret,
		Scope:               []string{"read:web"},
		CodeChallenge:       "x",
		CodeChallengeMethod: models.PKCEPlain,
		ParentToken:         b.AccessToken,
		ParentTokens:        []string{unrelated.AccessToken},
	})
	assertCode(t, err, apperr.InvalidGrant)
}
