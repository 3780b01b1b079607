// Package opa provides an embedded Open Policy Agent (rego) evaluator used
// by the Policy Decision Gateway (C4) as its local fallback: when
// ENABLE_OPA_POLICIES is true but no remote decision service (OPA_HOST) is
// configured, decisions are evaluated in-process against a loaded Rego
// bundle instead of degrading straight to the Go-native Policy Engine (C3).
// This lets an operator author/ship OPA bundles for the token authority the
// same way they would for a sidecar OPA server, without requiring one.
package opa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// Engine wraps a prepared Rego query set plus an in-memory data store that
// scope/policy/tool documents get mirrored into (mirroring the remote
// decision service's put_data/delete_data contract, spec §4.4).
type Engine struct {
	mu          sync.RWMutex
	queries     map[string]*rego.PreparedEvalQuery
	store       storage.Store
	initialized bool
}

// Ready reports whether the engine has at least one policy bundle loaded.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// Decision is the boolean result of one embedded-engine rule evaluation,
// shaped the same as the remote decision service's {"result": bool} so the
// gateway can treat both paths identically.
type Decision struct {
	Allow      bool     `json:"allow"`
	Reasons    []string `json:"reasons,omitempty"`
	EvalTimeUs int64    `json:"eval_time_us"`
}

// NewEngine creates an embedded evaluator backed by an in-memory data
// store.
func NewEngine() (*Engine, error) {
	return &Engine{
		queries: make(map[string]*rego.PreparedEvalQuery),
		store:   inmem.New(),
	}, nil
}

// LoadPolicies compiles Rego source files (or directories) under
// data.tokenauthority and prepares the default query.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := rego.New(
		rego.Query("data.tokenauthority"),
		rego.Store(e.store),
		rego.Load(paths, nil),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("preparing embedded policy: %w", err)
	}
	e.queries["default"] = &pq
	e.initialized = true
	return nil
}

// LoadPolicyBundle loads a Rego bundle (tar.gz) in place of loose source
// files.
func (e *Engine) LoadPolicyBundle(ctx context.Context, bundlePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := rego.New(
		rego.Query("data.tokenauthority"),
		rego.Store(e.store),
		rego.LoadBundle(bundlePath),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("loading embedded policy bundle: %w", err)
	}
	e.queries["default"] = &pq
	e.initialized = true
	return nil
}

// maxEmbeddedInputSize bounds the serialized decision input, guarding
// against memory exhaustion from a pathological request.
const maxEmbeddedInputSize = 1 << 20

// Evaluate runs rule against the loaded bundle with the given decision
// input and returns whether it resolved to allow=true. Missing result or a
// missing/uninitialized engine is treated by the caller (policygateway) as
// "no embedded decision available" — it does not itself imply allow.
func (e *Engine) Evaluate(ctx context.Context, rule string, input any) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := time.Now()
	pq, ok := e.queries["default"]
	if !ok || pq == nil {
		return nil, fmt.Errorf("no embedded policy bundle loaded")
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("serializing embedded decision input: %w", err)
	}
	if len(inputJSON) > maxEmbeddedInputSize {
		return nil, fmt.Errorf("embedded decision input exceeds %d bytes", maxEmbeddedInputSize)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("embedded policy evaluation failed: %w", err)
	}

	decision := &Decision{EvalTimeUs: time.Since(start).Microseconds()}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision, nil
	}

	val := results[0].Expressions[0].Value
	obj, ok := val.(map[string]any)
	if !ok {
		return decision, nil
	}
	ruleResult, ok := obj[rule].(map[string]any)
	if !ok {
		return decision, nil
	}
	if allow, ok := ruleResult["allow"].(bool); ok {
		decision.Allow = allow
	}
	if reasons, ok := ruleResult["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				decision.Reasons = append(decision.Reasons, s)
			}
		}
	}
	return decision, nil
}

// UpdateData writes a document into the embedded store at path, mirroring
// the remote decision service's put_data contract (spec §4.4). Used to
// keep the embedded evaluator's view of scopes/policies/tools current.
func (e *Engine) UpdateData(ctx context.Context, path string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	txn, err := e.store.NewTransaction(ctx, storage.WriteParams)
	if err != nil {
		return fmt.Errorf("starting embedded store transaction: %w", err)
	}
	storagePath, ok := storage.ParsePath("/" + path)
	if !ok {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("invalid embedded store path: %s", path)
	}
	if err := e.store.Write(ctx, txn, storage.AddOp, storagePath, data); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("writing embedded store path %s: %w", path, err)
	}
	if err := e.store.Commit(ctx, txn); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("committing embedded store transaction: %w", err)
	}
	return nil
}

// DeleteData removes a document from the embedded store at path.
func (e *Engine) DeleteData(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	txn, err := e.store.NewTransaction(ctx, storage.WriteParams)
	if err != nil {
		return fmt.Errorf("starting embedded store transaction: %w", err)
	}
	storagePath, ok := storage.ParsePath("/" + path)
	if !ok {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("invalid embedded store path: %s", path)
	}
	if err := e.store.Write(ctx, txn, storage.RemoveOp, storagePath, nil); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("removing embedded store path %s: %w", path, err)
	}
	if err := e.store.Commit(ctx, txn); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("committing embedded store transaction: %w", err)
	}
	return nil
}

// DecisionInput is the document passed to an embedded rule evaluation: an
// agent/client identity, the requested scopes, and optional task/tool
// context — the embedded-engine equivalent of the attribute context C1/C3
// evaluate against, reshaped for Rego's input document convention.
type DecisionInput struct {
	ClientID        string            `json:"client_id"`
	AgentType       string            `json:"agent_type,omitempty"`
	AgentTrustLevel string            `json:"agent_trust_level,omitempty"`
	RequestedScopes []string          `json:"requested_scopes,omitempty"`
	GrantedTools    []string          `json:"granted_tools,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	ResponseType    string            `json:"response_type,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// BaseBundle is the default Rego bundle for the token authority's embedded
// fallback path. It ships a conservative allow_auth_code rule (reachable
// unless the client is explicitly denylisted) and a requires_approval rule
// driven by data.tokenauthority.sensitive_scopes, mirroring the shape of
// spec §4.3's is_scope_expansion_allowed/requires_human_approval at the
// Rego layer for operators who prefer authoring policy as Rego over the
// Go-native condition trees of C1/C3.
const BaseBundle = `
package tokenauthority

import future.keywords.in

default allow_auth_code = {"allow": true}

allow_auth_code = {"allow": false, "reasons": [reason]} {
	input.client_id in data.tokenauthority.denylisted_clients
	reason := sprintf("client '%s' is denylisted", [input.client_id])
}

default requires_approval = {"allow": false}

requires_approval = {"allow": true, "reasons": [reason]} {
	some s
	input.requested_scopes[_] == s
	s in data.tokenauthority.sensitive_scopes
	reason := sprintf("scope '%s' requires human approval", [s])
}

default allow_tool = {"allow": true}

allow_tool = {"allow": false, "reasons": [reason]} {
	some t
	input.granted_tools[_] == t
	t in data.tokenauthority.blocked_tools
	reason := sprintf("tool '%s' is blocked", [t])
}
`
