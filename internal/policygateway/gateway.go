// Package policygateway implements the Policy Decision Gateway (C4): a
// thin adapter that either routes a named-rule decision to an external
// decision service over HTTP, or falls through to the in-process Policy
// Engine (C3). Grounded in pkg/opa's embedded rego.Engine for the
// no-remote-service fallback path, and in spec §4.4/§6's description of the
// decision service's wire contract (POST /v1/data/<rule> -> {"result":
// bool}) for the remote path.
package policygateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentictrust/tokenauthority/pkg/opa"
	"github.com/rs/zerolog/log"
)

// Config controls whether and how the gateway talks to a remote decision
// service (spec §6 ENABLE_OPA_POLICIES/OPA_HOST/OPA_PORT/OPA_POLICY_PATH).
type Config struct {
	Enabled    bool
	Host       string
	Port       int
	PolicyPath string
	Timeout    time.Duration
}

// baseURL builds the decision-service base URL, e.g. http://host:port.
func (c Config) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Gateway is the C4 adapter. When Config.Enabled is false, every Decide
// call returns allow — decisions are delegated fully to C3, matching spec
// §4.4 "When disabled: return allow."
type Gateway struct {
	cfg      Config
	client   *http.Client
	embedded *opa.Engine
}

// New builds a Gateway. timeout defaults to 1s per spec §5 ("decision-
// gateway I/O (timeout bounded, default 1s, fail-closed on deny rules and
// fail-open on undefined rules)"). embedded may be nil; when non-nil and
// Config.Host is empty, Decide prefers it over a remote HTTP call — the
// "embedded-engine path for C4 when no remote decision service is
// configured" from the domain stack.
func New(cfg Config, embedded *opa.Engine) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Gateway{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, embedded: embedded}
}

type decisionResponse struct {
	Result *bool `json:"result"`
}

// Query evaluates rule against whichever decision backend is configured and
// returns the raw tri-state: nil means the gateway is disabled or the rule
// is undefined (no result key), so the caller should fall through to C3. A
// non-nil error means the backend was configured but unreachable.
func (g *Gateway) Query(ctx context.Context, rule string, input any) (*bool, error) {
	if !g.cfg.Enabled {
		return nil, nil
	}
	if g.cfg.Host == "" && g.embedded != nil && g.embedded.Ready() {
		d, err := g.embedded.Evaluate(ctx, rule, input)
		if err != nil {
			log.Warn().Err(err).Str("rule", rule).Msg("embedded decision engine failed")
			return nil, err
		}
		return &d.Allow, nil
	}
	if g.cfg.Host == "" {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("marshaling decision input: %w", err)
	}

	url := fmt.Sprintf("%s/v1/data/%s/%s", g.cfg.baseURL(), g.cfg.PolicyPath, rule)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building decision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("rule", rule).Msg("decision gateway unreachable")
		return nil, fmt.Errorf("decision gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("decision gateway returned status %d", resp.StatusCode)
	}

	var dr decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("decoding decision response: %w", err)
	}
	return dr.Result, nil
}

// Decide queries rule and collapses the tri-state into the allow/deny
// behavior contract of spec §4.4:
//   - disabled: allow, nil
//   - reachable, undefined result key: allow (explicit fallthrough), nil
//   - reachable, result present: that value
//   - timeout/network failure: deny, non-nil error (fail-closed)
func (g *Gateway) Decide(ctx context.Context, rule string, input any) (allowed bool, err error) {
	result, err := g.Query(ctx, rule, input)
	if err != nil {
		return false, err
	}
	if result == nil {
		return true, nil
	}
	return *result, nil
}

// PutData mirrors a scope/policy/tool document to the remote decision
// service so its evaluator sees current state. Mirroring is best-effort
// (spec §4.4): failures are logged and swallowed, never surfaced to the
// CRUD caller.
func (g *Gateway) PutData(ctx context.Context, path string, data any) {
	if !g.cfg.Enabled {
		return
	}
	if g.embedded != nil {
		if err := g.embedded.UpdateData(ctx, path, data); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("mirroring data to embedded decision engine failed")
		}
	}
	if g.cfg.Host == "" {
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("marshaling decision-gateway mirror payload")
		return
	}
	url := fmt.Sprintf("%s/v1/data/%s", g.cfg.baseURL(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("building decision-gateway mirror request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("mirroring data to decision gateway failed")
		return
	}
	defer resp.Body.Close()
}

// DeleteData mirrors a deletion to the remote decision service. Best-effort
// like PutData.
func (g *Gateway) DeleteData(ctx context.Context, path string) {
	if !g.cfg.Enabled {
		return
	}
	if g.embedded != nil {
		if err := g.embedded.DeleteData(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("mirroring delete to embedded decision engine failed")
		}
	}
	if g.cfg.Host == "" {
		return
	}
	url := fmt.Sprintf("%s/v1/data/%s", g.cfg.baseURL(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("building decision-gateway delete request")
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("mirroring delete to decision gateway failed")
		return
	}
	defer resp.Body.Close()
}
