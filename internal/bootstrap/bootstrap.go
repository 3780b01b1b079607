// Package bootstrap seeds the scope catalog and the ABAC policy set from
// declarative YAML documents on first startup, the way the teacher's own
// control-framework loader seeds its crosswalk tables from YAML rather than
// requiring an operator to hand-write SQL. Both documents are optional: a
// missing file is a no-op, not a startup failure, since an operator may
// prefer to manage scopes/policies purely through the admin surface.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/policy"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// scopeDocument is the on-disk shape of the scopes bootstrap file (spec §6
// SCOPES_BOOTSTRAP_PATH).
type scopeDocument struct {
	Scopes []scopeEntry `mapstructure:"scopes"`
}

type scopeEntry struct {
	Name             string `mapstructure:"name"`
	Description      string `mapstructure:"description"`
	Category         string `mapstructure:"category"`
	IsSensitive      bool   `mapstructure:"is_sensitive"`
	RequiresApproval bool   `mapstructure:"requires_approval"`
	IsDefault        bool   `mapstructure:"is_default"`
}

// policyDocument is the on-disk shape of the policies bootstrap file (spec
// §6 POLICIES_BOOTSTRAP_PATH).
type policyDocument struct {
	Policies []policyEntry `mapstructure:"policies"`
}

type policyEntry struct {
	Name       string               `mapstructure:"name"`
	Effect     string               `mapstructure:"effect"`
	Conditions models.ConditionNode `mapstructure:"conditions"`
	Priority   int                  `mapstructure:"priority"`
}

// Scopes loads path and creates every named scope via the scope engine,
// skipping any scope that already exists so the bootstrap stays idempotent
// across restarts. A missing file is silently skipped.
func Scopes(ctx context.Context, engine *scope.Engine, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading scopes bootstrap %s: %w", path, err)
	}
	var doc scopeDocument
	if err := v.Unmarshal(&doc); err != nil {
		return fmt.Errorf("parsing scopes bootstrap %s: %w", path, err)
	}

	for _, s := range doc.Scopes {
		existing, err := engine.GetByName(ctx, s.Name)
		if err != nil {
			return fmt.Errorf("checking existing scope %s: %w", s.Name, err)
		}
		if existing != nil {
			continue
		}
		_, err = engine.Create(ctx, &models.Scope{
			Name:             s.Name,
			Description:      s.Description,
			Category:         models.ScopeCategory(s.Category),
			IsSensitive:      s.IsSensitive,
			RequiresApproval: s.RequiresApproval,
			IsDefault:        s.IsDefault,
			IsActive:         true,
		})
		if err != nil {
			return fmt.Errorf("creating bootstrap scope %s: %w", s.Name, err)
		}
		log.Info().Str("scope", s.Name).Msg("bootstrapped scope")
	}
	return nil
}

// Policies loads path and creates every named policy via the policy engine,
// skipping creation when a policy with the same name already exists, active
// or not. A missing file is silently skipped.
func Policies(ctx context.Context, engine *policy.Engine, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading policies bootstrap %s: %w", path, err)
	}
	var doc policyDocument
	if err := v.Unmarshal(&doc); err != nil {
		return fmt.Errorf("parsing policies bootstrap %s: %w", path, err)
	}

	existing, err := engine.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing existing policies: %w", err)
	}
	byName := make(map[string]bool, len(existing))
	for _, p := range existing {
		byName[p.Name] = true
	}

	for _, p := range doc.Policies {
		if byName[p.Name] {
			continue
		}
		err := engine.Create(ctx, &models.Policy{
			Name:       p.Name,
			Effect:     models.PolicyEffect(p.Effect),
			Conditions: p.Conditions,
			Priority:   p.Priority,
			IsActive:   true,
		})
		if err != nil {
			return fmt.Errorf("creating bootstrap policy %s: %w", p.Name, err)
		}
		log.Info().Str("policy", p.Name).Msg("bootstrapped policy")
	}
	return nil
}

// ExpansionPolicy loads the scope-expansion policy document (spec §4.3,
// §6 SCOPE_EXPANSION_POLICY) from path. A missing file returns the
// zero-value policy, which denies every expansion beyond the empty set —
// the conservative default spec §8 requires.
func ExpansionPolicy(path string) (policy.ExpansionPolicy, error) {
	var doc policy.ExpansionPolicy
	if path == "" {
		return doc, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return doc, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return doc, fmt.Errorf("reading scope expansion policy %s: %w", path, err)
	}
	if err := v.Unmarshal(&doc); err != nil {
		return doc, fmt.Errorf("parsing scope expansion policy %s: %w", path, err)
	}
	return doc, nil
}

// Implications loads the implied-scope expansion rules (spec §4.2) from
// path, shaped as a flat YAML list under the "implications" key. A missing
// file returns an empty rule set.
func Implications(path string) ([]scope.Implication, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading scope implications %s: %w", path, err)
	}
	var doc struct {
		Implications []scope.Implication `mapstructure:"implications"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("parsing scope implications %s: %w", path, err)
	}
	return doc.Implications, nil
}
