// Package scope implements the Scope Engine (C2): the scope catalog, name
// validation, implied-scope expansion from declarative configuration, and
// the flattened registry view.
package scope

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository"
	"github.com/google/uuid"
)

// nameRE matches spec §3: resource:action[:qualifier...], lowercase,
// snake_case segments.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*(:[a-z0-9_]+)+$`)

// ValidName reports whether name matches the scope naming grammar.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Implication is one "implied scopes" expansion rule loaded from
// declarative configuration: holding From implies also holding every entry
// in Implies.
type Implication struct {
	From    string   `mapstructure:"from" yaml:"from"`
	Implies []string `mapstructure:"implies" yaml:"implies"`
}

// Engine is the scope catalog (C2).
type Engine struct {
	repo         repository.ScopeRepository
	implications []Implication
}

// New builds a scope engine against a repository and a set of declarative
// implied-scope expansion rules (spec §4.2 "expand(set) -> superset").
func New(repo repository.ScopeRepository, implications []Implication) *Engine {
	return &Engine{repo: repo, implications: implications}
}

// Create validates the name grammar and global uniqueness before
// persisting.
func (e *Engine) Create(ctx context.Context, s *models.Scope) (*models.Scope, error) {
	if !ValidName(s.Name) {
		return nil, apperr.New(apperr.InvalidRequest, fmt.Sprintf("invalid scope name %q", s.Name))
	}
	if existing, err := e.repo.GetByName(ctx, s.Name); err != nil {
		return nil, apperr.New(apperr.ServerError, "checking scope uniqueness")
	} else if existing != nil {
		return nil, apperr.New(apperr.InvalidRequest, fmt.Sprintf("scope %q already exists", s.Name))
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if err := e.repo.Create(ctx, s); err != nil {
		return nil, apperr.New(apperr.ServerError, "creating scope")
	}
	return s, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*models.Scope, error) {
	return e.repo.Get(ctx, id)
}

func (e *Engine) GetByName(ctx context.Context, name string) (*models.Scope, error) {
	return e.repo.GetByName(ctx, name)
}

func (e *Engine) List(ctx context.Context, category *models.ScopeCategory) ([]models.Scope, error) {
	return e.repo.List(ctx, &repository.ScopeFilters{Category: category})
}

// Update renames/edits a scope, re-checking uniqueness when the name
// changes.
func (e *Engine) Update(ctx context.Context, s *models.Scope) error {
	if !ValidName(s.Name) {
		return apperr.New(apperr.InvalidRequest, fmt.Sprintf("invalid scope name %q", s.Name))
	}
	current, err := e.repo.Get(ctx, s.ID)
	if err != nil {
		return apperr.New(apperr.ServerError, "loading scope")
	}
	if current == nil {
		return apperr.New(apperr.InvalidRequest, "scope not found")
	}
	if current.Name != s.Name {
		if existing, err := e.repo.GetByName(ctx, s.Name); err != nil {
			return apperr.New(apperr.ServerError, "checking scope uniqueness")
		} else if existing != nil {
			return apperr.New(apperr.InvalidRequest, fmt.Sprintf("scope %q already exists", s.Name))
		}
	}
	if err := e.repo.Update(ctx, s); err != nil {
		return apperr.New(apperr.ServerError, "updating scope")
	}
	return nil
}

// Delete refuses deletion if the scope is referenced by any tool, agent, or
// policy (spec §3 invariant).
func (e *Engine) Delete(ctx context.Context, id string) error {
	s, err := e.repo.Get(ctx, id)
	if err != nil || s == nil {
		return apperr.New(apperr.InvalidRequest, "scope not found")
	}
	referenced, err := e.repo.ReferencedBy(ctx, s.Name)
	if err != nil {
		return apperr.New(apperr.ServerError, "checking scope references")
	}
	if referenced {
		return apperr.New(apperr.InvalidRequest, fmt.Sprintf("scope %q is referenced and cannot be deleted", s.Name))
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return apperr.New(apperr.ServerError, "deleting scope")
	}
	return nil
}

// Expand applies the configured implied-scope expansions to set, returning
// the superset. The rule set is applied to a fixed point (iterate until no
// new scope is added), so chained From/Implies rules expand transitively.
// This concerns implied scopes only; the parent/child scope-expansion
// policy check in internal/policy is not transitive.
func (e *Engine) Expand(set []string) []string {
	have := make(map[string]bool, len(set))
	for _, s := range set {
		have[s] = true
	}
	changed := true
	for changed {
		changed = false
		for _, impl := range e.implications {
			if !have[impl.From] {
				continue
			}
			for _, add := range impl.Implies {
				if !have[add] {
					have[add] = true
					changed = true
				}
			}
		}
	}
	out := make([]string, 0, len(have))
	for s := range have {
		out = append(out, s)
	}
	return out
}

// RegistryEntry flattens a scope name into resource/action/qualifiers, the
// view spec §4.2's registry() operation returns.
func RegistryEntry(s models.Scope) models.ScopeRegistryEntry {
	parts := strings.Split(s.Name, ":")
	entry := models.ScopeRegistryEntry{Name: s.Name, Description: s.Description}
	if len(parts) > 0 {
		entry.Resource = parts[0]
	}
	if len(parts) > 1 {
		entry.Action = parts[1]
	}
	if len(parts) > 2 {
		entry.Qualifiers = parts[2:]
	}
	return entry
}

// Registry returns the flattened view of every scope in the catalog.
func (e *Engine) Registry(ctx context.Context) ([]models.ScopeRegistryEntry, error) {
	scopes, err := e.repo.List(ctx, nil)
	if err != nil {
		return nil, apperr.New(apperr.ServerError, "listing scopes")
	}
	out := make([]models.ScopeRegistryEntry, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, RegistryEntry(s))
	}
	return out, nil
}

// Subset reports whether every entry of child is present in parent,
// ignoring order — the monotonicity check spec §3 invariant (ii)/(iii) and
// §8 property 1/2 build on.
func Subset(child, parent []string) bool {
	have := make(map[string]bool, len(parent))
	for _, s := range parent {
		have[s] = true
	}
	for _, s := range child {
		if !have[s] {
			return false
		}
	}
	return true
}

// Difference returns the entries of child not present in parent, i.e. the
// "exceeded" set spec §4.3/§4.8.6 compute before consulting the expansion
// policy.
func Difference(child, parent []string) []string {
	have := make(map[string]bool, len(parent))
	for _, s := range parent {
		have[s] = true
	}
	var out []string
	for _, s := range child {
		if !have[s] {
			out = append(out, s)
		}
	}
	return out
}

// Intersect returns the entries common to both sets, preserving a's order.
func Intersect(a, b []string) []string {
	have := make(map[string]bool, len(b))
	for _, s := range b {
		have[s] = true
	}
	var out []string
	for _, s := range a {
		if have[s] {
			out = append(out, s)
		}
	}
	return out
}
