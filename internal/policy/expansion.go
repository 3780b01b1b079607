package policy

// ExpansionRule is one from_scope -> to_scope expansion, as it appears in
// both the client-specific and global sections of the expansion-policy
// document (spec §4.3).
type ExpansionRule struct {
	FromScope string `mapstructure:"from_scope" yaml:"from_scope"`
	ToScope   string `mapstructure:"to_scope" yaml:"to_scope"`
}

// PatternRule is a global-section rule keyed by a required scope rather
// than an explicit from/to pair.
type PatternRule struct {
	RequiredScope    string `mapstructure:"required_scope" yaml:"required_scope"`
	AllowedExpansion string `mapstructure:"allowed_expansion" yaml:"allowed_expansion"`
}

// ClientExpansionPolicy is the client-specific section of the expansion
// policy document.
type ClientExpansionPolicy struct {
	AllowAllExpansions bool            `mapstructure:"allow_all_expansions" yaml:"allow_all_expansions"`
	AllowedExpansions  []ExpansionRule `mapstructure:"allowed_expansions" yaml:"allowed_expansions"`
}

// GlobalExpansionPolicy is the global section of the expansion policy
// document.
type GlobalExpansionPolicy struct {
	AllowedPatterns   []PatternRule   `mapstructure:"allowed_patterns" yaml:"allowed_patterns"`
	AllowedExpansions []ExpansionRule `mapstructure:"allowed_expansions" yaml:"allowed_expansions"`
}

// ExpansionPolicy is the full SCOPE_EXPANSION_POLICY document (spec §4.3,
// §6). It is loaded once at startup and held by value in the policy Engine.
// The Engine has no reload path: a changed document takes effect only when
// the process restarts.
type ExpansionPolicy struct {
	Global  GlobalExpansionPolicy            `mapstructure:"global" yaml:"global"`
	Clients map[string]ClientExpansionPolicy `mapstructure:"clients" yaml:"clients"`
}

// Allows implements spec §4.3's is_scope_expansion_allowed: true as soon as
// the parent holds a from_scope/required_scope whose corresponding to_scope
// appears in the exceeded set. The first matching rule grants the whole
// expansion; there is no requirement that every exceeded scope be
// separately covered. Default deny — an empty exceeded set is vacuously
// allowed (spec §8 "expansion policy conservativeness": Allows(nil, ...)
// must be true).
func (p ExpansionPolicy) Allows(exceeded, parentScopes []string, clientID, parentClientID string) bool {
	if len(exceeded) == 0 {
		return true
	}
	parentHas := make(map[string]bool, len(parentScopes))
	for _, s := range parentScopes {
		parentHas[s] = true
	}
	want := make(map[string]bool, len(exceeded))
	for _, s := range exceeded {
		want[s] = true
	}

	checkClient := func(id string) bool {
		cp, ok := p.Clients[id]
		if !ok {
			return false
		}
		if cp.AllowAllExpansions {
			return true
		}
		for _, r := range cp.AllowedExpansions {
			if parentHas[r.FromScope] && want[r.ToScope] {
				return true
			}
		}
		return false
	}

	if clientID != "" && checkClient(clientID) {
		return true
	}
	if parentClientID != "" && parentClientID != clientID && checkClient(parentClientID) {
		return true
	}

	for _, r := range p.Global.AllowedPatterns {
		if parentHas[r.RequiredScope] && want[r.AllowedExpansion] {
			return true
		}
	}
	for _, r := range p.Global.AllowedExpansions {
		if parentHas[r.FromScope] && want[r.ToScope] {
			return true
		}
	}
	return false
}
