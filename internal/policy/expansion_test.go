package policy

import "testing"

func TestExpansionAllows_EmptyExceededIsVacuouslyTrue(t *testing.T) {
	p := ExpansionPolicy{}
	if !p.Allows(nil, []string{"read:web"}, "c", "") {
		t.Fatal("empty exceeded set must be allowed")
	}
}

func TestExpansionAllows_DefaultDeny(t *testing.T) {
	p := ExpansionPolicy{}
	if p.Allows([]string{"write:web"}, []string{"read:web"}, "c", "") {
		t.Fatal("no rule covers write:web, must deny")
	}
}

func TestExpansionAllows_GlobalPattern(t *testing.T) {
	p := ExpansionPolicy{
		Global: GlobalExpansionPolicy{
			AllowedPatterns: []PatternRule{{RequiredScope: "read:web", AllowedExpansion: "write:web"}},
		},
	}
	if !p.Allows([]string{"write:web"}, []string{"read:web"}, "c", "") {
		t.Fatal("pattern rule should allow write:web when parent holds read:web")
	}
	if p.Allows([]string{"write:web"}, []string{"read:crm"}, "c", "") {
		t.Fatal("parent lacks the required scope, must deny")
	}
	// The first matching rule grants the whole expansion, even when other
	// exceeded scopes have no rule of their own.
	if !p.Allows([]string{"write:web", "admin:web"}, []string{"read:web"}, "c", "") {
		t.Fatal("a single matching rule should grant the expansion")
	}
}

func TestExpansionAllows_GlobalFromTo(t *testing.T) {
	p := ExpansionPolicy{
		Global: GlobalExpansionPolicy{
			AllowedExpansions: []ExpansionRule{{FromScope: "read:crm", ToScope: "write:crm"}},
		},
	}
	if !p.Allows([]string{"write:crm"}, []string{"read:crm"}, "", "") {
		t.Fatal("from/to rule should allow")
	}
}

func TestExpansionAllows_ClientSection(t *testing.T) {
	p := ExpansionPolicy{
		Clients: map[string]ClientExpansionPolicy{
			"trusted":  {AllowedExpansions: []ExpansionRule{{FromScope: "read:web", ToScope: "write:web"}}},
			"anything": {AllowAllExpansions: true},
		},
	}
	if !p.Allows([]string{"write:web"}, []string{"read:web"}, "trusted", "") {
		t.Fatal("client rule should allow")
	}
	if p.Allows([]string{"write:web"}, []string{"read:web"}, "untrusted", "") {
		t.Fatal("unlisted client with no global rules must deny")
	}
	if !p.Allows([]string{"admin:anything"}, []string{"read:web"}, "anything", "") {
		t.Fatal("allow_all_expansions client must be allowed")
	}
}

func TestExpansionAllows_ParentClientSectionConsulted(t *testing.T) {
	p := ExpansionPolicy{
		Clients: map[string]ClientExpansionPolicy{
			"parent-client": {AllowedExpansions: []ExpansionRule{{FromScope: "read:web", ToScope: "write:web"}}},
		},
	}
	if !p.Allows([]string{"write:web"}, []string{"read:web"}, "child-client", "parent-client") {
		t.Fatal("parent client's section should also be consulted")
	}
}
