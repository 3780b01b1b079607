package scope

import (
	"context"
	"sort"
	"testing"

	"github.com/agentictrust/tokenauthority/internal/models"
	"github.com/agentictrust/tokenauthority/internal/repository/memory"
)

func TestValidName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"read:web", true},
		{"write:crm:contacts", true},
		{"tool_exec:search_web", true},
		{"a1:b2:c3", true},
		{"read", false},
		{"Read:web", false},
		{"read:Web", false},
		{"read:", false},
		{":web", false},
		{"1read:web", false},
		{"read web", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidName(tc.name); got != tc.valid {
			t.Errorf("ValidName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestExpand_FixedPoint(t *testing.T) {
	e := New(nil, []Implication{
		{From: "admin:web", Implies: []string{"write:web"}},
		{From: "write:web", Implies: []string{"read:web"}},
	})

	got := e.Expand([]string{"admin:web"})
	sort.Strings(got)
	want := []string{"admin:web", "read:web", "write:web"}
	if len(got) != len(want) {
		t.Fatalf("Expand = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expand = %v, want %v", got, want)
		}
	}
}

func TestExpand_NoRules_Identity(t *testing.T) {
	e := New(nil, nil)
	got := e.Expand([]string{"read:web"})
	if len(got) != 1 || got[0] != "read:web" {
		t.Fatalf("Expand without rules should be identity, got %v", got)
	}
}

func TestSubsetDifferenceIntersect(t *testing.T) {
	if !Subset(nil, []string{"a:b"}) {
		t.Error("empty set must be a subset of anything")
	}
	if !Subset([]string{"a:b"}, []string{"a:b", "c:d"}) {
		t.Error("expected subset")
	}
	if Subset([]string{"a:b", "x:y"}, []string{"a:b"}) {
		t.Error("expected not a subset")
	}

	diff := Difference([]string{"a:b", "x:y"}, []string{"a:b"})
	if len(diff) != 1 || diff[0] != "x:y" {
		t.Errorf("Difference = %v, want [x:y]", diff)
	}

	inter := Intersect([]string{"a:b", "x:y"}, []string{"x:y", "q:r"})
	if len(inter) != 1 || inter[0] != "x:y" {
		t.Errorf("Intersect = %v, want [x:y]", inter)
	}
}

func TestRegistryEntry(t *testing.T) {
	entry := RegistryEntry(models.Scope{Name: "write:crm:contacts", Description: "d"})
	if entry.Resource != "write" || entry.Action != "crm" {
		t.Errorf("unexpected resource/action: %+v", entry)
	}
	if len(entry.Qualifiers) != 1 || entry.Qualifiers[0] != "contacts" {
		t.Errorf("unexpected qualifiers: %v", entry.Qualifiers)
	}
}

func TestCreate_RejectsDuplicateAndBadName(t *testing.T) {
	repo := memory.NewScopeRepository()
	e := New(repo, nil)
	ctx := context.Background()

	if _, err := e.Create(ctx, &models.Scope{Name: "not-a-scope"}); err == nil {
		t.Fatal("expected invalid name to be rejected")
	}
	if _, err := e.Create(ctx, &models.Scope{Name: "read:web"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Create(ctx, &models.Scope{Name: "read:web"}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestDelete_RefusedWhenReferenced(t *testing.T) {
	repo := memory.NewScopeRepository()
	e := New(repo, nil)
	ctx := context.Background()

	s, err := e.Create(ctx, &models.Scope{Name: "read:web"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.Referenced["read:web"] = true
	if err := e.Delete(ctx, s.ID); err == nil {
		t.Fatal("expected delete of a referenced scope to be refused")
	}

	repo.Referenced["read:web"] = false
	if err := e.Delete(ctx, s.ID); err != nil {
		t.Fatalf("delete of unreferenced scope: %v", err)
	}
}

func TestUpdate_RenameRechecksUniqueness(t *testing.T) {
	repo := memory.NewScopeRepository()
	e := New(repo, nil)
	ctx := context.Background()

	a, _ := e.Create(ctx, &models.Scope{Name: "read:web"})
	if _, err := e.Create(ctx, &models.Scope{Name: "write:web"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	a.Name = "write:web"
	if err := e.Update(ctx, a); err == nil {
		t.Fatal("expected rename onto an existing name to be rejected")
	}
	a.Name = "read:web:public"
	if err := e.Update(ctx, a); err != nil {
		t.Fatalf("rename to fresh name: %v", err)
	}
}
