package retentionpolicy

import (
	"testing"
)

func TestMatcherPattern_FiltersPackageNames(t *testing.T) {
	t.Parallel()

	names := mustPattern(t, "app-* !app-internal")
	all := []Package{
		{Name: "app-web"},
		{Name: "app-internal"},
		{Name: "other"},
	}

	var kept []Package
	for _, p := range all {
		if names.Matches(p.Name) {
			kept = append(kept, p)
		}
	}

	if len(kept) != 1 || kept[0].Name != "app-web" {
		t.Fatalf("filtered = %+v, want only app-web", kept)
	}
}

func TestNewEnumerator_SelectsStrategyFromTokenKind(t *testing.T) {
	t.Parallel()

	names := mustPattern(t, "*")

	full := NewEnumerator(nil, nil, Account{}, TokenKindPersonalAccessToken, names, nil)
	if full.mode != listStrategyFull {
		t.Errorf("PAT token kind should select listStrategyFull, got %v", full.mode)
	}

	literal := NewEnumerator(nil, nil, Account{}, TokenKindWorkflowTemporary, names, []string{"app-web", "app-web"})
	if literal.mode != listStrategyLiteral {
		t.Errorf("workflow token kind should select listStrategyLiteral, got %v", literal.mode)
	}
}
