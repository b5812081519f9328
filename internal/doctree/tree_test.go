package doctree

import (
	"strings"
	"testing"

	"comply/api/internal/store"
)

func strPtr(s string) *string { return &s }

func noBand(*int) *string { return nil }

func pages() []store.DocumentPage {
	return []store.DocumentPage{
		{ID: "root-b", SortOrder: 2},
		{ID: "root-a", SortOrder: 1},
		{ID: "child-2", ParentID: strPtr("root-a"), SortOrder: 2},
		{ID: "child-1", ParentID: strPtr("root-a"), SortOrder: 1},
		{ID: "grandchild", ParentID: strPtr("child-1"), SortOrder: 1},
	}
}

func TestBuildNestsAndOrders(t *testing.T) {
	roots := Build(pages(), noBand)

	if len(roots) != 2 {
		t.Fatalf("roots = %d, want 2", len(roots))
	}
	if roots[0].ID != "root-a" || roots[1].ID != "root-b" {
		t.Fatalf("root order = %s, %s", roots[0].ID, roots[1].ID)
	}
	kids := roots[0].Children
	if len(kids) != 2 || kids[0].ID != "child-1" || kids[1].ID != "child-2" {
		t.Fatalf("unexpected children under root-a: %+v", kids)
	}
	if len(kids[0].Children) != 1 || kids[0].Children[0].ID != "grandchild" {
		t.Fatalf("grandchild not attached under child-1")
	}
	if roots[1].Children == nil {
		t.Fatalf("leaf children should be an empty slice, not nil")
	}
}

func TestBuildPromotesOrphansToRoots(t *testing.T) {
	roots := Build([]store.DocumentPage{
		{ID: "kept", SortOrder: 1},
		{ID: "orphan", ParentID: strPtr("missing"), SortOrder: 5},
	}, noBand)

	if len(roots) != 2 {
		t.Fatalf("roots = %d, want orphan promoted", len(roots))
	}
	if roots[1].ID != "orphan" {
		t.Fatalf("expected orphan as last root, got %s", roots[1].ID)
	}
}

func TestBuildTieBreaksByID(t *testing.T) {
	roots := Build([]store.DocumentPage{
		{ID: "zz", SortOrder: 3},
		{ID: "aa", SortOrder: 3},
	}, noBand)
	if roots[0].ID != "aa" || roots[1].ID != "zz" {
		t.Fatalf("tie break by id failed: %s, %s", roots[0].ID, roots[1].ID)
	}
}

func TestFind(t *testing.T) {
	roots := Build(pages(), noBand)
	if node := Find(roots, "grandchild"); node == nil || node.ID != "grandchild" {
		t.Fatalf("Find(grandchild) = %v", node)
	}
	if node := Find(roots, "nope"); node != nil {
		t.Fatalf("Find(nope) = %v, want nil", node)
	}
}

func TestSubtreeIDs(t *testing.T) {
	ids := SubtreeIDs(pages(), "root-a")
	if len(ids) != 4 || ids[0] != "root-a" {
		t.Fatalf("SubtreeIDs = %v", ids)
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		seen[id] = true
	}
	for _, want := range []string{"root-a", "child-1", "child-2", "grandchild"} {
		if !seen[want] {
			t.Fatalf("SubtreeIDs missing %s: %v", want, ids)
		}
	}

	if got := SubtreeIDs(pages(), "missing"); got != nil {
		t.Fatalf("SubtreeIDs(missing) = %v, want nil", got)
	}
}

func TestNextSelection(t *testing.T) {
	roots := Build(pages(), noBand)

	next := NextSelection(roots, []string{"root-a", "child-1", "child-2", "grandchild"})
	if next == nil || *next != "root-b" {
		t.Fatalf("next selection = %v, want root-b", next)
	}

	next = NextSelection(roots, []string{"root-a", "root-b", "child-1", "child-2", "grandchild"})
	if next != nil {
		t.Fatalf("next selection on empty tree = %v, want nil", next)
	}
}

func TestStarterContent(t *testing.T) {
	first := StarterContent("Access Control", true)
	if !strings.HasPrefix(first, "# Access Control\n") {
		t.Fatalf("first page template missing title heading")
	}
	for _, want := range []string{"```mermaid", "| Role |", "1. Review"} {
		if !strings.Contains(first, want) {
			t.Fatalf("first page template missing %q", want)
		}
	}

	later := StarterContent("Backups", false)
	if strings.Contains(later, "mermaid") {
		t.Fatalf("later pages should not get the worked example")
	}
	if !strings.HasPrefix(later, "# Backups\n") {
		t.Fatalf("later page template missing title heading")
	}
}
