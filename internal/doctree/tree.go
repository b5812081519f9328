// Package doctree assembles flat document page rows into the nested tree
// the sidebar renders, and answers structural questions about it: subtree
// membership for cascading deletes, lookup by id, and which page to select
// after a removal.
package doctree

import (
	"sort"

	"comply/api/internal/store"
)

// Node is one rendered tree entry. Children is never nil so the tree
// serializes as [] rather than null at every level.
type Node struct {
	ID             string  `json:"id"`
	ParentID       *string `json:"parentId"`
	Title          string  `json:"title"`
	SortOrder      int     `json:"order"`
	PageKind       string  `json:"pageKind,omitempty"`
	IsControl      bool    `json:"isControl"`
	Status         string  `json:"status"`
	RelevanceScore *int    `json:"relevanceScore"`
	RelevanceBand  *string `json:"relevanceBand"`
	Children       []*Node `json:"children"`
}

// Build assembles the forest in two passes: first every row becomes a
// node in an arena keyed by id, then each node attaches to its parent.
// A node whose parent id points at a missing page is promoted to a root
// instead of being dropped. Siblings sort by ascending order, ties by id
// for a stable result.
func Build(pages []store.DocumentPage, bandOf func(*int) *string) []*Node {
	nodes := make(map[string]*Node, len(pages))
	for _, page := range pages {
		nodes[page.ID] = &Node{
			ID:             page.ID,
			ParentID:       page.ParentID,
			Title:          page.Title,
			SortOrder:      page.SortOrder,
			PageKind:       page.PageKind,
			IsControl:      page.IsControl,
			Status:         page.Status,
			RelevanceScore: page.RelevanceScore,
			RelevanceBand:  bandOf(page.RelevanceScore),
			Children:       []*Node{},
		}
	}

	roots := make([]*Node, 0)
	for _, page := range pages {
		node := nodes[page.ID]
		if page.ParentID != nil {
			if parent, ok := nodes[*page.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	sortSiblings(roots)
	for _, node := range nodes {
		sortSiblings(node.Children)
	}
	return roots
}

func sortSiblings(siblings []*Node) {
	sort.SliceStable(siblings, func(i, j int) bool {
		if siblings[i].SortOrder != siblings[j].SortOrder {
			return siblings[i].SortOrder < siblings[j].SortOrder
		}
		return siblings[i].ID < siblings[j].ID
	})
}

// Find walks the forest depth-first and returns the node with the given
// id, or nil.
func Find(roots []*Node, id string) *Node {
	for _, root := range roots {
		if found := findIn(root, id); found != nil {
			return found
		}
	}
	return nil
}

func findIn(node *Node, id string) *Node {
	if node.ID == id {
		return node
	}
	for _, child := range node.Children {
		if found := findIn(child, id); found != nil {
			return found
		}
	}
	return nil
}

// SubtreeIDs returns the id of the given page and every descendant, in
// preorder. Used to cascade deletes across a branch.
func SubtreeIDs(pages []store.DocumentPage, rootID string) []string {
	children := make(map[string][]string)
	exists := make(map[string]bool, len(pages))
	for _, page := range pages {
		exists[page.ID] = true
		if page.ParentID != nil {
			children[*page.ParentID] = append(children[*page.ParentID], page.ID)
		}
	}
	if !exists[rootID] {
		return nil
	}

	ids := make([]string, 0)
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ids = append(ids, id)
		kids := children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return ids
}

// NextSelection picks which page a client should focus after deleting a
// branch: the first root remaining once the deleted ids are excluded, or
// nil when the tree is empty.
func NextSelection(roots []*Node, deleted []string) *string {
	gone := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		gone[id] = true
	}
	for _, root := range roots {
		if !gone[root.ID] {
			id := root.ID
			return &id
		}
	}
	return nil
}
