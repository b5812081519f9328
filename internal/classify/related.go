package classify

import (
	"strings"

	"comply/api/internal/store"
)

// RelatedGroups buckets a page's related pages for the sidebar panel.
type RelatedGroups struct {
	Controls []store.RelatedPageSummary `json:"controls"`
	Risks    []store.RelatedPageSummary `json:"risks"`
	Threats  []store.RelatedPageSummary `json:"threats"`
	Others   []store.RelatedPageSummary `json:"others"`
}

// Partition assigns each related page to exactly one bucket. The control
// flag wins over any kind text, then an exact risk kind, then an exact
// threat kind; everything else is grouped under others. Kind matching is
// case-insensitive but never partial, so "risk-register" is not a risk.
// Input order is preserved within each bucket.
func Partition(related []store.RelatedPageSummary) RelatedGroups {
	groups := RelatedGroups{
		Controls: []store.RelatedPageSummary{},
		Risks:    []store.RelatedPageSummary{},
		Threats:  []store.RelatedPageSummary{},
		Others:   []store.RelatedPageSummary{},
	}
	for _, page := range related {
		kind := strings.ToLower(page.PageKind)
		switch {
		case page.IsControl || kind == "control":
			groups.Controls = append(groups.Controls, page)
		case kind == "risk":
			groups.Risks = append(groups.Risks, page)
		case kind == "threat":
			groups.Threats = append(groups.Threats, page)
		default:
			groups.Others = append(groups.Others, page)
		}
	}
	return groups
}
