// Package classify holds the read-side classification rules: relevance
// banding for document pages, the combined evidence feed, and the grouping
// of related pages into display buckets.
package classify

// Relevance band labels, ordered from least to most relevant.
const (
	BandNotImmediatelyRelevant = "not_immediately_relevant"
	BandLow                    = "low"
	BandMedium                 = "medium"
	BandHigh                   = "high"
)

// RelevanceBand maps a 0-100 relevance score onto its display band. A nil
// score means the page was never scored; an out-of-range score is treated
// the same way rather than clamped, so stale or corrupt values never show
// a misleading band.
func RelevanceBand(score *int) *string {
	if score == nil {
		return nil
	}
	var band string
	switch v := *score; {
	case v < 0 || v > 100:
		return nil
	case v <= 14:
		band = BandNotImmediatelyRelevant
	case v <= 49:
		band = BandLow
	case v <= 79:
		band = BandMedium
	default:
		band = BandHigh
	}
	return &band
}
