package classify

import (
	"strings"
	"time"

	"comply/api/internal/store"
)

// Evidence feed entry kinds.
const (
	FeedKindRequest  = "request"
	FeedKindEvidence = "evidence"
)

// Request display buckets derived from the free-form status text.
const (
	RequestCompleted  = "completed"
	RequestOverdue    = "overdue"
	RequestInProgress = "in-progress"
	RequestOther      = "other"
)

// FeedItem is one row in a page's combined evidence panel.
type FeedItem struct {
	Kind      string     `json:"kind"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    string     `json:"status,omitempty"`
	Bucket    string     `json:"bucket,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	ValueType string     `json:"valueType,omitempty"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// RequestBucket classifies a request status string by substring, case
// insensitively. Anything that does not match a known family lands in
// the "other" bucket instead of failing.
func RequestBucket(status string) string {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "complet"), strings.Contains(s, "fulfilled"):
		return RequestCompleted
	case strings.Contains(s, "overdue"):
		return RequestOverdue
	case strings.Contains(s, "progress"):
		return RequestInProgress
	default:
		return RequestOther
	}
}

// BuildFeed merges a page's open requests and collected evidence into one
// list. Requests come first so outstanding asks are visible before the
// artifacts that already exist; within each group the store's insertion
// order is preserved.
func BuildFeed(requests []store.EvidenceRequest, evidence []store.Evidence) []FeedItem {
	feed := make([]FeedItem, 0, len(requests)+len(evidence))
	for _, request := range requests {
		feed = append(feed, FeedItem{
			Kind:      FeedKindRequest,
			ID:        request.ID,
			Title:     request.Title,
			Status:    request.Status,
			Bucket:    RequestBucket(request.Status),
			Priority:  request.Priority,
			DueDate:   request.DueDate,
			CreatedAt: request.CreatedAt,
		})
	}
	for _, item := range evidence {
		feed = append(feed, FeedItem{
			Kind:      FeedKindEvidence,
			ID:        item.ID,
			Title:     item.Name,
			ValueType: item.ValueType,
			CreatedAt: item.CreatedAt,
		})
	}
	return feed
}
