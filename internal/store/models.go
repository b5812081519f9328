package store

import (
	"encoding/json"
	"time"
)

// DocumentPage is a node in a project's documentation tree. Pages form a
// forest: ParentID is nil for roots, and siblings render in ascending
// SortOrder. Control pages carry SCF metadata and framework mappings.
type DocumentPage struct {
	ID                string
	ProjectID         string
	ParentID          *string
	Title             string
	Content           string
	SortOrder         int
	PageKind          string
	IsControl         bool
	SCFID             string
	Frameworks        []string
	FrameworkMappings []FrameworkMapping
	RelevanceScore    *int
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FrameworkMapping links a control page to the external ids it covers in
// one compliance framework.
type FrameworkMapping struct {
	Framework   string   `json:"framework"`
	ExternalIDs []string `json:"external_ids"`
}

// Evidence is an artifact supporting a document page. Value is opaque to
// this service; CollectionID optionally points at a named collection that
// carries the content instead.
type Evidence struct {
	ID           string
	DocumentID   string
	Name         string
	ValueType    string
	Value        json.RawMessage
	CollectionID *string
	CreatedAt    time.Time
}

// EvidenceRequest is an open ask for evidence that has not been collected
// yet. Status is free-form; display buckets are derived by substring match.
type EvidenceRequest struct {
	ID          string
	DocumentID  string
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PageRelation is a weak typed edge between two document pages. It never
// participates in delete cascades; a dangling related id is a legal state.
type PageRelation struct {
	ID                string
	DocumentID        string
	RelatedDocumentID string
	RelationType      string
	CreatedAt         time.Time
}

// RelatedPageSummary is the joined, read-only shape of a relation target.
type RelatedPageSummary struct {
	ID           string
	Title        string
	Status       string
	PageKind     string
	IsControl    bool
	RelationType string
}

// Auditor is a schedulable weighted-rubric evaluator scoped to a project,
// or to a single document page when DocumentID is set. Instructions holds
// the rubric JSON (passing score plus ordered requirements).
type Auditor struct {
	ID           string
	ProjectID    string
	DocumentID   *string
	Name         string
	Description  string
	Schedule     string
	Instructions json.RawMessage
	IsActive     bool
	RunCount     int
	LastRunAt    *time.Time
	LastStatus   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditReport is the immutable output of one auditor run.
type AuditReport struct {
	ID              string
	AuditorID       string
	Status          string
	Score           float64
	ExecutedAt      time.Time
	DurationSeconds float64
	Findings        json.RawMessage
}

// ProjectTask is a unit of follow-up work on the kanban board. The
// dependency and entity links are weak references resolved at read time.
type ProjectTask struct {
	ID                string
	ProjectID         string
	Title             string
	Description       string
	Notes             string
	Status            string
	Priority          string
	DueDate           *time.Time
	ResolutionReason  string
	ResolutionDate    *time.Time
	DependsOnTaskID   *string
	DocumentID        *string
	EvidenceRequestID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CommitInfo describes one entry in a page's content history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
