package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"comply/api/internal/classify"
	"comply/api/internal/config"
	"comply/api/internal/doctree"
	"comply/api/internal/history"
	"comply/api/internal/search"
	"comply/api/internal/signal"
	"comply/api/internal/store"
	"comply/api/internal/util"
)

type CreatePageInput struct {
	Title     string  `json:"title"`
	ParentID  *string `json:"parentId"`
	PageKind  string  `json:"pageKind"`
	IsControl bool    `json:"isControl"`
	SCFID     string  `json:"scfId"`
	Author    string  `json:"author"`
}

type AddEvidenceInput struct {
	Name         string          `json:"name"`
	ValueType    string          `json:"valueType"`
	Value        json.RawMessage `json:"value"`
	CollectionID *string         `json:"collectionId"`
}

type AddEvidenceRequestInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"dueDate"`
}

type AddRelationInput struct {
	RelatedDocumentID string `json:"relatedDocumentId"`
	RelationType      string `json:"relationType"`
}

type dataStore interface {
	ListDocumentPages(context.Context, string) ([]store.DocumentPage, error)
	GetDocumentPage(context.Context, string) (store.DocumentPage, error)
	InsertDocumentPage(context.Context, store.DocumentPage) error
	RenameDocumentPage(context.Context, string, string) (bool, error)
	UpdateDocumentContent(context.Context, string, string) (bool, error)
	UpdateDocumentRelevance(context.Context, string, *int) error
	DeleteDocumentPages(context.Context, []string) error
	MaxSiblingOrder(context.Context, string, *string) (int, error)
	CountDocumentPages(context.Context, string) (int, error)
	ListEvidence(context.Context, string) ([]store.Evidence, error)
	InsertEvidence(context.Context, store.Evidence) error
	ListEvidenceRequests(context.Context, string) ([]store.EvidenceRequest, error)
	GetEvidenceRequest(context.Context, string) (store.EvidenceRequest, error)
	InsertEvidenceRequest(context.Context, store.EvidenceRequest) error
	InsertPageRelation(context.Context, store.PageRelation) error
	ListRelatedPages(context.Context, string) ([]store.RelatedPageSummary, error)
	ListAuditors(context.Context, string) ([]store.Auditor, error)
	GetAuditor(context.Context, string) (store.Auditor, error)
	InsertAuditor(context.Context, store.Auditor) error
	UpdateAuditor(context.Context, store.Auditor) error
	DeleteAuditor(context.Context, string) (bool, error)
	MarkAuditorRun(context.Context, string) error
	SetAuditorLastStatus(context.Context, string, string) error
	ListAuditReports(context.Context, string, int, int) ([]store.AuditReport, int, error)
	GetAuditReport(context.Context, string) (store.AuditReport, error)
	InsertAuditReport(context.Context, store.AuditReport) error
	CompleteAuditReport(context.Context, store.AuditReport) error
	LatestAuditReports(context.Context, string) (map[string]store.AuditReport, error)
	ListProjectTasks(context.Context, string, store.TaskFilter) ([]store.ProjectTask, int, error)
	GetProjectTask(context.Context, string) (store.ProjectTask, error)
	InsertProjectTask(context.Context, store.ProjectTask) error
	UpdateProjectTask(context.Context, store.ProjectTask) error
	DeleteProjectTask(context.Context, string) (bool, error)
	ClearTaskDependents(context.Context, string) error
	TaskDependencyMap(context.Context, string) (map[string]string, error)
	Ping(ctx context.Context) error
}

type historyService interface {
	EnsurePageRepo(string, string, string) error
	CommitContent(string, string, string, string) (store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
	ContentAt(string, string) (string, error)
	RemovePageRepo(string) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexPage(search.PageRecord)
	IndexTask(search.TaskRecord)
	DeletePage(string)
	DeleteTask(string)
	ReindexAllFromPG(context.Context)
}

type signalStore interface {
	Bump(context.Context, string) (int64, error)
	Current(context.Context, string) (int64, error)
	AcquireRunLock(context.Context, string, string, time.Duration) (bool, error)
	ReleaseRunLock(context.Context, string) error
	Ping(context.Context) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	history historyService
	search  searchService
	signal  signalStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, historySvc *history.Service, searchSvc *search.Service, signalStore *signal.Store) *Service {
	svc := &Service{
		cfg:     cfg,
		store:   dataStore,
		history: historySvc,
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	if signalStore != nil {
		svc.signal = signalStore
	}
	return svc
}

// Bootstrap runs startup work that needs the full service wired: a full
// search reindex so Meilisearch catches up with whatever changed while
// the service was down.
func (s *Service) Bootstrap(ctx context.Context) {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SignalPing reports Redis health; nil signal store reads as healthy
// since the feature is optional.
func (s *Service) SignalPing(ctx context.Context) error {
	if s.signal == nil {
		return nil
	}
	return s.signal.Ping(ctx)
}

func (s *Service) RunToken() string {
	return s.cfg.RunToken
}

// DocumentTree returns the nested page tree for a project.
func (s *Service) DocumentTree(ctx context.Context, projectID string) (map[string]any, error) {
	pages, err := s.store.ListDocumentPages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	roots := doctree.Build(pages, classify.RelevanceBand)
	return map[string]any{
		"tree":  roots,
		"total": len(pages),
	}, nil
}

// CreateDocumentPage creates a page at the end of its sibling group. The
// project's very first page gets the worked-example starter content.
func (s *Service) CreateDocumentPage(ctx context.Context, projectID string, input CreatePageInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.ParentID != nil {
		parent, err := s.store.GetDocumentPage(ctx, *input.ParentID)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent page not found", nil)
		}
		if parent.ProjectID != projectID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent page belongs to another project", nil)
		}
	}

	count, err := s.store.CountDocumentPages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	maxOrder, err := s.store.MaxSiblingOrder(ctx, projectID, input.ParentID)
	if err != nil {
		return nil, fmt.Errorf("sibling order: %w", err)
	}

	page := store.DocumentPage{
		ID:        util.NewID("page"),
		ProjectID: projectID,
		ParentID:  input.ParentID,
		Title:     title,
		Content:   doctree.StarterContent(title, count == 0),
		SortOrder: maxOrder + 1,
		PageKind:  strings.TrimSpace(input.PageKind),
		IsControl: input.IsControl,
		SCFID:     strings.TrimSpace(input.SCFID),
		Status:    "draft",
	}
	if err := s.store.InsertDocumentPage(ctx, page); err != nil {
		return nil, fmt.Errorf("insert page: %w", err)
	}

	author := strings.TrimSpace(input.Author)
	if author == "" {
		author = "system"
	}
	if err := s.history.EnsurePageRepo(page.ID, page.Content, author); err != nil {
		log.Printf("history: init repo for %s: %v", page.ID, err)
	}
	if s.search != nil {
		s.search.IndexPage(search.PageRecord{
			ID: page.ID, Title: page.Title, Content: page.Content,
			ProjectID: projectID, Status: page.Status,
		})
	}
	s.bumpRefresh(ctx, projectID)

	return map[string]any{
		"id":       page.ID,
		"title":    page.Title,
		"parentId": page.ParentID,
		"order":    page.SortOrder,
		"content":  page.Content,
		"status":   page.Status,
	}, nil
}

// FullDocument loads one page with everything its detail view needs:
// content, relevance band, ordered children, the evidence feed, related
// page groups, and the auditors targeting it. The auditors panel
// degrades to empty rather than failing the whole response.
func (s *Service) FullDocument(ctx context.Context, projectID, pageID string) (map[string]any, error) {
	page, err := s.store.GetDocumentPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	if page.ProjectID != projectID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}

	feed, err := s.EvidenceFeed(ctx, pageID)
	if err != nil {
		return nil, err
	}

	related, err := s.store.ListRelatedPages(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("related pages: %w", err)
	}

	pages, err := s.store.ListDocumentPages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	children := []*doctree.Node{}
	if node := doctree.Find(doctree.Build(pages, classify.RelevanceBand), pageID); node != nil {
		children = node.Children
	}

	auditorsPanel := []map[string]any{}
	if panel, err := s.DocumentAuditors(ctx, projectID, pageID); err != nil {
		log.Printf("auditors panel for %s: %v", pageID, err)
	} else {
		auditorsPanel = panel
	}

	return map[string]any{
		"id":                page.ID,
		"projectId":         page.ProjectID,
		"parentId":          page.ParentID,
		"title":             page.Title,
		"content":           page.Content,
		"order":             page.SortOrder,
		"pageKind":          page.PageKind,
		"isControl":         page.IsControl,
		"scfId":             page.SCFID,
		"frameworks":        page.Frameworks,
		"frameworkMappings": page.FrameworkMappings,
		"relevanceScore":    page.RelevanceScore,
		"relevanceBand":     classify.RelevanceBand(page.RelevanceScore),
		"status":            page.Status,
		"children":          children,
		"evidenceFeed":      feed,
		"related":           classify.Partition(related),
		"auditors":          auditorsPanel,
		"createdAt":         page.CreatedAt,
		"updatedAt":         page.UpdatedAt,
	}, nil
}

// RenameDocumentPage retitles a page.
func (s *Service) RenameDocumentPage(ctx context.Context, projectID, pageID, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	page, err := s.pageInProject(ctx, projectID, pageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.RenameDocumentPage(ctx, pageID, title); err != nil {
		return nil, fmt.Errorf("rename page: %w", err)
	}
	if s.search != nil {
		s.search.IndexPage(search.PageRecord{
			ID: pageID, Title: title, Content: page.Content,
			ProjectID: projectID, Status: page.Status,
		})
	}
	s.bumpRefresh(ctx, projectID)
	return map[string]any{"id": pageID, "title": title}, nil
}

// UpdateDocumentContent replaces a page's markdown and records a history
// commit. Unchanged content still succeeds but adds no commit.
func (s *Service) UpdateDocumentContent(ctx context.Context, projectID, pageID, content, author, message string) (map[string]any, error) {
	page, err := s.pageInProject(ctx, projectID, pageID)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.UpdateDocumentContent(ctx, pageID, content); err != nil {
		return nil, fmt.Errorf("update content: %w", err)
	}

	if author = strings.TrimSpace(author); author == "" {
		author = "system"
	}
	if message = strings.TrimSpace(message); message == "" {
		message = "Update content"
	}
	if err := s.history.EnsurePageRepo(pageID, page.Content, author); err != nil {
		log.Printf("history: ensure repo for %s: %v", pageID, err)
	}
	commit, err := s.history.CommitContent(pageID, content, author, message)
	if err != nil {
		log.Printf("history: commit for %s: %v", pageID, err)
	}

	if s.search != nil {
		s.search.IndexPage(search.PageRecord{
			ID: pageID, Title: page.Title, Content: content,
			ProjectID: projectID, Status: page.Status,
		})
	}
	s.bumpRefresh(ctx, projectID)

	payload := map[string]any{"id": pageID, "ok": true}
	if commit.Hash != "" {
		payload["commit"] = commit
	}
	return payload, nil
}

// SetDocumentRelevance stores a page's relevance score. A nil score
// clears it; a present score must be 0-100.
func (s *Service) SetDocumentRelevance(ctx context.Context, projectID, pageID string, score *int) (map[string]any, error) {
	if score != nil && (*score < 0 || *score > 100) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "relevance score must be between 0 and 100", nil)
	}
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDocumentRelevance(ctx, pageID, score); err != nil {
		return nil, fmt.Errorf("set relevance: %w", err)
	}
	s.bumpRefresh(ctx, projectID)
	return map[string]any{
		"id":             pageID,
		"relevanceScore": score,
		"relevanceBand":  classify.RelevanceBand(score),
	}, nil
}

// DeleteDocumentBranch removes a page and all its descendants, returning
// the deleted ids and the page the client should select next.
func (s *Service) DeleteDocumentBranch(ctx context.Context, projectID, pageID string) (map[string]any, error) {
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return nil, err
	}
	pages, err := s.store.ListDocumentPages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	deleted := doctree.SubtreeIDs(pages, pageID)
	if err := s.store.DeleteDocumentPages(ctx, deleted); err != nil {
		return nil, fmt.Errorf("delete branch: %w", err)
	}

	for _, id := range deleted {
		if err := s.history.RemovePageRepo(id); err != nil {
			log.Printf("history: remove repo for %s: %v", id, err)
		}
		if s.search != nil {
			s.search.DeletePage(id)
		}
	}

	roots := doctree.Build(pages, classify.RelevanceBand)
	next := doctree.NextSelection(roots, deleted)
	s.bumpRefresh(ctx, projectID)

	return map[string]any{
		"deletedIds":      deleted,
		"nextSelectionId": next,
	}, nil
}

// EvidenceFeed builds the combined requests-then-evidence list for a page.
func (s *Service) EvidenceFeed(ctx context.Context, pageID string) ([]classify.FeedItem, error) {
	requests, err := s.store.ListEvidenceRequests(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("list evidence requests: %w", err)
	}
	evidence, err := s.store.ListEvidence(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return classify.BuildFeed(requests, evidence), nil
}

// AddEvidence attaches an evidence artifact to a page.
func (s *Service) AddEvidence(ctx context.Context, projectID, pageID string, input AddEvidenceInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return nil, err
	}
	valueType := strings.TrimSpace(input.ValueType)
	if valueType == "" {
		valueType = "text"
	}
	item := store.Evidence{
		ID:           util.NewID("ev"),
		DocumentID:   pageID,
		Name:         name,
		ValueType:    valueType,
		Value:        input.Value,
		CollectionID: input.CollectionID,
	}
	if err := s.store.InsertEvidence(ctx, item); err != nil {
		return nil, fmt.Errorf("insert evidence: %w", err)
	}
	s.bumpRefresh(ctx, projectID)
	return map[string]any{"id": item.ID, "name": item.Name, "valueType": item.ValueType}, nil
}

// AddEvidenceRequest opens an evidence ask on a page.
func (s *Service) AddEvidenceRequest(ctx context.Context, projectID, pageID string, input AddEvidenceRequestInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return nil, err
	}
	item := store.EvidenceRequest{
		ID:          util.NewID("evreq"),
		DocumentID:  pageID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      "pending",
		Priority:    strings.TrimSpace(input.Priority),
		DueDate:     input.DueDate,
	}
	if item.Priority == "" {
		item.Priority = "medium"
	}
	if err := s.store.InsertEvidenceRequest(ctx, item); err != nil {
		return nil, fmt.Errorf("insert evidence request: %w", err)
	}
	s.bumpRefresh(ctx, projectID)
	return map[string]any{"id": item.ID, "title": item.Title, "status": item.Status, "priority": item.Priority}, nil
}

// AddPageRelation links two pages in the same project.
func (s *Service) AddPageRelation(ctx context.Context, projectID, pageID string, input AddRelationInput) (map[string]any, error) {
	relatedID := strings.TrimSpace(input.RelatedDocumentID)
	if relatedID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "relatedDocumentId is required", nil)
	}
	if relatedID == pageID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a page cannot relate to itself", nil)
	}
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return nil, err
	}
	if _, err := s.pageInProject(ctx, projectID, relatedID); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "related page not found in project", nil)
	}
	relation := store.PageRelation{
		ID:                util.NewID("rel"),
		DocumentID:        pageID,
		RelatedDocumentID: relatedID,
		RelationType:      strings.TrimSpace(input.RelationType),
	}
	if err := s.store.InsertPageRelation(ctx, relation); err != nil {
		return nil, fmt.Errorf("insert relation: %w", err)
	}
	s.bumpRefresh(ctx, projectID)
	return map[string]any{"id": relation.ID, "relationType": relation.RelationType}, nil
}

// RelatedPages returns a page's related pages grouped for display.
func (s *Service) RelatedPages(ctx context.Context, projectID, pageID string) (classify.RelatedGroups, error) {
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return classify.RelatedGroups{}, err
	}
	related, err := s.store.ListRelatedPages(ctx, pageID)
	if err != nil {
		return classify.RelatedGroups{}, fmt.Errorf("related pages: %w", err)
	}
	return classify.Partition(related), nil
}

// PageHistory lists a page's content revisions, newest first.
func (s *Service) PageHistory(ctx context.Context, projectID, pageID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	items, err := s.history.History(pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("page history: %w", err)
	}
	return items, nil
}

// PageContentAt returns a page's content at a past revision.
func (s *Service) PageContentAt(ctx context.Context, projectID, pageID, hash string) (map[string]any, error) {
	if _, err := s.pageInProject(ctx, projectID, pageID); err != nil {
		return nil, err
	}
	content, err := s.history.ContentAt(pageID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	return map[string]any{"id": pageID, "hash": hash, "content": content}, nil
}

// Search runs a project-scoped full-text search.
func (s *Service) Search(ctx context.Context, text, filterType, projectID string, limit, offset int) (search.Response, error) {
	if filterType != "" && filterType != string(search.ResultDocument) && filterType != string(search.ResultTask) {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be document or task", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterType:      search.ResultType(filterType),
		FilterProjectID: projectID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// RefreshVersion reads the project's refresh counter for client polling.
func (s *Service) RefreshVersion(ctx context.Context, projectID string) (map[string]any, error) {
	if s.signal == nil {
		return map[string]any{"version": int64(0)}, nil
	}
	version, err := s.signal.Current(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("refresh version: %w", err)
	}
	return map[string]any{"version": version}, nil
}

func (s *Service) pageInProject(ctx context.Context, projectID, pageID string) (store.DocumentPage, error) {
	page, err := s.store.GetDocumentPage(ctx, pageID)
	if err != nil {
		return store.DocumentPage{}, fmt.Errorf("get page: %w", err)
	}
	if page.ProjectID != projectID {
		return store.DocumentPage{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return page, nil
}

// bumpRefresh advances the project's refresh counter. Failures are
// logged, never surfaced; the counter is advisory.
func (s *Service) bumpRefresh(ctx context.Context, projectID string) {
	if s.signal == nil {
		return
	}
	if _, err := s.signal.Bump(ctx, projectID); err != nil {
		log.Printf("signal: bump %s: %v", projectID, err)
	}
}
